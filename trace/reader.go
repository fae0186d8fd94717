// Package trace reads pre-recorded instruction traces. Records are the
// packed binary layout produced by the tracing pin tool: instruction pointer,
// branch flags, register lists, and memory operand lists. Cloudsuite traces
// carry four destination registers and an address-space id pair.
//
// A reader re-opens its file at EOF so a short trace can feed an arbitrarily
// long simulation, and recovers branch targets by one-record lookahead: the
// target of a taken branch is the next record's ip.
package trace

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sarchlab/o3sim/insts"
)

// record is the standard on-disk instruction layout.
type record struct {
	IP                   uint64
	IsBranch             uint8
	BranchTaken          uint8
	DestinationRegisters [insts.NumInstrDestinations]uint8
	SourceRegisters      [insts.NumInstrSources]uint8
	DestinationMemory    [insts.NumInstrDestinations]uint64
	SourceMemory         [insts.NumInstrSources]uint64
}

// cloudsuiteRecord is the SPARC-style layout with four destination registers
// and ASIDs.
type cloudsuiteRecord struct {
	IP                   uint64
	IsBranch             uint8
	BranchTaken          uint8
	DestinationRegisters [insts.NumInstrDestinationsSparc]uint8
	SourceRegisters      [insts.NumInstrSources]uint8
	DestinationMemory    [insts.NumInstrDestinationsSparc]uint64
	SourceMemory         [insts.NumInstrSources]uint64
	ASID                 [2]uint8
}

// Reader produces the instruction stream for one CPU.
type Reader interface {
	// Next returns the next trace instruction. The stream never ends; the
	// underlying file wraps around.
	Next() *insts.Instruction
	Close() error
}

type fileReader struct {
	path       string
	cpu        int
	cloudsuite bool

	file   *os.File
	decomp io.ReadCloser
	src    io.Reader

	pending *insts.Instruction
}

// NewReader opens a trace file for the given CPU. Files ending in .gz are
// decompressed on the fly.
func NewReader(path string, cpu int, cloudsuite bool) (Reader, error) {
	r := &fileReader{path: path, cpu: cpu, cloudsuite: cloudsuite}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *fileReader) open() error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open trace %s: %w", r.path, err)
	}
	r.file = file
	r.src = file

	if strings.HasSuffix(r.path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to open gzip trace %s: %w", r.path, err)
		}
		r.decomp = gz
		r.src = gz
	}
	return nil
}

func (r *fileReader) reopen() {
	r.closeFiles()
	if err := r.open(); err != nil {
		panic(fmt.Sprintf("trace wrap-around failed: %v", err))
	}
}

func (r *fileReader) closeFiles() {
	if r.decomp != nil {
		r.decomp.Close()
		r.decomp = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// Close releases the underlying file.
func (r *fileReader) Close() error {
	r.closeFiles()
	return nil
}

// Next implements Reader.
func (r *fileReader) Next() *insts.Instruction {
	if r.pending == nil {
		r.pending = r.readOne()
	}

	current := r.pending
	next := r.readOne()
	r.pending = next

	// The trace carries no branch targets; a taken branch's target is where
	// the trace goes next.
	if current.IsBranch && current.BranchTaken {
		current.BranchTarget = next.IP
	}

	return current
}

func (r *fileReader) readOne() *insts.Instruction {
	for attempt := 0; attempt < 2; attempt++ {
		in, err := r.decode()
		if err == nil {
			return in
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.reopen()
			continue
		}
		panic(fmt.Sprintf("trace %s: %v", r.path, err))
	}
	panic(fmt.Sprintf("trace %s: no instructions", r.path))
}

func (r *fileReader) decode() (*insts.Instruction, error) {
	if r.cloudsuite {
		var rec cloudsuiteRecord
		if err := binary.Read(r.src, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}
		return convert(rec.IP, rec.IsBranch, rec.BranchTaken,
			rec.DestinationRegisters[:], rec.SourceRegisters[:],
			rec.DestinationMemory[:], rec.SourceMemory[:], rec.ASID), nil
	}

	var rec record
	if err := binary.Read(r.src, binary.LittleEndian, &rec); err != nil {
		return nil, err
	}
	return convert(rec.IP, rec.IsBranch, rec.BranchTaken,
		rec.DestinationRegisters[:], rec.SourceRegisters[:],
		rec.DestinationMemory[:], rec.SourceMemory[:], [2]uint8{}), nil
}

// convert builds the instruction model from raw record fields. Zero register
// and memory slots are unused positions, not operands.
func convert(ip uint64, isBranch, branchTaken uint8,
	dregs, sregs []uint8, dmem, smem []uint64, asid [2]uint8) *insts.Instruction {

	in := insts.NewInstruction(ip)
	in.IsBranch = isBranch != 0
	in.BranchTaken = branchTaken != 0
	in.ASID = asid

	for _, reg := range dregs {
		if reg != 0 {
			in.DestinationRegisters = append(in.DestinationRegisters, reg)
		}
	}
	for _, reg := range sregs {
		if reg != 0 {
			in.SourceRegisters = append(in.SourceRegisters, reg)
		}
	}
	for _, addr := range dmem {
		if addr != 0 {
			in.AddDestinationMemory(addr)
		}
	}
	for _, addr := range smem {
		if addr != 0 {
			in.AddSourceMemory(addr)
		}
	}

	return in
}

// SeedFrom accumulates the simulation seed from a trace path the same way
// for every run of the same workload: byte-summing the third-from-last
// token of the path split on separators.
func SeedFrom(path string, seed int64) int64 {
	tokens := strings.FieldsFunc(path, func(r rune) bool {
		return r == ' ' || r == '/' || r == ',' || r == '.' || r == '-'
	})
	if len(tokens) == 0 {
		return seed
	}
	idx := len(tokens) - 3
	if idx < 0 {
		idx = 0
	}
	for _, b := range []byte(tokens[idx]) {
		seed += int64(b)
	}
	return seed
}

// Package insts defines the architectural instruction model consumed by the
// timing simulator.
//
// Instructions arrive pre-decoded from a trace: register and memory operand
// lists, branch flags, and the instruction pointer. The simulator never
// executes them semantically; the fields here exist to drive dependence
// tracking and the per-stage progress state machine.
package insts

// Architectural register identifiers with special meaning to branch
// classification and stack-pointer folding.
const (
	RegStackPointer       uint8 = 6
	RegFlags              uint8 = 25
	RegInstructionPointer uint8 = 26
)

// Operand counts per trace record. Cloudsuite (SPARC-style) traces carry four
// destination registers instead of two.
const (
	NumInstrDestinations      = 2
	NumInstrDestinationsSparc = 4
	NumInstrSources           = 4
)

// Progress tracks a per-stage state. A field only ever advances
// Pending -> Inflight -> Completed.
type Progress uint8

const (
	Pending Progress = iota
	Inflight
	Completed
)

// BranchType classifies a branch by how it manipulates SP, IP, and FLAGS.
type BranchType uint8

const (
	NotBranch BranchType = iota
	BranchDirectJump
	BranchIndirect
	BranchConditional
	BranchDirectCall
	BranchIndirectCall
	BranchReturn
	BranchOther
	NumBranchTypes
)

func (t BranchType) String() string {
	switch t {
	case NotBranch:
		return "NOT_BRANCH"
	case BranchDirectJump:
		return "BRANCH_DIRECT_JUMP"
	case BranchIndirect:
		return "BRANCH_INDIRECT"
	case BranchConditional:
		return "BRANCH_CONDITIONAL"
	case BranchDirectCall:
		return "BRANCH_DIRECT_CALL"
	case BranchIndirectCall:
		return "BRANCH_INDIRECT_CALL"
	case BranchReturn:
		return "BRANCH_RETURN"
	case BranchOther:
		return "BRANCH_OTHER"
	}
	return "UNKNOWN"
}

// MemOperand is one memory operand of an instruction. QIndex is the LQ or SQ
// slot the operand was assigned to, or -1 while unassigned.
type MemOperand struct {
	Address     uint64
	Added       bool
	WillForward bool
	QIndex      int
}

// Instruction is one trace instruction flowing through the front end and ROB.
//
// RegDependents and MemDependents hold back-references to younger instructions
// waiting on this one (register RAW and store-to-load RAW respectively).
type Instruction struct {
	ID uint64
	IP uint64

	IsBranch           bool
	BranchTaken        bool
	BranchMispredicted bool
	BranchTarget       uint64
	Type               BranchType

	SourceRegisters      []uint8
	DestinationRegisters []uint8
	SourceMemory         []MemOperand
	DestinationMemory    []MemOperand

	IsMemory bool
	ASID     [2]uint8

	Translated Progress
	Fetched    Progress
	Decoded    Progress
	Scheduled  Progress
	Executed   Progress

	InstructionPA uint64
	EventCycle    uint64

	NumRegOps int
	NumMemOps int

	NumRegDependent int
	RegDependents   []*Instruction
	MemDependents   []*Instruction
}

// NewInstruction builds an instruction with unassigned operand slots.
func NewInstruction(ip uint64) *Instruction {
	return &Instruction{IP: ip}
}

// AddSourceMemory appends a source memory operand.
func (i *Instruction) AddSourceMemory(addr uint64) {
	i.SourceMemory = append(i.SourceMemory, MemOperand{Address: addr, QIndex: -1})
}

// AddDestinationMemory appends a destination memory operand.
func (i *Instruction) AddDestinationMemory(addr uint64) {
	i.DestinationMemory = append(i.DestinationMemory, MemOperand{Address: addr, QIndex: -1})
}

// WritesRegister reports whether reg is in the destination register set.
func (i *Instruction) WritesRegister(reg uint8) bool {
	for _, r := range i.DestinationRegisters {
		if r == reg {
			return true
		}
	}
	return false
}

// ReadsRegister reports whether reg is in the source register set.
func (i *Instruction) ReadsRegister(reg uint8) bool {
	for _, r := range i.SourceRegisters {
		if r == reg {
			return true
		}
	}
	return false
}

package cpu

import "github.com/sarchlab/o3sim/insts"

// instrDeque is a bounded FIFO of instructions with positional access, used
// for the IFETCH buffer and the ROB.
type instrDeque struct {
	entries []*insts.Instruction
	size    int
}

func newInstrDeque(size int) *instrDeque {
	return &instrDeque{size: size}
}

func (d *instrDeque) Full() bool                  { return len(d.entries) >= d.size }
func (d *instrDeque) Empty() bool                 { return len(d.entries) == 0 }
func (d *instrDeque) Occupancy() int              { return len(d.entries) }
func (d *instrDeque) Size() int                   { return d.size }
func (d *instrDeque) FreeSlots() int              { return d.size - len(d.entries) }
func (d *instrDeque) At(i int) *insts.Instruction { return d.entries[i] }

func (d *instrDeque) Front() *insts.Instruction { return d.entries[0] }

func (d *instrDeque) Push(in *insts.Instruction) {
	if d.Full() {
		panic("instruction deque overflow")
	}
	d.entries = append(d.entries, in)
}

func (d *instrDeque) Pop() *insts.Instruction {
	front := d.entries[0]
	d.entries[0] = nil
	d.entries = d.entries[1:]
	return front
}

// delayEntry pairs an instruction with the cycle it becomes visible.
type delayEntry struct {
	in    *insts.Instruction
	ready uint64
}

// delayBuffer is a bounded FIFO whose entries only become poppable after a
// fixed latency, modeling a pipelined stage buffer. Ready pushes bypass the
// latency (used during warmup and for DIB hits).
type delayBuffer struct {
	entries []delayEntry
	size    int
	latency uint64
}

func newDelayBuffer(size int, latency uint64) *delayBuffer {
	return &delayBuffer{size: size, latency: latency}
}

func (b *delayBuffer) Full() bool     { return len(b.entries) >= b.size }
func (b *delayBuffer) Empty() bool    { return len(b.entries) == 0 }
func (b *delayBuffer) Occupancy() int { return len(b.entries) }

func (b *delayBuffer) Push(in *insts.Instruction, now uint64) {
	if b.Full() {
		panic("stage buffer overflow")
	}
	b.entries = append(b.entries, delayEntry{in: in, ready: now + b.latency})
}

func (b *delayBuffer) PushReady(in *insts.Instruction) {
	if b.Full() {
		panic("stage buffer overflow")
	}
	b.entries = append(b.entries, delayEntry{in: in})
}

func (b *delayBuffer) HasReady(now uint64) bool {
	return len(b.entries) > 0 && b.entries[0].ready <= now
}

func (b *delayBuffer) Front() *insts.Instruction { return b.entries[0].in }

func (b *delayBuffer) Pop() *insts.Instruction {
	front := b.entries[0].in
	b.entries[0] = delayEntry{}
	b.entries = b.entries[1:]
	return front
}

// instrFIFO is the ready-to-execute queue.
type instrFIFO struct {
	entries []*insts.Instruction
}

func (f *instrFIFO) Empty() bool { return len(f.entries) == 0 }
func (f *instrFIFO) Len() int    { return len(f.entries) }

func (f *instrFIFO) Push(in *insts.Instruction) { f.entries = append(f.entries, in) }

func (f *instrFIFO) Pop() *insts.Instruction {
	front := f.entries[0]
	f.entries[0] = nil
	f.entries = f.entries[1:]
	return front
}

// intFIFO carries LQ/SQ slot indexes between LSQ stages (RTL0/1, RTS0/1).
type intFIFO struct {
	entries []int
}

func (f *intFIFO) Empty() bool { return len(f.entries) == 0 }
func (f *intFIFO) Len() int    { return len(f.entries) }

func (f *intFIFO) Push(i int) { f.entries = append(f.entries, i) }

func (f *intFIFO) Front() int { return f.entries[0] }

func (f *intFIFO) Pop() int {
	front := f.entries[0]
	f.entries = f.entries[1:]
	return front
}

// idFIFO is the store-address FIFO (STA): instruction ids of stores in issue
// order, gating in-order SQ allocation.
type idFIFO struct {
	entries []uint64
}

func (f *idFIFO) Empty() bool { return len(f.entries) == 0 }
func (f *idFIFO) Len() int    { return len(f.entries) }

func (f *idFIFO) Push(id uint64) { f.entries = append(f.entries, id) }

func (f *idFIFO) Front() uint64 { return f.entries[0] }

func (f *idFIFO) Pop() uint64 {
	front := f.entries[0]
	f.entries = f.entries[1:]
	return front
}

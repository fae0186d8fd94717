// Package cpu implements the out-of-order core: trace intake with branch
// classification, the DIB-assisted front end, register and memory dependence
// scheduling over the ROB and load/store queues, and in-order retirement.
//
// The core talks to its private first-level consumers (ITLB, L1I, DTLB, L1D)
// exclusively through cache buses; every cross-stage hand-off inside the core
// goes through a bounded queue so that one cycle moves at most one stage's
// worth of work.
package cpu

import (
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/o3sim/insts"
	"github.com/sarchlab/o3sim/timing/mem"
)

// LSQEntry is one load-queue or store-queue slot. A slot is invalid while its
// VirtualAddress is zero.
type LSQEntry struct {
	InstrID         uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
	IP              uint64
	ASID            [2]uint8

	ROBEntry *insts.Instruction

	Translated insts.Progress
	Fetched    insts.Progress

	EventCycle uint64
}

// Valid reports whether the slot holds a live entry.
func (e *LSQEntry) Valid() bool { return e.VirtualAddress != 0 }

// Stats holds the core's per-phase counters. NumRetired is cumulative; phase
// boundaries snapshot it instead of resetting.
type Stats struct {
	NumBranch            uint64
	BranchMispredictions uint64

	TotalROBOccupancyAtMispredict uint64

	TotalBranchTypes [insts.NumBranchTypes]uint64
	BranchTypeMisses [insts.NumBranchTypes]uint64
}

// Core is one out-of-order CPU.
type Core struct {
	ID  int
	cfg Config

	cycle uint64

	// WarmupComplete is pushed by the phase controller each cycle.
	WarmupComplete bool

	// InstrsToRead is how many trace instructions the intake loop may still
	// feed this cycle. Recomputed at the top of Operate; taken branches and
	// detected mispredictions zero it.
	InstrsToRead int

	instrUniqueID uint64

	NumRetired uint64

	BeginPhaseInstr  uint64
	BeginPhaseCycle  uint64
	FinishPhaseInstr uint64
	FinishPhaseCycle uint64

	fetchStall       bool
	fetchResumeCycle uint64

	dib *dib

	ifetchBuffer   *instrDeque
	decodeBuffer   *delayBuffer
	dispatchBuffer *delayBuffer
	rob            *instrDeque

	lq []LSQEntry
	sq []LSQEntry

	sta idFIFO

	readyToExecute instrFIFO

	rtl0, rtl1 intFIFO
	rts0, rts1 intFIFO

	ITLB *mem.CacheBus
	L1I  *mem.CacheBus
	DTLB *mem.CacheBus
	L1D  *mem.CacheBus

	predictor  BranchPredictor
	btb        BranchTargetBuffer
	prefetcher CodePrefetcher

	stats Stats

	// DeadlockOut receives the watchdog dump; DumpLowerMSHR, when set, lets
	// the dump include the L1D MSHR.
	DeadlockOut   io.Writer
	DumpLowerMSHR func(io.Writer)
}

// Buses bundles the core's four private cache buses.
type Buses struct {
	ITLB, L1I, DTLB, L1D *mem.CacheBus
}

// Option configures a Core.
type Option func(*Core)

// WithBranchPredictor overrides the default bimodal predictor.
func WithBranchPredictor(p BranchPredictor) Option {
	return func(c *Core) { c.predictor = p }
}

// WithBTB overrides the default branch target buffer.
func WithBTB(b BranchTargetBuffer) Option {
	return func(c *Core) { c.btb = b }
}

// WithCodePrefetcher overrides the default no-op code prefetcher.
func WithCodePrefetcher(p CodePrefetcher) Option {
	return func(c *Core) { c.prefetcher = p }
}

// New creates a core wired to the given buses.
func New(id int, cfg Config, buses Buses, opts ...Option) *Core {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("cpu%d: %v", id, err))
	}

	c := &Core{
		ID:             id,
		cfg:            cfg,
		dib:            newDIB(cfg.DIBSets, cfg.DIBWays, cfg.DIBWindow),
		ifetchBuffer:   newInstrDeque(cfg.IFetchBufferSize),
		decodeBuffer:   newDelayBuffer(cfg.DecodeBufferSize, cfg.DecodeLatency),
		dispatchBuffer: newDelayBuffer(cfg.DispatchBufferSize, cfg.DispatchLatency),
		rob:            newInstrDeque(cfg.ROBSize),
		lq:             make([]LSQEntry, cfg.LQSize),
		sq:             make([]LSQEntry, cfg.SQSize),
		ITLB:           buses.ITLB,
		L1I:            buses.L1I,
		DTLB:           buses.DTLB,
		L1D:            buses.L1D,
		predictor:      NewBimodalPredictor(1024),
		btb:            NewBasicBTB(1024),
		prefetcher:     NopPrefetcher{},
		DeadlockOut:    os.Stdout,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the core configuration.
func (c *Core) Config() Config { return c.cfg }

// Stats returns the core counters.
func (c *Core) Stats() *Stats { return &c.stats }

// CurrentCycle returns the core's local cycle count.
func (c *Core) CurrentCycle() uint64 { return c.cycle }

// ResetStats clears per-phase counters.
func (c *Core) ResetStats() { c.stats = Stats{} }

// ROBOccupancy returns the number of live ROB entries.
func (c *Core) ROBOccupancy() int { return c.rob.Occupancy() }

// ROBInstructions returns the live ROB entries in age order.
func (c *Core) ROBInstructions() []*insts.Instruction {
	out := make([]*insts.Instruction, c.rob.Occupancy())
	for i := range out {
		out[i] = c.rob.At(i)
	}
	return out
}

// LQSlots returns a snapshot of the load queue.
func (c *Core) LQSlots() []LSQEntry {
	out := make([]LSQEntry, len(c.lq))
	copy(out, c.lq)
	return out
}

// SQSlots returns a snapshot of the store queue.
func (c *Core) SQSlots() []LSQEntry {
	out := make([]LSQEntry, len(c.sq))
	copy(out, c.sq)
	return out
}

// ReadyToExecuteLen returns the depth of the ready-to-execute queue.
func (c *Core) ReadyToExecuteLen() int { return c.readyToExecute.Len() }

// Operate advances the core one cycle. Stages run in reverse dataflow order
// so data moves by at most one stage per cycle.
func (c *Core) Operate() {
	c.cycle++

	if c.fetchStall {
		c.InstrsToRead = 0
	} else {
		c.InstrsToRead = min(c.cfg.FetchWidth, c.ifetchBuffer.FreeSlots())
	}

	c.retireROB()
	c.completeInflight()
	c.executeInstruction()
	c.scheduleInstruction()
	c.handleMemoryReturn()
	c.operateLSQ()
	c.scheduleMemoryInstruction()
	c.dispatchInstruction()
	c.decodeInstruction()
	c.promoteToDecode()
	c.fetchInstruction()
	c.translateFetch()
	c.checkDIB()

	c.checkDeadlock()
}

// InitInstruction receives the next trace instruction: classify its branch
// behavior, fold the stack pointer, consult the predictors, and append it to
// the IFETCH buffer.
func (c *Core) InitInstruction(arch *insts.Instruction) {
	c.InstrsToRead--

	arch.ID = c.instrUniqueID

	writesSP := arch.WritesRegister(insts.RegStackPointer)
	writesIP := arch.WritesRegister(insts.RegInstructionPointer)
	readsSP := arch.ReadsRegister(insts.RegStackPointer)
	readsFlags := arch.ReadsRegister(insts.RegFlags)
	readsIP := arch.ReadsRegister(insts.RegInstructionPointer)
	readsOther := false
	for _, r := range arch.SourceRegisters {
		if r != insts.RegStackPointer && r != insts.RegFlags && r != insts.RegInstructionPointer {
			readsOther = true
			break
		}
	}

	for range arch.DestinationMemory {
		c.sta.Push(arch.ID)
	}
	if c.sta.Len() > c.cfg.ROBSize*insts.NumInstrDestinationsSparc {
		panic(fmt.Sprintf("cpu%d: STA overflow", c.ID))
	}

	arch.NumRegOps = len(arch.SourceRegisters) + len(arch.DestinationRegisters)
	arch.NumMemOps = len(arch.SourceMemory) + len(arch.DestinationMemory)
	if arch.NumMemOps > 0 {
		arch.IsMemory = true
	}

	switch {
	case !readsSP && !readsFlags && writesIP && !readsOther:
		arch.IsBranch = true
		arch.BranchTaken = true
		arch.Type = insts.BranchDirectJump
	case !readsSP && !readsFlags && writesIP && readsOther:
		arch.IsBranch = true
		arch.BranchTaken = true
		arch.Type = insts.BranchIndirect
	case !readsSP && readsIP && !writesSP && writesIP && readsFlags && !readsOther:
		arch.IsBranch = true
		// branch_taken comes from the trace
		arch.Type = insts.BranchConditional
	case readsSP && readsIP && writesSP && writesIP && !readsFlags && !readsOther:
		arch.IsBranch = true
		arch.BranchTaken = true
		arch.Type = insts.BranchDirectCall
	case readsSP && readsIP && writesSP && writesIP && !readsFlags && readsOther:
		arch.IsBranch = true
		arch.BranchTaken = true
		arch.Type = insts.BranchIndirectCall
	case readsSP && !readsIP && writesSP && writesIP:
		arch.IsBranch = true
		arch.BranchTaken = true
		arch.Type = insts.BranchReturn
	case writesIP:
		arch.IsBranch = true
		arch.Type = insts.BranchOther
	}

	c.stats.TotalBranchTypes[arch.Type]++

	if !arch.IsBranch || !arch.BranchTaken {
		arch.BranchTarget = 0
	}

	// Stack pointer folding: SP writes with statically computable effect do
	// not participate in the register dependence graph.
	if writesSP && (arch.IsBranch || arch.NumMemOps > 0 || !readsOther) {
		for i, r := range arch.DestinationRegisters {
			if r == insts.RegStackPointer {
				arch.DestinationRegisters = append(
					arch.DestinationRegisters[:i], arch.DestinationRegisters[i+1:]...)
				arch.NumRegOps--
				break
			}
		}
	}

	if arch.IsBranch {
		c.stats.NumBranch++

		predictedTarget, alwaysTaken := c.btb.Prediction(arch.IP, arch.Type)
		prediction := c.predictor.Predict(arch.IP, predictedTarget, alwaysTaken, arch.Type)
		if !prediction && !alwaysTaken {
			predictedTarget = 0
		}

		c.prefetcher.BranchOperate(arch.IP, arch.Type, predictedTarget)

		if predictedTarget != arch.BranchTarget {
			c.stats.BranchMispredictions++
			c.stats.TotalROBOccupancyAtMispredict += uint64(c.rob.Occupancy())
			c.stats.BranchTypeMisses[arch.Type]++
			if c.WarmupComplete {
				c.fetchStall = true
				c.InstrsToRead = 0
				arch.BranchMispredicted = true
			}
		} else if arch.BranchTaken {
			// A correctly predicted taken branch still ends the fetch block.
			c.InstrsToRead = 0
		}

		c.btb.Update(arch.IP, arch.BranchTarget, arch.BranchTaken, arch.Type)
		c.predictor.LastResult(arch.IP, arch.BranchTarget, arch.BranchTaken, arch.Type)
	}

	arch.EventCycle = c.cycle

	// Fast warmup drops register dependences; predictors, caches, and
	// prefetchers still train.
	if !c.WarmupComplete {
		arch.SourceRegisters = nil
		arch.DestinationRegisters = nil
		arch.NumRegOps = 0
	}

	c.ifetchBuffer.Push(arch)

	c.instrUniqueID++
}

// FetchStalled reports whether trace intake is suspended after a detected
// misprediction.
func (c *Core) FetchStalled() bool { return c.fetchStall }

func (c *Core) checkDeadlock() {
	if c.rob.Empty() {
		return
	}
	head := c.rob.Front()
	if head.IP != 0 && head.EventCycle+c.cfg.DeadlockCycle <= c.cycle {
		c.printDeadlock()
		panic(fmt.Sprintf("cpu%d: deadlock at cycle %d", c.ID, c.cycle))
	}
}

func (c *Core) printDeadlock() {
	w := c.DeadlockOut
	head := c.rob.Front()

	fmt.Fprintf(w, "DEADLOCK! CPU %d instr_id: %d translated: %d fetched: %d scheduled: %d executed: %d is_memory: %t num_reg_dependent: %d event: %d current: %d\n",
		c.ID, head.ID, head.Translated, head.Fetched, head.Scheduled, head.Executed,
		head.IsMemory, head.NumRegDependent, head.EventCycle, c.cycle)

	fmt.Fprintf(w, "\nLoad Queue Entry\n")
	for j := range c.lq {
		e := &c.lq[j]
		fmt.Fprintf(w, "[LQ] entry: %d instr_id: %d address: %x translated: %d fetched: %d\n",
			j, e.InstrID, e.PhysicalAddress, e.Translated, e.Fetched)
	}

	fmt.Fprintf(w, "\nStore Queue Entry\n")
	for j := range c.sq {
		e := &c.sq[j]
		fmt.Fprintf(w, "[SQ] entry: %d instr_id: %d address: %x translated: %d fetched: %d\n",
			j, e.InstrID, e.PhysicalAddress, e.Translated, e.Fetched)
	}

	if c.DumpLowerMSHR != nil {
		fmt.Fprintf(w, "\nL1D MSHR Entry\n")
		c.DumpLowerMSHR(w)
	}
}

package cpu_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/o3sim/insts"
	"github.com/sarchlab/o3sim/timing/cpu"
	"github.com/sarchlab/o3sim/timing/mem"
)

// fixedBTB always returns the scripted target and hint.
type fixedBTB struct {
	target      uint64
	alwaysTaken bool
}

func (b fixedBTB) Prediction(uint64, insts.BranchType) (uint64, bool) {
	return b.target, b.alwaysTaken
}
func (b fixedBTB) Update(uint64, uint64, bool, insts.BranchType) {}

// fixedPredictor always predicts the scripted direction.
type fixedPredictor struct{ taken bool }

func (p fixedPredictor) Predict(uint64, uint64, bool, insts.BranchType) bool { return p.taken }
func (p fixedPredictor) LastResult(uint64, uint64, bool, insts.BranchType)   {}

var _ = Describe("Core", func() {
	var (
		itlb, l1i, dtlb, l1d *stubLower
		core                 *cpu.Core
	)

	newCore := func(opts ...cpu.Option) *cpu.Core {
		itlb = newIdentityTLB()
		l1i = newStubLower()
		dtlb = newIdentityTLB()
		l1d = newStubLower()
		return cpu.New(0, cpu.DefaultConfig(), cpu.Buses{
			ITLB: mem.NewCacheBus(itlb),
			L1I:  mem.NewCacheBus(l1i),
			DTLB: mem.NewCacheBus(dtlb),
			L1D:  mem.NewCacheBus(l1d),
		}, opts...)
	}

	// feed initializes one instruction after giving the core intake budget.
	feed := func(c *cpu.Core, in *insts.Instruction) {
		if c.InstrsToRead <= 0 {
			c.InstrsToRead = c.Config().FetchWidth
		}
		c.InitInstruction(in)
	}

	BeforeEach(func() {
		core = newCore()
	})

	Describe("branch classification", func() {
		classify := func(srcs, dsts []uint8, taken bool) *insts.Instruction {
			in := insts.NewInstruction(0x1000)
			in.SourceRegisters = srcs
			in.DestinationRegisters = dsts
			in.BranchTaken = taken
			in.BranchTarget = 0x2000
			core.WarmupComplete = true
			feed(core, in)
			return in
		}

		It("should classify a direct jump", func() {
			in := classify(nil, []uint8{insts.RegInstructionPointer}, false)
			Expect(in.IsBranch).To(BeTrue())
			Expect(in.Type).To(Equal(insts.BranchDirectJump))
			Expect(in.BranchTaken).To(BeTrue())
		})

		It("should classify an indirect branch", func() {
			in := classify([]uint8{3}, []uint8{insts.RegInstructionPointer}, false)
			Expect(in.Type).To(Equal(insts.BranchIndirect))
			Expect(in.BranchTaken).To(BeTrue())
		})

		It("should classify a conditional branch and keep the trace outcome", func() {
			in := classify(
				[]uint8{insts.RegInstructionPointer, insts.RegFlags},
				[]uint8{insts.RegInstructionPointer}, false)
			Expect(in.Type).To(Equal(insts.BranchConditional))
			Expect(in.BranchTaken).To(BeFalse())
		})

		It("should classify a direct call", func() {
			in := classify(
				[]uint8{insts.RegStackPointer, insts.RegInstructionPointer},
				[]uint8{insts.RegStackPointer, insts.RegInstructionPointer}, false)
			Expect(in.Type).To(Equal(insts.BranchDirectCall))
			Expect(in.BranchTaken).To(BeTrue())
		})

		It("should classify an indirect call", func() {
			in := classify(
				[]uint8{insts.RegStackPointer, insts.RegInstructionPointer, 3},
				[]uint8{insts.RegStackPointer, insts.RegInstructionPointer}, false)
			Expect(in.Type).To(Equal(insts.BranchIndirectCall))
		})

		It("should classify a return", func() {
			in := classify(
				[]uint8{insts.RegStackPointer},
				[]uint8{insts.RegStackPointer, insts.RegInstructionPointer}, false)
			Expect(in.Type).To(Equal(insts.BranchReturn))
		})

		It("should classify other IP writers as OTHER", func() {
			in := classify(
				[]uint8{insts.RegFlags, 3},
				[]uint8{insts.RegInstructionPointer}, true)
			Expect(in.Type).To(Equal(insts.BranchOther))
			Expect(in.BranchTaken).To(BeTrue())
		})

		It("should clear the target of a not-taken branch", func() {
			in := classify(
				[]uint8{insts.RegInstructionPointer, insts.RegFlags},
				[]uint8{insts.RegInstructionPointer}, false)
			Expect(in.BranchTarget).To(BeZero())
		})
	})

	Describe("stack pointer folding", func() {
		It("should drop the SP destination of a call and its register op", func() {
			core.WarmupComplete = true
			in := insts.NewInstruction(0x1000)
			in.SourceRegisters = []uint8{insts.RegStackPointer, insts.RegInstructionPointer}
			in.DestinationRegisters = []uint8{insts.RegStackPointer, insts.RegInstructionPointer}
			in.BranchTaken = true
			in.BranchTarget = 0x2000
			feed(core, in)

			Expect(in.Type).To(Equal(insts.BranchDirectCall))
			Expect(in.DestinationRegisters).To(Equal([]uint8{insts.RegInstructionPointer}))
			Expect(in.NumRegOps).To(Equal(3))
		})

		It("should keep SP for a variable-amount SP update", func() {
			core.WarmupComplete = true
			in := insts.NewInstruction(0x1000)
			in.SourceRegisters = []uint8{insts.RegStackPointer, 3}
			in.DestinationRegisters = []uint8{insts.RegStackPointer}
			feed(core, in)

			Expect(in.DestinationRegisters).To(ContainElement(insts.RegStackPointer))
			Expect(in.NumRegOps).To(Equal(3))
		})
	})

	Describe("branch prediction at intake", func() {
		It("should suppress further fetch on a correctly predicted taken jump", func() {
			core = newCore(
				cpu.WithBTB(fixedBTB{target: 0x2000, alwaysTaken: true}),
				cpu.WithBranchPredictor(fixedPredictor{taken: true}),
			)
			core.WarmupComplete = true

			in := insts.NewInstruction(0x1000)
			in.DestinationRegisters = []uint8{insts.RegInstructionPointer}
			in.BranchTarget = 0x2000
			feed(core, in)

			Expect(in.Type).To(Equal(insts.BranchDirectJump))
			Expect(in.BranchMispredicted).To(BeFalse())
			Expect(core.Stats().BranchMispredictions).To(BeZero())
			Expect(core.InstrsToRead).To(BeZero())
			Expect(core.FetchStalled()).To(BeFalse())
		})

		It("should record a misprediction and stall fetch post-warmup", func() {
			core = newCore(
				cpu.WithBTB(fixedBTB{target: 0x4000}),
				cpu.WithBranchPredictor(fixedPredictor{taken: true}),
			)
			core.WarmupComplete = true

			in := insts.NewInstruction(0x1000)
			in.SourceRegisters = []uint8{insts.RegInstructionPointer, insts.RegFlags}
			in.DestinationRegisters = []uint8{insts.RegInstructionPointer}
			in.BranchTaken = true
			in.BranchTarget = 0x3000
			feed(core, in)

			Expect(core.Stats().BranchMispredictions).To(Equal(uint64(1)))
			Expect(core.Stats().BranchTypeMisses[insts.BranchConditional]).To(Equal(uint64(1)))
			Expect(in.BranchMispredicted).To(BeTrue())
			Expect(core.FetchStalled()).To(BeTrue())
			Expect(core.InstrsToRead).To(BeZero())
		})

		It("should not stall during warmup", func() {
			core = newCore(
				cpu.WithBTB(fixedBTB{target: 0x4000}),
				cpu.WithBranchPredictor(fixedPredictor{taken: true}),
			)

			in := insts.NewInstruction(0x1000)
			in.SourceRegisters = []uint8{insts.RegInstructionPointer, insts.RegFlags}
			in.DestinationRegisters = []uint8{insts.RegInstructionPointer}
			in.BranchTaken = true
			in.BranchTarget = 0x3000
			feed(core, in)

			Expect(core.Stats().BranchMispredictions).To(Equal(uint64(1)))
			Expect(in.BranchMispredicted).To(BeFalse())
			Expect(core.FetchStalled()).To(BeFalse())
		})
	})

	Describe("warmup register handling", func() {
		It("should clear register operands during warmup", func() {
			in := insts.NewInstruction(0x1000)
			in.SourceRegisters = []uint8{1, 2}
			in.DestinationRegisters = []uint8{3}
			feed(core, in)

			Expect(in.SourceRegisters).To(BeEmpty())
			Expect(in.DestinationRegisters).To(BeEmpty())
			Expect(in.NumRegOps).To(BeZero())
		})
	})

	// run drives the core with a bounded cycle budget, feeding instructions
	// from the queue as the fetch stage accepts them.
	run := func(c *cpu.Core, pending []*insts.Instruction, maxCycles int,
		done func() bool) {
		for cycle := 0; cycle < maxCycles && !done(); cycle++ {
			c.Operate()
			for c.InstrsToRead > 0 && len(pending) > 0 {
				c.InitInstruction(pending[0])
				pending = pending[1:]
			}
		}
		Expect(done()).To(BeTrue(), "core did not converge within the cycle budget")
	}

	Describe("pipeline retirement", func() {
		It("should retire a straight-line warmup stream in order", func() {
			var stream []*insts.Instruction
			for i := 0; i < 20; i++ {
				in := insts.NewInstruction(0x1000 + uint64(4*i))
				in.SourceRegisters = []uint8{1}
				in.DestinationRegisters = []uint8{2}
				stream = append(stream, in)
			}

			run(core, stream, 2000, func() bool { return core.NumRetired == 20 })

			Expect(core.ROBOccupancy()).To(BeZero())
		})

		It("should keep ROB ids strictly increasing", func() {
			var stream []*insts.Instruction
			for i := 0; i < 40; i++ {
				in := insts.NewInstruction(0x1000 + uint64(4*i))
				stream = append(stream, in)
			}

			pending := stream
			for cycle := 0; cycle < 2000 && core.NumRetired < 40; cycle++ {
				core.Operate()
				for core.InstrsToRead > 0 && len(pending) > 0 {
					core.InitInstruction(pending[0])
					pending = pending[1:]
				}

				rob := core.ROBInstructions()
				for i := 1; i < len(rob); i++ {
					Expect(rob[i].ID).To(BeNumerically(">", rob[i-1].ID))
				}
				Expect(core.ReadyToExecuteLen()).To(BeNumerically("<=", core.Config().ROBSize))
			}
			Expect(core.NumRetired).To(Equal(uint64(40)))
		})

		It("should retire loads and stores and leave the LSQ empty", func() {
			store := insts.NewInstruction(0x1000)
			store.AddDestinationMemory(0xDEAD00)
			load := insts.NewInstruction(0x1004)
			load.AddSourceMemory(0x77BEE8)

			run(core, []*insts.Instruction{store, load}, 2000,
				func() bool { return core.NumRetired == 2 })

			for _, slot := range core.LQSlots() {
				Expect(slot.Valid()).To(BeFalse())
			}
			for _, slot := range core.SQSlots() {
				Expect(slot.Valid()).To(BeFalse())
			}

			// The retired store reached the L1D write queue at block
			// granularity.
			Expect(l1d.writes).To(HaveLen(1))
			Expect(l1d.writes[0].Address).To(Equal(uint64(0xDEAD00) >> mem.LogBlockSize))
			Expect(l1d.writes[0].Type).To(Equal(mem.RFO))
		})
	})

	Describe("store-to-load forwarding", func() {
		It("should satisfy a dependent load without an LQ slot", func() {
			store := insts.NewInstruction(0x1000)
			store.AddDestinationMemory(0xABCD00)
			load := insts.NewInstruction(0x1004)
			load.AddSourceMemory(0xABCD00)

			run(core, []*insts.Instruction{store, load}, 2000,
				func() bool { return core.NumRetired == 2 })

			Expect(load.SourceMemory[0].Added).To(BeTrue())
			Expect(load.SourceMemory[0].QIndex).To(Equal(-1),
				"forwarded load must not consume an LQ slot")

			// Only the store's translation reached the DTLB.
			for _, pkt := range dtlb.reads {
				Expect(pkt.Type).To(Equal(mem.RFO))
			}
		})

		It("should satisfy every matching source operand of one consumer", func() {
			store := insts.NewInstruction(0x1000)
			store.AddDestinationMemory(0xABCD00)
			load := insts.NewInstruction(0x1004)
			load.AddSourceMemory(0xABCD00)
			load.AddSourceMemory(0xABCD00)

			run(core, []*insts.Instruction{store, load}, 2000,
				func() bool { return core.NumRetired == 2 })

			Expect(load.SourceMemory[0].Added).To(BeTrue())
			Expect(load.SourceMemory[1].Added).To(BeTrue())
			Expect(load.NumMemOps).To(BeZero())
		})
	})

	Describe("decoded instruction buffer", func() {
		It("should short-circuit a refetched line", func() {
			first := insts.NewInstruction(0x1000)
			run(core, []*insts.Instruction{first}, 2000,
				func() bool { return core.NumRetired == 1 })

			again := insts.NewInstruction(0x1000)
			core.InstrsToRead = 1
			core.InitInstruction(again)

			// One cycle later the DIB marks the line complete while it still
			// sits in the IFETCH buffer; the decode stage has not seen it.
			core.Operate()
			Expect(again.Translated).To(Equal(insts.Completed))
			Expect(again.Fetched).To(Equal(insts.Completed))
			Expect(again.Decoded).To(Equal(insts.Completed))

			run(core, nil, 2000, func() bool { return core.NumRetired == 2 })
		})
	})

	Describe("fetch stall and resume", func() {
		It("should suppress intake until the mispredict penalty elapses", func() {
			core = newCore(
				cpu.WithBTB(fixedBTB{target: 0x4000}),
				cpu.WithBranchPredictor(fixedPredictor{taken: true}),
			)
			core.WarmupComplete = true

			branch := insts.NewInstruction(0x1000)
			branch.SourceRegisters = []uint8{insts.RegInstructionPointer, insts.RegFlags}
			branch.DestinationRegisters = []uint8{insts.RegInstructionPointer}
			branch.BranchTaken = true
			branch.BranchTarget = 0x3000

			core.InstrsToRead = 1
			core.InitInstruction(branch)
			Expect(core.FetchStalled()).To(BeTrue())

			stalledCycles := 0
			for cycle := 0; cycle < 2000 && core.NumRetired < 1; cycle++ {
				core.Operate()
				if core.FetchStalled() {
					Expect(core.InstrsToRead).To(BeZero())
					stalledCycles++
				}
			}

			Expect(core.NumRetired).To(Equal(uint64(1)))
			Expect(core.FetchStalled()).To(BeFalse())
			Expect(stalledCycles).To(BeNumerically(">=",
				int(core.Config().BranchMispredictPenalty)))
		})
	})

	Describe("deadlock watchdog", func() {
		It("should dump state and abort when the ROB head starves", func() {
			cfg := cpu.DefaultConfig()
			cfg.DeadlockCycle = 10

			itlb = newIdentityTLB()
			l1i = newStubLower()
			dtlb = newIdentityTLB()
			dtlb.refuse = true // loads can never translate
			l1d = newStubLower()

			stuck := cpu.New(0, cfg, cpu.Buses{
				ITLB: mem.NewCacheBus(itlb),
				L1I:  mem.NewCacheBus(l1i),
				DTLB: mem.NewCacheBus(dtlb),
				L1D:  mem.NewCacheBus(l1d),
			})
			var dump strings.Builder
			stuck.DeadlockOut = &dump

			load := insts.NewInstruction(0x1000)
			load.AddSourceMemory(0x2000)

			Expect(func() {
				pending := []*insts.Instruction{load}
				for cycle := 0; cycle < 100; cycle++ {
					stuck.Operate()
					for stuck.InstrsToRead > 0 && len(pending) > 0 {
						stuck.InitInstruction(pending[0])
						pending = pending[1:]
					}
				}
			}).To(Panic())

			Expect(dump.String()).To(ContainSubstring("DEADLOCK!"))
			Expect(dump.String()).To(ContainSubstring("Load Queue Entry"))
		})
	})

	Describe("register dependences", func() {
		It("should stall a consumer until its producer completes", func() {
			core.WarmupComplete = true

			producer := insts.NewInstruction(0x1000)
			producer.DestinationRegisters = []uint8{7}
			consumer := insts.NewInstruction(0x1004)
			consumer.SourceRegisters = []uint8{7}
			consumer.DestinationRegisters = []uint8{8}

			run(core, []*insts.Instruction{producer, consumer}, 2000,
				func() bool { return core.NumRetired == 2 })

			Expect(consumer.NumRegDependent).To(BeZero())
			Expect(producer.RegDependents).To(ContainElement(consumer))
		})
	})
})

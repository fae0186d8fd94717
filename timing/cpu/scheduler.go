package cpu

import (
	"fmt"

	"github.com/sarchlab/o3sim/insts"
)

// scheduleInstruction walks the ROB in age order resolving register RAW
// dependences. Only not-yet-executed entries consume search bandwidth.
func (c *Core) scheduleInstruction() {
	searchBW := c.cfg.SchedulerSize
	for i := 0; i < c.rob.Occupancy() && searchBW > 0; i++ {
		entry := c.rob.At(i)

		if entry.Scheduled == insts.Pending {
			c.doScheduling(entry, i)

			if entry.Scheduled == insts.Completed && entry.NumRegDependent == 0 {
				if c.readyToExecute.Len() >= c.rob.Size() {
					panic(fmt.Sprintf("cpu%d: ready_to_execute overflow", c.ID))
				}
				c.readyToExecute.Push(entry)
			}
		}

		if entry.Executed == insts.Pending {
			searchBW--
		}
	}
}

func (c *Core) doScheduling(entry *insts.Instruction, robIndex int) {
	for _, srcReg := range entry.SourceRegisters {
		prior := c.findPriorRegProducer(robIndex, srcReg)
		if prior == nil {
			continue
		}
		// Dedup by tail: a register read twice adds one dependence edge.
		n := len(prior.RegDependents)
		if n == 0 || prior.RegDependents[n-1] != entry {
			prior.RegDependents = append(prior.RegDependents, entry)
			entry.NumRegDependent++
		}
	}

	if entry.IsMemory {
		entry.Scheduled = insts.Inflight
	} else {
		entry.Scheduled = insts.Completed

		entry.EventCycle = c.cycle
		if c.WarmupComplete {
			entry.EventCycle += c.cfg.SchedulingLatency
		}
	}
}

// findPriorRegProducer scans backward from robIndex for the most recent
// not-yet-completed writer of reg.
func (c *Core) findPriorRegProducer(robIndex int, reg uint8) *insts.Instruction {
	for i := robIndex - 1; i >= 0; i-- {
		prior := c.rob.At(i)
		if prior.Executed != insts.Completed && prior.WritesRegister(reg) {
			return prior
		}
	}
	return nil
}

// executeInstruction issues ready non-memory instructions out of order.
func (c *Core) executeInstruction() {
	for issued := 0; issued < c.cfg.ExecWidth && !c.readyToExecute.Empty(); issued++ {
		c.doExecution(c.readyToExecute.Pop())
	}
}

func (c *Core) doExecution(entry *insts.Instruction) {
	entry.Executed = insts.Inflight

	entry.EventCycle = c.cycle
	if c.WarmupComplete {
		entry.EventCycle += c.cfg.ExecLatency
	}
}

// completeInflight finalizes executions whose latency elapsed and whose
// memory operands are satisfied, waking register dependents.
func (c *Core) completeInflight() {
	completeBW := c.cfg.ExecWidth
	for i := 0; i < c.rob.Occupancy() && completeBW > 0; i++ {
		entry := c.rob.At(i)

		if entry.Executed != insts.Inflight || entry.EventCycle > c.cycle || entry.NumMemOps != 0 {
			continue
		}

		c.doCompleteExecution(entry)
		completeBW--

		for _, dependent := range entry.RegDependents {
			if dependent.Scheduled == insts.Completed && dependent.NumRegDependent == 0 {
				if c.readyToExecute.Len() >= c.rob.Size() {
					panic(fmt.Sprintf("cpu%d: ready_to_execute overflow", c.ID))
				}
				c.readyToExecute.Push(dependent)
			}
		}
	}
}

func (c *Core) doCompleteExecution(entry *insts.Instruction) {
	entry.Executed = insts.Completed

	for _, dependent := range entry.RegDependents {
		if dependent.NumRegDependent <= 0 {
			panic(fmt.Sprintf("cpu%d: num_reg_dependent underflow on instr %d", c.ID, dependent.ID))
		}
		dependent.NumRegDependent--

		if dependent.NumRegDependent == 0 {
			if dependent.IsMemory {
				dependent.Scheduled = insts.Inflight
			} else {
				dependent.Scheduled = insts.Completed
			}
		}
	}

	// Conditional, indirect, and return mispredictions resolve at execute.
	if entry.BranchMispredicted {
		c.fetchResumeCycle = c.cycle + c.cfg.BranchMispredictPenalty
	}
}

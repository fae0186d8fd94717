package cpu

import (
	"fmt"

	"github.com/sarchlab/o3sim/insts"
	"github.com/sarchlab/o3sim/timing/mem"
)

// scheduleMemoryInstruction walks the ROB in age order and assigns LQ/SQ
// slots to memory instructions whose register inputs are ready.
func (c *Core) scheduleMemoryInstruction() {
	searchBW := c.cfg.SchedulerSize
	for i := 0; i < c.rob.Occupancy() && searchBW > 0; i++ {
		entry := c.rob.At(i)

		if entry.IsMemory && entry.NumRegDependent == 0 && entry.Scheduled == insts.Inflight {
			c.doMemoryScheduling(entry, i)
		}

		if entry.Executed == insts.Pending {
			searchBW--
		}
	}
}

func (c *Core) doMemoryScheduling(entry *insts.Instruction, robIndex int) {
	// Loads: forward from a completed store, wait on an in-flight producer,
	// or take an LQ slot.
	for opIdx := range entry.SourceMemory {
		op := &entry.SourceMemory[opIdx]
		if op.Added || op.WillForward {
			continue
		}

		if c.findCompletedStore(op.Address) >= 0 {
			entry.NumMemOps--
			entry.EventCycle = c.cycle
			if entry.NumMemOps < 0 {
				panic(fmt.Sprintf("cpu%d: num_mem_ops underflow on instr %d", c.ID, entry.ID))
			}
			op.Added = true
			continue
		}

		if prior := c.findPriorMemProducer(robIndex, op.Address); prior != nil {
			// The producer may not have an SQ slot yet; the load waits on it.
			prior.MemDependents = append(prior.MemDependents, entry)
			op.WillForward = true
			continue
		}

		if slot := c.findInvalidSlot(c.lq); slot >= 0 {
			c.lq[slot] = LSQEntry{
				InstrID:        entry.ID,
				VirtualAddress: op.Address,
				IP:             entry.IP,
				ASID:           entry.ASID,
				ROBEntry:       entry,
				EventCycle:     c.cycle + c.cfg.SchedulingLatency,
			}
			op.QIndex = slot
			op.Added = true

			c.rtl0.Push(slot)
		}
	}

	// Stores: SQ slots are taken strictly in issue order, gated by STA.
	for opIdx := range entry.DestinationMemory {
		op := &entry.DestinationMemory[opIdx]
		if op.Added {
			continue
		}
		if c.findInvalidSlot(c.sq) >= 0 && !c.sta.Empty() && c.sta.Front() == entry.ID {
			c.addStoreQueue(entry, opIdx)
		}
	}

	allSrc := true
	for i := range entry.SourceMemory {
		if !entry.SourceMemory[i].Added {
			allSrc = false
			break
		}
	}
	allDst := true
	for i := range entry.DestinationMemory {
		if !entry.DestinationMemory[i].Added {
			allDst = false
			break
		}
	}

	if allSrc && allDst {
		entry.Scheduled = insts.Completed
		// Store-to-load forwarding may already have begun execution.
		if entry.Executed == insts.Pending {
			entry.Executed = insts.Inflight
		}
	}
}

// findCompletedStore returns an SQ slot holding a completed store to addr,
// or -1.
func (c *Core) findCompletedStore(addr uint64) int {
	for i := range c.sq {
		if c.sq[i].Fetched == insts.Completed && c.sq[i].VirtualAddress == addr {
			return i
		}
	}
	return -1
}

// findPriorMemProducer scans backward from robIndex for an older instruction
// whose destination memory includes addr.
func (c *Core) findPriorMemProducer(robIndex int, addr uint64) *insts.Instruction {
	for i := robIndex - 1; i >= 0; i-- {
		prior := c.rob.At(i)
		for j := range prior.DestinationMemory {
			if prior.DestinationMemory[j].Address == addr {
				return prior
			}
		}
	}
	return nil
}

func (c *Core) findInvalidSlot(queue []LSQEntry) int {
	for i := range queue {
		if !queue[i].Valid() {
			return i
		}
	}
	return -1
}

func (c *Core) addStoreQueue(entry *insts.Instruction, opIdx int) {
	slot := c.findInvalidSlot(c.sq)
	if c.sq[slot].VirtualAddress != 0 {
		panic(fmt.Sprintf("cpu%d: SQ slot %d not invalid", c.ID, slot))
	}

	op := &entry.DestinationMemory[opIdx]
	op.QIndex = slot

	c.sq[slot] = LSQEntry{
		InstrID:        entry.ID,
		VirtualAddress: op.Address,
		IP:             entry.IP,
		ASID:           entry.ASID,
		ROBEntry:       entry,
		EventCycle:     c.cycle + c.cfg.SchedulingLatency,
	}

	op.Added = true

	c.sta.Pop()

	c.rts0.Push(slot)
}

// operateLSQ issues translations and accesses for queued loads and stores,
// bounded by the LQ and SQ widths. A refused request stays queued.
func (c *Core) operateLSQ() {
	storeIssued := 0
	for storeIssued < c.cfg.SQWidth && !c.rts0.Empty() {
		if c.doTranslateStore(c.rts0.Front()) == mem.Refused {
			break
		}
		c.rts0.Pop()
		storeIssued++
	}

	for storeIssued < c.cfg.SQWidth && !c.rts1.Empty() {
		c.executeStore(c.rts1.Front())
		c.rts1.Pop()
		storeIssued++
	}

	loadIssued := 0
	for loadIssued < c.cfg.LQWidth && !c.rtl0.Empty() {
		if c.doTranslateLoad(c.rtl0.Front()) == mem.Refused {
			break
		}
		c.rtl0.Pop()
		loadIssued++
	}

	for loadIssued < c.cfg.LQWidth && !c.rtl1.Empty() {
		if c.executeLoad(c.rtl1.Front()) == mem.Refused {
			break
		}
		c.rtl1.Pop()
		loadIssued++
	}
}

func (c *Core) doTranslateStore(slot int) int {
	entry := &c.sq[slot]

	pkt := mem.Packet{
		FillLevel:    c.DTLB.Lower.FillLevel(),
		CPU:          c.ID,
		Address:      entry.VirtualAddress,
		VAddress:     entry.VirtualAddress,
		InstrID:      entry.InstrID,
		IP:           entry.IP,
		Type:         mem.RFO,
		ASID:         entry.ASID,
		ToReturn:     []mem.Producer{c.DTLB},
		SQDependOnMe: []mem.LSQRef{{Index: slot, ID: entry.InstrID}},
	}

	rc := c.DTLB.Lower.AddRQ(&pkt)
	if rc != mem.Refused {
		entry.Translated = insts.Inflight
	}
	return rc
}

// executeStore completes a store in the SQ and satisfies every load waiting
// to forward from it.
func (c *Core) executeStore(slot int) {
	entry := &c.sq[slot]

	entry.Fetched = insts.Completed
	entry.EventCycle = c.cycle

	rob := entry.ROBEntry
	rob.NumMemOps--
	rob.EventCycle = c.cycle
	if rob.NumMemOps < 0 {
		panic(fmt.Sprintf("cpu%d: num_mem_ops underflow on instr %d", c.ID, rob.ID))
	}

	for _, dependent := range rob.MemDependents {
		for opIdx := range dependent.SourceMemory {
			op := &dependent.SourceMemory[opIdx]
			if op.Address != entry.VirtualAddress || op.Added {
				continue
			}

			dependent.NumMemOps--
			dependent.EventCycle = c.cycle
			if dependent.NumMemOps < 0 {
				panic(fmt.Sprintf("cpu%d: num_mem_ops underflow on instr %d", c.ID, dependent.ID))
			}

			op.Added = true
		}
	}
}

func (c *Core) doTranslateLoad(slot int) int {
	entry := &c.lq[slot]

	pkt := mem.Packet{
		FillLevel:    c.DTLB.Lower.FillLevel(),
		CPU:          c.ID,
		Address:      entry.VirtualAddress,
		VAddress:     entry.VirtualAddress,
		InstrID:      entry.InstrID,
		IP:           entry.IP,
		Type:         mem.Load,
		ASID:         entry.ASID,
		ToReturn:     []mem.Producer{c.DTLB},
		LQDependOnMe: []mem.LSQRef{{Index: slot, ID: entry.InstrID}},
	}

	rc := c.DTLB.Lower.AddRQ(&pkt)
	if rc != mem.Refused {
		entry.Translated = insts.Inflight
	}
	return rc
}

func (c *Core) executeLoad(slot int) int {
	entry := &c.lq[slot]

	pkt := mem.Packet{
		FillLevel:    c.L1D.Lower.FillLevel(),
		CPU:          c.ID,
		Address:      entry.PhysicalAddress,
		VAddress:     entry.VirtualAddress,
		InstrID:      entry.InstrID,
		IP:           entry.IP,
		Type:         mem.Load,
		ASID:         entry.ASID,
		ToReturn:     []mem.Producer{c.L1D},
		LQDependOnMe: []mem.LSQRef{{Index: slot, ID: entry.InstrID}},
	}

	rc := c.L1D.Lower.AddRQ(&pkt)
	if rc != mem.Refused {
		entry.Fetched = insts.Inflight
	}
	return rc
}

// handleMemoryReturn drains the four buses: translations complete front-end
// entries and LSQ slots; data returns complete fetches and loads.
func (c *Core) handleMemoryReturn() {
	c.drainITLB()
	c.drainL1I()
	c.drainDTLB()
	c.drainL1D()
}

func (c *Core) drainITLB() {
	bandwidth := c.cfg.FetchWidth
	toRead := c.ITLB.Lower.MaxRead()

	for bandwidth > 0 && toRead > 0 && c.ITLB.HasProcessed() {
		entry := c.ITLB.Front()

		for bandwidth > 0 && len(entry.InstrDependOnMe) > 0 {
			dep := entry.InstrDependOnMe[0]
			if dep.IP>>mem.LogPageSize == entry.Address>>mem.LogPageSize &&
				dep.Translated != insts.Pending {
				dep.Translated = insts.Completed
				dep.InstructionPA = mem.SpliceBits(
					entry.Data<<mem.LogPageSize, dep.IP, mem.LogPageSize)

				bandwidth--
			}
			entry.InstrDependOnMe = entry.InstrDependOnMe[1:]
		}

		if len(entry.InstrDependOnMe) == 0 {
			c.ITLB.PopProcessed()
		}
		toRead--
	}
}

func (c *Core) drainL1I() {
	bandwidth := c.cfg.FetchWidth
	toRead := c.L1I.Lower.MaxRead()

	for bandwidth > 0 && toRead > 0 && c.L1I.HasProcessed() {
		entry := c.L1I.Front()

		for bandwidth > 0 && len(entry.InstrDependOnMe) > 0 {
			dep := entry.InstrDependOnMe[0]
			if dep.InstructionPA>>mem.LogBlockSize == entry.Address>>mem.LogBlockSize &&
				dep.Fetched != insts.Pending && dep.Translated == insts.Completed {
				dep.Fetched = insts.Completed
				bandwidth--
			}
			entry.InstrDependOnMe = entry.InstrDependOnMe[1:]
		}

		if len(entry.InstrDependOnMe) == 0 {
			c.L1I.PopProcessed()
		}
		toRead--
	}
}

func (c *Core) drainDTLB() {
	toRead := c.DTLB.Lower.MaxRead()

	for toRead > 0 && c.DTLB.HasProcessed() {
		entry := c.DTLB.Front()

		for _, ref := range entry.SQDependOnMe {
			sqEntry := c.resolveSlot(c.sq, ref)
			if sqEntry == nil {
				continue
			}
			sqEntry.PhysicalAddress = mem.SpliceBits(
				entry.Data<<mem.LogPageSize, sqEntry.VirtualAddress, mem.LogPageSize)
			sqEntry.Translated = insts.Completed
			sqEntry.EventCycle = c.cycle

			c.rts1.Push(ref.Index)
		}

		for _, ref := range entry.LQDependOnMe {
			lqEntry := c.resolveSlot(c.lq, ref)
			if lqEntry == nil {
				continue
			}
			lqEntry.PhysicalAddress = mem.SpliceBits(
				entry.Data<<mem.LogPageSize, lqEntry.VirtualAddress, mem.LogPageSize)
			lqEntry.Translated = insts.Completed
			lqEntry.EventCycle = c.cycle

			c.rtl1.Push(ref.Index)
		}

		c.DTLB.PopProcessed()
		toRead--
	}
}

func (c *Core) drainL1D() {
	toRead := c.L1D.Lower.MaxRead()

	for toRead > 0 && c.L1D.HasProcessed() {
		entry := c.L1D.Front()

		for _, ref := range entry.LQDependOnMe {
			lqEntry := c.resolveSlot(c.lq, ref)
			if lqEntry == nil {
				continue
			}
			lqEntry.Fetched = insts.Completed
			lqEntry.EventCycle = c.cycle

			rob := lqEntry.ROBEntry
			rob.NumMemOps--
			rob.EventCycle = c.cycle
			if rob.NumMemOps < 0 {
				panic(fmt.Sprintf("cpu%d: num_mem_ops underflow on instr %d", c.ID, rob.ID))
			}

			c.lq[ref.Index] = LSQEntry{}
		}

		c.L1D.PopProcessed()
		toRead--
	}
}

// resolveSlot validates a slot handle: the slot must still be live and carry
// the same instruction. Stale completions are dropped silently.
func (c *Core) resolveSlot(queue []LSQEntry, ref mem.LSQRef) *LSQEntry {
	if ref.Index < 0 || ref.Index >= len(queue) {
		return nil
	}
	entry := &queue[ref.Index]
	if !entry.Valid() || entry.InstrID != ref.ID {
		return nil
	}
	return entry
}

// retireROB retires completed instructions in order, draining destination
// stores into the L1D write queue at block granularity. A refused writeback
// stalls retirement with the head in place.
func (c *Core) retireROB() {
	bandwidth := c.cfg.RetireWidth

	for bandwidth > 0 && !c.rob.Empty() && c.rob.Front().Executed == insts.Completed {
		head := c.rob.Front()

		for opIdx := range head.DestinationMemory {
			op := &head.DestinationMemory[opIdx]
			if op.Address == 0 {
				continue
			}

			sqEntry := &c.sq[op.QIndex]

			// The write queue contract takes block-granular addresses here;
			// the SQ slot is gone after retirement.
			pkt := mem.Packet{
				FillLevel: mem.FillL1,
				CPU:       c.ID,
				Address:   sqEntry.PhysicalAddress >> mem.LogBlockSize,
				VAddress:  sqEntry.VirtualAddress >> mem.LogBlockSize,
				InstrID:   sqEntry.InstrID,
				IP:        sqEntry.IP,
				Type:      mem.RFO,
				ASID:      sqEntry.ASID,
			}

			if c.L1D.Lower.AddWQ(&pkt) == mem.Refused {
				return
			}

			op.Address = 0
			c.sq[op.QIndex] = LSQEntry{}
		}

		c.rob.Pop()
		c.NumRetired++
		bandwidth--
	}
}

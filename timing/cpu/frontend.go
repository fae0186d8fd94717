package cpu

import (
	"github.com/sarchlab/o3sim/insts"
	"github.com/sarchlab/o3sim/timing/mem"
)

// checkDIB scans the head of the IFETCH buffer for lines that were recently
// fetched and decoded; a hit short-circuits translate, fetch, and decode.
func (c *Core) checkDIB() {
	limit := min(c.ifetchBuffer.Occupancy(), c.cfg.FetchWidth)
	for i := 0; i < limit; i++ {
		c.doCheckDIB(c.ifetchBuffer.At(i))
	}
}

func (c *Core) doCheckDIB(in *insts.Instruction) {
	way := c.dib.lookup(in.IP)
	if way < 0 {
		return
	}

	in.Translated = insts.Completed
	in.Fetched = insts.Completed
	in.Decoded = insts.Completed
	in.EventCycle = c.cycle

	c.dib.promote(in.IP, way)
}

// translateFetch gathers the run of untranslated instructions that share the
// head page and sends one ITLB request for the group.
func (c *Core) translateFetch() {
	if c.ifetchBuffer.Empty() {
		return
	}

	n := c.ifetchBuffer.Occupancy()

	begin := 0
	for begin < n && c.ifetchBuffer.At(begin).Translated != insts.Pending {
		begin++
	}
	if begin == n {
		return
	}

	page := c.ifetchBuffer.At(begin).IP >> mem.LogPageSize
	end := begin
	for end < n && c.ifetchBuffer.At(end).IP>>mem.LogPageSize == page {
		end++
	}

	// Only issue when the page group is bounded inside the buffer or starts
	// at the head.
	if end != n || begin == 0 {
		c.doTranslateFetch(begin, end)
	}
}

func (c *Core) doTranslateFetch(begin, end int) {
	head := c.ifetchBuffer.At(begin)

	pkt := mem.Packet{
		FillLevel: c.ITLB.Lower.FillLevel(),
		CPU:       c.ID,
		Address:   head.IP,
		VAddress:  head.IP,
		InstrID:   head.ID,
		IP:        head.IP,
		Type:      mem.Load,
		ToReturn:  []mem.Producer{c.ITLB},
	}
	for i := begin; i < end; i++ {
		pkt.InstrDependOnMe = append(pkt.InstrDependOnMe, c.ifetchBuffer.At(i))
	}

	if c.ITLB.Lower.AddRQ(&pkt) == mem.Refused {
		return
	}

	for _, dep := range pkt.InstrDependOnMe {
		if dep.Translated == insts.Pending {
			dep.Translated = insts.Inflight
		}
	}
}

// fetchInstruction resumes a stalled fetch when the penalty has elapsed, then
// sends one L1I request for the run of translated-but-unfetched instructions
// sharing the head cache block.
func (c *Core) fetchInstruction() {
	if c.fetchStall && c.cycle >= c.fetchResumeCycle && c.fetchResumeCycle != 0 {
		c.fetchStall = false
		c.fetchResumeCycle = 0
	}

	if c.ifetchBuffer.Empty() {
		return
	}

	n := c.ifetchBuffer.Occupancy()

	begin := 0
	for begin < n {
		in := c.ifetchBuffer.At(begin)
		if in.Translated == insts.Completed && in.Fetched == insts.Pending {
			break
		}
		begin++
	}
	if begin == n {
		return
	}

	block := c.ifetchBuffer.At(begin).InstructionPA >> mem.LogBlockSize
	end := begin
	for end < n && c.ifetchBuffer.At(end).InstructionPA>>mem.LogBlockSize == block {
		end++
	}

	if end != n || begin == 0 {
		c.doFetchInstruction(begin, end)
	}
}

func (c *Core) doFetchInstruction(begin, end int) {
	head := c.ifetchBuffer.At(begin)

	pkt := mem.Packet{
		FillLevel: c.L1I.Lower.FillLevel(),
		CPU:       c.ID,
		Address:   head.InstructionPA,
		Data:      head.InstructionPA,
		VAddress:  head.IP,
		InstrID:   head.ID,
		IP:        head.IP,
		Type:      mem.Load,
		ToReturn:  []mem.Producer{c.L1I},
	}
	for i := begin; i < end; i++ {
		pkt.InstrDependOnMe = append(pkt.InstrDependOnMe, c.ifetchBuffer.At(i))
	}

	if c.L1I.Lower.AddRQ(&pkt) == mem.Refused {
		return
	}

	for _, dep := range pkt.InstrDependOnMe {
		if dep.Fetched == insts.Pending {
			dep.Fetched = insts.Inflight
		}
	}
}

// promoteToDecode moves fully fetched instructions from the IFETCH buffer
// into the decode buffer.
func (c *Core) promoteToDecode() {
	bandwidth := c.cfg.FetchWidth
	for bandwidth > 0 && !c.ifetchBuffer.Empty() && !c.decodeBuffer.Full() {
		front := c.ifetchBuffer.Front()
		if front.Translated != insts.Completed || front.Fetched != insts.Completed {
			break
		}

		if !c.WarmupComplete || front.Decoded != insts.Pending {
			c.decodeBuffer.PushReady(front)
		} else {
			c.decodeBuffer.Push(front, c.cycle)
		}
		c.ifetchBuffer.Pop()

		bandwidth--
	}
}

// decodeInstruction records decoded lines in the DIB, resumes fetch for
// decode-detected mispredictions, and forwards to dispatch.
func (c *Core) decodeInstruction() {
	bandwidth := c.cfg.DecodeWidth
	for bandwidth > 0 && c.decodeBuffer.HasReady(c.cycle) && !c.dispatchBuffer.Full() {
		entry := c.decodeBuffer.Front()

		c.dib.insert(entry.IP)

		// Direct jumps and calls resolve their target at decode.
		if entry.BranchMispredicted &&
			(entry.Type == insts.BranchDirectJump || entry.Type == insts.BranchDirectCall) {
			entry.BranchMispredicted = false
			c.fetchResumeCycle = c.cycle + c.cfg.BranchMispredictPenalty
		}

		if c.WarmupComplete {
			c.dispatchBuffer.Push(entry, c.cycle)
		} else {
			c.dispatchBuffer.PushReady(entry)
		}
		c.decodeBuffer.Pop()

		bandwidth--
	}
}

// dispatchInstruction moves ready instructions from the dispatch buffer into
// the ROB.
func (c *Core) dispatchInstruction() {
	bandwidth := c.cfg.DispatchWidth
	for bandwidth > 0 && c.dispatchBuffer.HasReady(c.cycle) && !c.rob.Full() {
		c.rob.Push(c.dispatchBuffer.Pop())
		bandwidth--
	}
}

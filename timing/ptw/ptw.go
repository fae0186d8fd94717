// Package ptw implements the hardware page-table walker: a functional
// five-level page table, per-level paging-structure caches that memoize
// partial translations, and the MSHR-driven walk state machine that issues
// one table access per level through the L1D.
package ptw

import (
	"fmt"
	"io"
	"sort"

	"github.com/sarchlab/o3sim/timing/mem"
	"github.com/sarchlab/o3sim/vmem"
)

// Page-table levels. A walk starts at PTL5 (or deeper on a PSCL hit) and
// finishes when the in-flight level reaches zero.
const (
	PTL5 = 5
	PTL4 = 4
	PTL3 = 3
	PTL2 = 2
	PTL1 = 1
)

const tableEntries = 512

// pageTableVABase is the virtual region page-table pages are allocated from.
const pageTableVABase = 0xf000000f00000000

// PageTablePage is one node of the functional page table. Each of its 512
// entries points at a child node and records the child's physical base page
// (noBase while unmapped).
type PageTablePage struct {
	entry             [tableEntries]*PageTablePage
	nextLevelBaseAddr [tableEntries]uint64
}

func newPageTablePage() *PageTablePage {
	p := &PageTablePage{}
	for i := range p.nextLevelBaseAddr {
		p.nextLevelBaseAddr[i] = noBase
	}
	return p
}

// Config holds the walker geometry.
type Config struct {
	RQSize   int `json:"rq_size"`
	MSHRSize int `json:"mshr_size"`
	MaxRead  int `json:"max_read"`
	MaxFill  int `json:"max_fill"`

	PSCL5Sets int `json:"pscl5_sets"`
	PSCL5Ways int `json:"pscl5_ways"`
	PSCL4Sets int `json:"pscl4_sets"`
	PSCL4Ways int `json:"pscl4_ways"`
	PSCL3Sets int `json:"pscl3_sets"`
	PSCL3Ways int `json:"pscl3_ways"`
	PSCL2Sets int `json:"pscl2_sets"`
	PSCL2Ways int `json:"pscl2_ways"`
}

// DefaultConfig returns the default walker geometry.
func DefaultConfig() Config {
	return Config{
		RQSize:    16,
		MSHRSize:  5,
		MaxRead:   2,
		MaxFill:   2,
		PSCL5Sets: 1, PSCL5Ways: 2,
		PSCL4Sets: 1, PSCL4Ways: 4,
		PSCL3Sets: 2, PSCL3Ways: 4,
		PSCL2Sets: 8, PSCL2Ways: 8,
	}
}

// Stats holds the walker's per-phase counters.
type Stats struct {
	RQAccess  uint64
	RQToCache uint64
	RQFull    uint64
	WQFull    uint64

	TotalMissLatency uint64
}

// Walker serializes multi-level page walks for one CPU.
type Walker struct {
	Name string
	CPU  int

	cfg   Config
	cycle uint64

	lower mem.Consumer
	vm    *vmem.Memory

	rq   *mem.Queue
	mshr []mem.Packet

	pscl5, pscl4, pscl3, pscl2 *PagingStructureCache

	l5      *PageTablePage
	cr3Addr uint64

	nextTranslationVA uint64

	// Warmed gates miss-latency accounting; wired by the simulation.
	Warmed func(cpu int) bool

	stats Stats
}

// New creates a page-table walker whose lower level is the L1D.
func New(name string, cpu int, cfg Config, lower mem.Consumer, vm *vmem.Memory) *Walker {
	w := &Walker{
		Name:              name,
		CPU:               cpu,
		cfg:               cfg,
		lower:             lower,
		vm:                vm,
		rq:                mem.NewQueue(name+"_RQ", cfg.RQSize, 1),
		pscl5:             NewPagingStructureCache(name+"_PSCL5", PSCL5, cfg.PSCL5Sets, cfg.PSCL5Ways),
		pscl4:             NewPagingStructureCache(name+"_PSCL4", PSCL4, cfg.PSCL4Sets, cfg.PSCL4Ways),
		pscl3:             NewPagingStructureCache(name+"_PSCL3", PSCL3, cfg.PSCL3Sets, cfg.PSCL3Ways),
		pscl2:             NewPagingStructureCache(name+"_PSCL2", PSCL2, cfg.PSCL2Sets, cfg.PSCL2Ways),
		l5:                newPageTablePage(),
		nextTranslationVA: pageTableVABase,
		Warmed:            func(int) bool { return false },
	}
	w.cr3Addr = w.mapTranslationPage()
	return w
}

// Stats returns the accumulated counters.
func (w *Walker) Stats() *Stats { return &w.stats }

// PSCL returns the paging-structure cache for the given level.
func (w *Walker) PSCL(level int) *PagingStructureCache {
	switch level {
	case PSCL5:
		return w.pscl5
	case PSCL4:
		return w.pscl4
	case PSCL3:
		return w.pscl3
	case PSCL2:
		return w.pscl2
	}
	panic(fmt.Sprintf("%s: no PSCL at level %d", w.Name, level))
}

// CurrentCycle returns the walker's local cycle count.
func (w *Walker) CurrentCycle() uint64 { return w.cycle }

// FillLevel implements mem.Consumer.
func (w *Walker) FillLevel() int { return mem.FillDRC }

// MaxRead implements mem.Consumer.
func (w *Walker) MaxRead() int { return w.cfg.MaxRead }

// ResetStats clears the per-phase counters.
func (w *Walker) ResetStats() { w.stats = Stats{} }

// Operate advances the walker by one cycle.
func (w *Walker) Operate() {
	w.cycle++
	w.handleFill()
	w.handleRead()
}

// AddRQ implements mem.Consumer. A duplicate translation request for a page
// already queued is an upstream bug.
func (w *Walker) AddRQ(pkt *mem.Packet) int {
	if pkt.Address == 0 {
		panic(w.Name + ": translation request for address zero")
	}
	if dup := w.rq.FindBlock(pkt.Address, mem.LogPageSize); dup != nil {
		panic(fmt.Sprintf("%s: duplicate translation request for page %x", w.Name, pkt.Address>>mem.LogPageSize))
	}

	if w.rq.Full() {
		w.stats.RQFull++
		return mem.Refused
	}

	w.rq.Push(pkt, w.cycle)
	w.stats.RQToCache++
	w.stats.RQAccess++
	return w.rq.Occupancy() - 1
}

// AddWQ implements mem.Consumer. The walker accepts no writes.
func (w *Walker) AddWQ(pkt *mem.Packet) int {
	panic(w.Name + ": write request to page-table walker")
}

// AddPQ implements mem.Consumer. The walker accepts no prefetches.
func (w *Walker) AddPQ(pkt *mem.Packet) int {
	panic(w.Name + ": prefetch request to page-table walker")
}

// Occupancy implements mem.Consumer.
func (w *Walker) Occupancy(q mem.QueueType, _ uint64) int {
	switch q {
	case mem.QueueMSHR:
		return len(w.mshr)
	case mem.QueueRQ:
		return w.rq.Occupancy()
	}
	return 0
}

// Size implements mem.Consumer.
func (w *Walker) Size(q mem.QueueType, _ uint64) int {
	switch q {
	case mem.QueueMSHR:
		return w.cfg.MSHRSize
	case mem.QueueRQ:
		return w.rq.Size()
	}
	return 0
}

// getOffset extracts the 9-bit table index of the low-57-bit virtual address
// at the given page-table level.
func getOffset(v uint64, level int) uint64 {
	v &= (1 << 57) - 1
	shift := 12 + 9*(level-1)
	return (v >> shift) & 0x1ff
}

// handleRead starts walks for queued translation requests. The deepest PSCL
// hit fixes the starting level; a full miss starts at PTL5 through CR3.
func (w *Walker) handleRead() {
	for reads := 0; reads < w.cfg.MaxRead; reads++ {
		if !w.rq.HasReady(w.cycle) || len(w.mshr) >= w.cfg.MSHRSize {
			break
		}
		if w.lower.Occupancy(mem.QueueRQ, 0) >= w.lower.Size(mem.QueueRQ, 0) {
			break
		}

		handle := w.rq.Front()
		if handle.VAddress == 0 {
			panic(w.Name + ": translation request with zero virtual address")
		}

		packet := *handle
		packet.FillLevel = w.lower.FillLevel()
		packet.CPU = w.CPU
		packet.Type = mem.Translation
		packet.VAddress = handle.Address

		var nextAddress uint64
		if base := w.pscl2.CheckHit(handle.Address); base != noBase {
			nextAddress = base<<mem.LogPageSize | getOffset(handle.Address, PTL1)<<3
			packet.TranslationLevel = 1
		} else if base := w.pscl3.CheckHit(handle.Address); base != noBase {
			nextAddress = base<<mem.LogPageSize | getOffset(handle.Address, PTL2)<<3
			packet.TranslationLevel = 2
		} else if base := w.pscl4.CheckHit(handle.Address); base != noBase {
			nextAddress = base<<mem.LogPageSize | getOffset(handle.Address, PTL3)<<3
			packet.TranslationLevel = 3
		} else if base := w.pscl5.CheckHit(handle.Address); base != noBase {
			nextAddress = base<<mem.LogPageSize | getOffset(handle.Address, PTL4)<<3
			packet.TranslationLevel = 4
		} else {
			nextAddress = w.cr3Addr<<mem.LogPageSize | getOffset(handle.Address, PTL5)<<3
			packet.TranslationLevel = 5
		}

		packet.InitTranslationLevel = packet.TranslationLevel
		packet.Address = nextAddress

		lowerPkt := packet
		lowerPkt.ToReturn = []mem.Producer{w}
		if rc := w.lower.AddRQ(&lowerPkt); rc == mem.Refused {
			panic(w.Name + ": lower level refused despite occupancy check")
		}

		entry := packet
		entry.ToReturn = handle.ToReturn
		entry.Type = handle.Type
		entry.CycleEnqueued = w.cycle
		entry.EventCycle = mem.EventCycleMax
		w.mshr = append(w.mshr, entry)

		w.rq.Pop()
	}
}

// ReturnData implements mem.Producer: one level of some walk finished.
func (w *Walker) ReturnData(pkt *mem.Packet) {
	for i := range w.mshr {
		entry := &w.mshr[i]
		if entry.Address == pkt.Address && entry.TranslationLevel == pkt.TranslationLevel {
			if entry.TranslationLevel <= 0 {
				panic(w.Name + ": translation level underflow")
			}
			entry.TranslationLevel--
			entry.EventCycle = w.cycle
		}
	}

	sort.SliceStable(w.mshr, func(i, j int) bool {
		return w.mshr[i].EventCycle < w.mshr[j].EventCycle
	})
}

// handleFill advances ready walks: completes translations, allocates pages on
// a fault, fills PSCLs, and re-issues the next level otherwise.
func (w *Walker) handleFill() {
	for fills := 0; fills < w.cfg.MaxFill; fills++ {
		if len(w.mshr) == 0 || w.mshr[0].EventCycle > w.cycle {
			break
		}
		entry := &w.mshr[0]

		curr := w.l5
		nextLevelBase := uint64(noBase)
		pageFault := false

		for i := PTL5; i > entry.TranslationLevel; i-- {
			offset := getOffset(entry.VAddress, i)
			nextLevelBase = curr.nextLevelBaseAddr[offset]
			if nextLevelBase == noBase {
				w.handlePageFault(curr, entry, i)
				pageFault = true
				entry.TranslationLevel = 0
				break
			}
			curr = curr.entry[offset]
		}

		if entry.TranslationLevel == 0 {
			curr = w.l5
			for i := PTL5; i > PTL1; i-- {
				offset := getOffset(entry.VAddress, i)
				nextLevelBase = curr.nextLevelBaseAddr[offset]
				if nextLevelBase == noBase {
					panic(w.Name + ": completed walk has unmapped level")
				}
				curr = curr.entry[offset]

				if entry.InitTranslationLevel-i >= 0 {
					switch i {
					case PTL5:
						w.pscl5.Fill(nextLevelBase, entry.VAddress)
					case PTL4:
						w.pscl4.Fill(nextLevelBase, entry.VAddress)
					case PTL3:
						w.pscl3.Fill(nextLevelBase, entry.VAddress)
					case PTL2:
						w.pscl2.Fill(nextLevelBase, entry.VAddress)
					}
				}
			}

			offset := getOffset(entry.VAddress, PTL1)
			entry.Data = curr.nextLevelBaseAddr[offset]
			entry.Address = entry.VAddress

			for _, ret := range entry.ToReturn {
				ret.ReturnData(entry)
			}

			if w.Warmed(w.CPU) {
				w.stats.TotalMissLatency += w.cycle - entry.CycleEnqueued
			}

			w.mshr = w.mshr[1:]
		} else {
			if pageFault {
				panic(w.Name + ": page fault left walk incomplete")
			}

			if w.lower.Occupancy(mem.QueueRQ, 0) < w.lower.Size(mem.QueueRQ, 0) {
				packet := *entry
				packet.CPU = w.CPU
				packet.Type = mem.Translation
				packet.Address = nextLevelBase<<mem.LogPageSize |
					getOffset(entry.VAddress, entry.TranslationLevel)<<3
				packet.ToReturn = []mem.Producer{w}

				entry.EventCycle = mem.EventCycleMax

				if rc := w.lower.AddRQ(&packet); rc == mem.Refused {
					panic(w.Name + ": lower level refused despite occupancy check")
				}

				entry.Address = packet.Address

				// Move to the tail so concurrent walks share the walker
				// round-robin.
				moved := w.mshr[0]
				w.mshr = append(w.mshr[1:], moved)
			} else {
				w.stats.RQFull++
			}
		}
	}
}

// handlePageFault allocates the missing table pages from the faulting level
// down to PTL2, then maps the data page at PTL1.
func (w *Walker) handlePageFault(page *PageTablePage, pkt *mem.Packet, level int) {
	if level > PTL5 {
		panic(w.Name + ": page fault above PTL5")
	}

	for level > PTL1 {
		offset := getOffset(pkt.VAddress, level)
		if page == nil || page.entry[offset] != nil {
			panic(w.Name + ": page fault on mapped table entry")
		}
		page.entry[offset] = newPageTablePage()
		page.nextLevelBaseAddr[offset] = w.mapTranslationPage()
		page = page.entry[offset]
		level--
	}

	offset := getOffset(pkt.VAddress, level)
	if page == nil || page.nextLevelBaseAddr[offset] != noBase {
		panic(w.Name + ": page fault on mapped data page")
	}
	page.nextLevelBaseAddr[offset] = w.mapDataPage(pkt.VAddress)
}

// mapTranslationPage reserves a physical page for a new page-table node.
func (w *Walker) mapTranslationPage() uint64 {
	pa := w.vm.VAToPA(w.CPU, w.nextTranslationVA)
	w.nextTranslationVA = (w.nextTranslationVA>>mem.LogPageSize + 1) << mem.LogPageSize
	return pa >> mem.LogPageSize
}

// mapDataPage resolves the data page backing v.
func (w *Walker) mapDataPage(v uint64) uint64 {
	return w.vm.VAToPA(w.CPU, v) >> mem.LogPageSize
}

// DumpMSHR writes the walker MSHR contents for diagnostics.
func (w *Walker) DumpMSHR(out io.Writer) {
	for i := range w.mshr {
		entry := &w.mshr[i]
		fmt.Fprintf(out, "[%s MSHR] entry: %d instr_id: %d v_address: %x level: %d/%d event_cycle: %d\n",
			w.Name, i, entry.InstrID, entry.VAddress,
			entry.TranslationLevel, entry.InitTranslationLevel, entry.EventCycle)
	}
}

// Package vmem provides the simulator's virtual memory: a lazy, per-CPU
// virtual-to-physical page mapping over a fixed amount of simulated DRAM.
package vmem

import (
	"math/rand"

	"github.com/sarchlab/akita/v4/mem/vm"

	"github.com/sarchlab/o3sim/timing/mem"
)

// Memory assigns physical frames to virtual pages on first touch. Frames are
// drawn pseudo-randomly from the configured capacity so that cache and DRAM
// set indexing is not biased by allocation order; a mapping never changes once
// established.
type Memory struct {
	pageTable vm.PageTable
	numFrames uint64
	used      map[uint64]bool
	rng       *rand.Rand
}

// New creates a virtual memory over capacityBytes of simulated DRAM. seed
// fixes the frame-randomization sequence for reproducible runs.
func New(capacityBytes uint64, seed int64) *Memory {
	return &Memory{
		pageTable: vm.NewPageTable(mem.LogPageSize),
		numFrames: capacityBytes >> mem.LogPageSize,
		used:      make(map[uint64]bool),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// VAToPA translates a virtual address for the given CPU, paging-in lazily.
func (m *Memory) VAToPA(cpu int, vaddr uint64) uint64 {
	vpage := vaddr &^ uint64(mem.PageSize-1)
	pid := vm.PID(cpu)

	if page, found := m.pageTable.Find(pid, vaddr); found {
		return page.PAddr | (vaddr & uint64(mem.PageSize-1))
	}

	frame := m.allocateFrame()
	m.pageTable.Insert(vm.Page{
		PID:      pid,
		VAddr:    vpage,
		PAddr:    frame << mem.LogPageSize,
		PageSize: mem.PageSize,
		Valid:    true,
	})

	return frame<<mem.LogPageSize | (vaddr & uint64(mem.PageSize-1))
}

// NumPages returns how many distinct pages have been mapped.
func (m *Memory) NumPages() int { return len(m.used) }

func (m *Memory) allocateFrame() uint64 {
	if uint64(len(m.used)) >= m.numFrames {
		panic("vmem: out of physical frames")
	}

	// A handful of random draws almost always finds a free frame while the
	// memory is not close to full; the linear probe guarantees termination.
	frame := m.rng.Uint64() % m.numFrames
	for tries := 0; m.used[frame] && tries < 8; tries++ {
		frame = m.rng.Uint64() % m.numFrames
	}
	for m.used[frame] {
		frame = (frame + 1) % m.numFrames
	}

	m.used[frame] = true
	return frame
}

package cpu_test

import (
	"github.com/sarchlab/o3sim/timing/mem"
)

// stubLower is a scriptable lower level for the core's buses. When respond is
// set, accepted read requests complete in the same call; data computes the
// response payload (for TLB stubs, the physical page number).
type stubLower struct {
	fillLevel int
	maxRead   int
	refuse    bool
	respond   bool
	data      func(pkt *mem.Packet) uint64

	reads  []mem.Packet
	writes []mem.Packet
}

func newStubLower() *stubLower {
	return &stubLower{fillLevel: mem.FillL1, maxRead: 8, respond: true}
}

// newIdentityTLB responds to every translation with pfn == vpn, so physical
// addresses equal virtual ones.
func newIdentityTLB() *stubLower {
	s := newStubLower()
	s.data = func(pkt *mem.Packet) uint64 { return pkt.Address >> mem.LogPageSize }
	return s
}

func (s *stubLower) AddRQ(pkt *mem.Packet) int {
	if s.refuse {
		return mem.Refused
	}
	p := *pkt
	s.reads = append(s.reads, p)

	if s.respond {
		resp := p
		if s.data != nil {
			resp.Data = s.data(&p)
		}
		for _, ret := range p.ToReturn {
			ret.ReturnData(&resp)
		}
	}
	return len(s.reads) - 1
}

func (s *stubLower) AddWQ(pkt *mem.Packet) int {
	if s.refuse {
		return mem.Refused
	}
	s.writes = append(s.writes, *pkt)
	return len(s.writes) - 1
}

func (s *stubLower) AddPQ(pkt *mem.Packet) int { return s.AddRQ(pkt) }

func (s *stubLower) Occupancy(mem.QueueType, uint64) int { return 0 }
func (s *stubLower) Size(mem.QueueType, uint64) int      { return 64 }
func (s *stubLower) FillLevel() int                      { return s.fillLevel }
func (s *stubLower) MaxRead() int                        { return s.maxRead }

package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/o3sim/timing/cache"
	"github.com/sarchlab/o3sim/timing/mem"
)

// scriptedLower accepts requests and lets the test return them explicitly.
type scriptedLower struct {
	reads  []mem.Packet
	writes []mem.Packet
	refuse bool
}

func (s *scriptedLower) AddRQ(pkt *mem.Packet) int {
	if s.refuse {
		return mem.Refused
	}
	s.reads = append(s.reads, *pkt)
	return len(s.reads) - 1
}

func (s *scriptedLower) AddWQ(pkt *mem.Packet) int {
	if s.refuse {
		return mem.Refused
	}
	s.writes = append(s.writes, *pkt)
	return len(s.writes) - 1
}

func (s *scriptedLower) AddPQ(pkt *mem.Packet) int           { return s.AddRQ(pkt) }
func (s *scriptedLower) Occupancy(mem.QueueType, uint64) int { return 0 }
func (s *scriptedLower) Size(mem.QueueType, uint64) int      { return 64 }
func (s *scriptedLower) FillLevel() int                      { return mem.FillL2 }
func (s *scriptedLower) MaxRead() int                        { return 4 }

type collector struct {
	returned []mem.Packet
}

func (c *collector) ReturnData(pkt *mem.Packet) {
	c.returned = append(c.returned, *pkt)
}

var _ = Describe("Cache", func() {
	var (
		lower *scriptedLower
		c     *cache.Cache
		out   *collector
	)

	smallConfig := func() cache.Config {
		return cache.Config{
			NumSets: 4, NumWays: 2, OffsetBits: 6,
			RQSize: 8, WQSize: 8, PQSize: 4, MSHRSize: 4,
			HitLatency: 1, FillLatency: 1, MaxRead: 2, MaxWrite: 2, FillLevel: 1,
		}
	}

	BeforeEach(func() {
		lower = &scriptedLower{}
		c = cache.New("L1D", smallConfig(), lower, 1)
		out = &collector{}
	})

	read := func(addr uint64) mem.Packet {
		return mem.Packet{
			Address:  addr,
			VAddress: addr,
			Type:     mem.Load,
			ToReturn: []mem.Producer{out},
		}
	}

	// settle runs the cache for a few cycles.
	settle := func(cycles int) {
		for i := 0; i < cycles; i++ {
			c.Operate()
		}
	}

	It("should forward a cold miss to the lower level and count it", func() {
		pkt := read(0x1000)
		Expect(c.AddRQ(&pkt)).NotTo(Equal(mem.Refused))

		settle(3)

		Expect(lower.reads).To(HaveLen(1))
		Expect(lower.reads[0].Address).To(Equal(uint64(0x1000)))
		Expect(c.Stats().Sim[0].Miss[mem.Load]).To(Equal(uint64(1)))
		Expect(c.Occupancy(mem.QueueMSHR, 0)).To(Equal(1))
	})

	It("should fill on the lower-level return and hit thereafter", func() {
		pkt := read(0x1000)
		c.AddRQ(&pkt)
		settle(3)

		resp := lower.reads[0]
		resp.Data = 0x55
		c.ReturnData(&resp)
		settle(3)

		Expect(out.returned).To(HaveLen(1))
		Expect(out.returned[0].Data).To(Equal(uint64(0x55)))
		Expect(c.Occupancy(mem.QueueMSHR, 0)).To(BeZero())

		// Same block hits now, carrying the filled payload.
		again := read(0x1008)
		c.AddRQ(&again)
		settle(3)

		Expect(out.returned).To(HaveLen(2))
		Expect(out.returned[1].Data).To(Equal(uint64(0x55)))
		Expect(c.Stats().Sim[0].Hit[mem.Load]).To(Equal(uint64(1)))
		Expect(lower.reads).To(HaveLen(1))
	})

	It("should merge same-block misses into one MSHR", func() {
		first := read(0x2000)
		second := read(0x2010)
		c.AddRQ(&first)
		settle(2)
		c.AddRQ(&second)
		settle(2)

		Expect(lower.reads).To(HaveLen(1))
		Expect(c.Occupancy(mem.QueueMSHR, 0)).To(Equal(1))

		resp := lower.reads[0]
		resp.Data = 0x99
		c.ReturnData(&resp)
		settle(3)

		// The shared producer is returned to once, with both waiters merged
		// into the one packet.
		Expect(out.returned).To(HaveLen(1))
	})

	It("should refuse when the read queue is full and count RQ_FULL", func() {
		lower.refuse = true

		refused := 0
		for i := 0; i < 20; i++ {
			pkt := read(uint64(0x4000 + i*0x1000))
			if c.AddRQ(&pkt) == mem.Refused {
				refused++
			}
		}

		Expect(refused).To(BeNumerically(">", 0))
		Expect(c.Stats().RQFull).To(Equal(uint64(refused)))
	})

	It("should retry a refused lower level without losing the request", func() {
		lower.refuse = true
		pkt := read(0x3000)
		c.AddRQ(&pkt)
		settle(3)
		Expect(lower.reads).To(BeEmpty())

		lower.refuse = false
		settle(2)
		Expect(lower.reads).To(HaveLen(1))
	})

	It("should forward reads from a pending write", func() {
		wb := mem.Packet{Address: 0x5000, VAddress: 0x5000, Type: mem.RFO, Data: 0x77}
		Expect(c.AddWQ(&wb)).NotTo(Equal(mem.Refused))

		pkt := read(0x5008)
		Expect(c.AddRQ(&pkt)).NotTo(Equal(mem.Refused))

		Expect(out.returned).To(HaveLen(1))
		Expect(out.returned[0].Data).To(Equal(uint64(0x77)))
		Expect(c.Stats().WQForward).To(Equal(uint64(1)))
	})

	It("should write back a dirty victim on eviction", func() {
		// Dirty one block via the write queue.
		wb := mem.Packet{Address: 0x1000, VAddress: 0x1000, Type: mem.RFO}
		c.AddWQ(&wb)
		settle(3)

		// Fill enough same-set blocks to evict it. With 4 sets and 64B
		// blocks, addresses 0x1000 apart share a set.
		for i := 1; i <= 2; i++ {
			pkt := read(uint64(0x1000 + i*0x1000))
			c.AddRQ(&pkt)
			settle(2)
			resp := lower.reads[len(lower.reads)-1]
			c.ReturnData(&resp)
			settle(3)
		}

		Expect(lower.writes).NotTo(BeEmpty())
		Expect(lower.writes[0].Address).To(Equal(uint64(0x1000)))
		Expect(lower.writes[0].Type).To(Equal(mem.Writeback))
	})

	Describe("as a TLB", func() {
		It("should store and return physical page numbers", func() {
			tlb := cache.New("DTLB", cache.Config{
				NumSets: 4, NumWays: 4, OffsetBits: 12,
				RQSize: 8, WQSize: 8, PQSize: 0, MSHRSize: 4,
				HitLatency: 1, FillLatency: 1, MaxRead: 2, MaxWrite: 2, FillLevel: 1,
			}, lower, 1)

			pkt := mem.Packet{
				Address: 0xABCD123, VAddress: 0xABCD123,
				Type: mem.Load, ToReturn: []mem.Producer{out},
			}
			tlb.AddRQ(&pkt)
			for i := 0; i < 3; i++ {
				tlb.Operate()
			}

			resp := lower.reads[0]
			resp.Data = 0x5F0 // pfn from the walker
			tlb.ReturnData(&resp)
			for i := 0; i < 3; i++ {
				tlb.Operate()
			}

			Expect(out.returned).To(HaveLen(1))
			Expect(out.returned[0].Data).To(Equal(uint64(0x5F0)))

			// A second address in the same 4KB page hits with the same pfn.
			hit := mem.Packet{
				Address: 0xABCD456, VAddress: 0xABCD456,
				Type: mem.Load, ToReturn: []mem.Producer{out},
			}
			tlb.AddRQ(&hit)
			for i := 0; i < 3; i++ {
				tlb.Operate()
			}

			Expect(out.returned).To(HaveLen(2))
			Expect(out.returned[1].Data).To(Equal(uint64(0x5F0)))
		})
	})
})

package ptw_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/o3sim/timing/mem"
	"github.com/sarchlab/o3sim/timing/ptw"
	"github.com/sarchlab/o3sim/vmem"
)

// recordingLower accepts every request and records it; the test plays
// responses back explicitly.
type recordingLower struct {
	reads []mem.Packet
}

func (r *recordingLower) AddRQ(pkt *mem.Packet) int {
	r.reads = append(r.reads, *pkt)
	return len(r.reads) - 1
}
func (r *recordingLower) AddWQ(pkt *mem.Packet) int           { return mem.Refused }
func (r *recordingLower) AddPQ(pkt *mem.Packet) int           { return mem.Refused }
func (r *recordingLower) Occupancy(mem.QueueType, uint64) int { return 0 }
func (r *recordingLower) Size(mem.QueueType, uint64) int      { return 64 }
func (r *recordingLower) FillLevel() int                      { return mem.FillL1 }
func (r *recordingLower) MaxRead() int                        { return 2 }

// sink collects completed translations.
type sink struct {
	returned []mem.Packet
}

func (s *sink) ReturnData(pkt *mem.Packet) {
	s.returned = append(s.returned, *pkt)
}

var _ = Describe("Walker", func() {
	var (
		lower    *recordingLower
		vm       *vmem.Memory
		walker   *ptw.Walker
		out      *sink
		answered int
	)

	BeforeEach(func() {
		lower = &recordingLower{}
		vm = vmem.New(1<<30, 42)
		walker = ptw.New("PTW", 0, ptw.DefaultConfig(), lower, vm)
		out = &sink{}
		answered = 0
	})

	request := func(v uint64) {
		pkt := mem.Packet{
			Address:  v,
			VAddress: v,
			Type:     mem.Load,
			ToReturn: []mem.Producer{out},
		}
		Expect(walker.AddRQ(&pkt)).NotTo(Equal(mem.Refused))
	}

	// walkUntil drives the walker, answering each lower-level request in
	// order, until the sink holds `want` completed translations. Returns the
	// sequence of translation levels observed on outgoing requests.
	walkUntil := func(want int) []int {
		var levels []int
		for cycle := 0; cycle < 200 && len(out.returned) < want; cycle++ {
			walker.Operate()
			for answered < len(lower.reads) {
				pkt := lower.reads[answered]
				levels = append(levels, pkt.TranslationLevel)
				answered++
				walker.ReturnData(&pkt)
			}
		}
		Expect(out.returned).To(HaveLen(want), "walk did not complete")
		return levels
	}

	walk := func() []int {
		return walkUntil(len(out.returned) + 1)
	}

	Describe("first touch", func() {
		It("should page-fault once and complete with the mapped frame", func() {
			v := uint64(0x1122334455678)
			request(v)

			levels := walk()
			Expect(levels).To(Equal([]int{5}))

			result := out.returned[0]
			Expect(result.Address).To(Equal(v))
			Expect(result.Data).To(Equal(vm.VAToPA(0, v) >> mem.LogPageSize))
			Expect(result.TranslationLevel).To(BeZero())
		})
	})

	Describe("cold walk over a populated table", func() {
		It("should issue one request per level from PTL5 down", func() {
			v := uint64(0x1122334455678)
			request(v)
			walk()

			// Evict v's entries from every PSCL: walks whose prefixes share
			// v's PSCL sets but differ in the high bits fill the same ways.
			for k := uint64(1); k <= 8; k++ {
				request(v + k<<48)
				walk()
			}

			Expect(walker.PSCL(ptw.PSCL2).Probe(v)).To(BeFalse())
			Expect(walker.PSCL(ptw.PSCL3).Probe(v)).To(BeFalse())
			Expect(walker.PSCL(ptw.PSCL4).Probe(v)).To(BeFalse())
			Expect(walker.PSCL(ptw.PSCL5).Probe(v)).To(BeFalse())

			request(v)
			levels := walk()

			Expect(levels).To(Equal([]int{5, 4, 3, 2, 1}))

			result := out.returned[len(out.returned)-1]
			Expect(result.Data).To(Equal(vm.VAToPA(0, v) >> mem.LogPageSize))

			// The full walk refills every PSCL level.
			Expect(walker.PSCL(ptw.PSCL2).Probe(v)).To(BeTrue())
			Expect(walker.PSCL(ptw.PSCL3).Probe(v)).To(BeTrue())
			Expect(walker.PSCL(ptw.PSCL4).Probe(v)).To(BeTrue())
			Expect(walker.PSCL(ptw.PSCL5).Probe(v)).To(BeTrue())
		})
	})

	Describe("partial walk from a PSCL hit", func() {
		It("should start at PTL2 when PSCL3 hits and fill only PSCL2", func() {
			v := uint64(0x1122334455678)
			request(v)
			walk()

			// Same 1GB region, different 2MB region: PSCL3 hits, PSCL2
			// misses.
			v2 := v + 1<<21
			Expect(walker.PSCL(ptw.PSCL3).Probe(v2)).To(BeTrue())
			Expect(walker.PSCL(ptw.PSCL2).Probe(v2)).To(BeFalse())

			request(v2)
			levels := walk()

			Expect(levels).To(Equal([]int{2}))
			Expect(walker.PSCL(ptw.PSCL2).Probe(v2)).To(BeTrue())

			result := out.returned[len(out.returned)-1]
			Expect(result.Data).To(Equal(vm.VAToPA(0, v2) >> mem.LogPageSize))
		})

		It("should start at PTL1 when PSCL2 hits", func() {
			v := uint64(0x1122334455678)
			request(v)
			walk()

			// Same 2MB region, different page.
			v2 := v + 1<<12
			request(v2)
			levels := walk()

			Expect(levels).To(Equal([]int{1}))
		})
	})

	Describe("request queue", func() {
		It("should refuse when full without losing earlier requests", func() {
			cfg := ptw.DefaultConfig()
			cfg.RQSize = 2
			walker = ptw.New("PTW", 0, cfg, lower, vm)

			a := mem.Packet{Address: 0x1000, VAddress: 0x1000, ToReturn: []mem.Producer{out}}
			b := mem.Packet{Address: 0x2000, VAddress: 0x2000, ToReturn: []mem.Producer{out}}
			c := mem.Packet{Address: 0x3000, VAddress: 0x3000, ToReturn: []mem.Producer{out}}

			Expect(walker.AddRQ(&a)).NotTo(Equal(mem.Refused))
			Expect(walker.AddRQ(&b)).NotTo(Equal(mem.Refused))
			Expect(walker.AddRQ(&c)).To(Equal(mem.Refused))
			Expect(walker.Stats().RQFull).To(Equal(uint64(1)))

			// Both queued requests complete; the refused one may retry.
			walkUntil(2)
			Expect(walker.AddRQ(&c)).NotTo(Equal(mem.Refused))
		})

		It("should panic on a duplicate in-queue translation", func() {
			a := mem.Packet{Address: 0x1000, VAddress: 0x1000, ToReturn: []mem.Producer{out}}
			dup := mem.Packet{Address: 0x1008, VAddress: 0x1008, ToReturn: []mem.Producer{out}}

			Expect(walker.AddRQ(&a)).NotTo(Equal(mem.Refused))
			Expect(func() { walker.AddRQ(&dup) }).To(Panic())
		})
	})

	Describe("MSHR discipline", func() {
		It("should keep init and current levels ordered", func() {
			v := uint64(0x1122334455678)
			request(v)
			walk()

			request(v + 1<<21)

			before := len(lower.reads)
			for cycle := 0; cycle < 10 && len(lower.reads) == before; cycle++ {
				walker.Operate()
			}
			Expect(len(lower.reads)).To(BeNumerically(">", before))

			// The deepest PSCL hit (PSCL3) starts the walk at PTL2.
			last := lower.reads[len(lower.reads)-1]
			Expect(last.TranslationLevel).To(Equal(2))
			Expect(last.InitTranslationLevel).To(Equal(2))
		})
	})
})

package ptw_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/o3sim/timing/ptw"
)

var _ = Describe("PagingStructureCache", func() {
	It("should miss on an empty cache", func() {
		p := ptw.NewPagingStructureCache("PSCL2", ptw.PSCL2, 8, 8)
		Expect(p.Probe(0x1122334455678)).To(BeFalse())
	})

	It("should hit after a fill with the cached base", func() {
		p := ptw.NewPagingStructureCache("PSCL2", ptw.PSCL2, 8, 8)
		p.Fill(0x1234, 0x1122334455678)

		Expect(p.Probe(0x1122334455678)).To(BeTrue())
		Expect(p.CheckHit(0x1122334455678)).To(Equal(uint64(0x1234)))
	})

	It("should key by level-specific prefixes", func() {
		p2 := ptw.NewPagingStructureCache("PSCL2", ptw.PSCL2, 8, 8)
		p3 := ptw.NewPagingStructureCache("PSCL3", ptw.PSCL3, 2, 4)

		v := uint64(0x1122334455678)
		p2.Fill(0xAAA, v)
		p3.Fill(0xBBB, v)

		// Same 2MB region: PSCL2 hit; same 1GB region: PSCL3 hit.
		Expect(p2.Probe(v + 1<<12)).To(BeTrue())
		Expect(p2.Probe(v + 1<<21)).To(BeFalse())
		Expect(p3.Probe(v + 1<<21)).To(BeTrue())
		Expect(p3.Probe(v + 1<<30)).To(BeFalse())
	})

	It("should ignore bits above the 57-bit virtual address", func() {
		p := ptw.NewPagingStructureCache("PSCL4", ptw.PSCL4, 1, 4)

		v := uint64(0x1122334455678)
		p.Fill(0xCCC, v)
		Expect(p.Probe(v | uint64(0x7F)<<57)).To(BeTrue())
	})
})

package ptw

import "math"

// Paging-structure cache levels. A PSCL at level N caches the physical base
// page of the level-(N-1) table reached through a virtual-address prefix.
const (
	PSCL5 = 5
	PSCL4 = 4
	PSCL3 = 3
	PSCL2 = 2
)

const noBase = math.MaxUint64

type psclBlock struct {
	valid bool
	tag   uint64
	data  uint64
	lru   uint32
}

// PagingStructureCache memoizes one level of partial translations. It is
// set-associative with pseudo-LRU replacement; lookups do not touch LRU
// state, only fills do.
type PagingStructureCache struct {
	name   string
	level  int
	numSet int
	numWay int
	blocks []psclBlock
}

// NewPagingStructureCache creates a PSCL for the given level.
func NewPagingStructureCache(name string, level, numSet, numWay int) *PagingStructureCache {
	blocks := make([]psclBlock, numSet*numWay)
	for i := range blocks {
		blocks[i].lru = math.MaxUint32
	}
	return &PagingStructureCache{
		name:   name,
		level:  level,
		numSet: numSet,
		numWay: numWay,
		blocks: blocks,
	}
}

// index extracts the virtual-address prefix this level is keyed by: the low
// 57 bits of v above the offset bits covered by levels below this one.
func (p *PagingStructureCache) index(v uint64) uint64 {
	v &= (1 << 57) - 1

	shift := 12
	switch p.level {
	case PSCL5:
		shift += 9 + 9 + 9 + 9
	case PSCL4:
		shift += 9 + 9 + 9
	case PSCL3:
		shift += 9 + 9
	case PSCL2:
		shift += 9
	}

	return v >> shift
}

func (p *PagingStructureCache) set(index uint64) int {
	return int((index >> 12) & uint64(p.numSet-1))
}

// CheckHit returns the cached next-level base page for v, or noBase.
func (p *PagingStructureCache) CheckHit(v uint64) uint64 {
	index := p.index(v)
	set := p.set(index)

	for way := 0; way < p.numWay; way++ {
		b := &p.blocks[set*p.numWay+way]
		if b.valid && b.tag == index {
			return b.data
		}
	}
	return noBase
}

// Probe reports whether the PSCL holds a translation for v.
func (p *PagingStructureCache) Probe(v uint64) bool {
	return p.CheckHit(v) != noBase
}

// Fill caches nextLevelBase for the prefix of v, evicting the max-LRU way.
// The filled way keeps its previous LRU rank until the promotion pass.
func (p *PagingStructureCache) Fill(nextLevelBase, v uint64) {
	index := p.index(v)
	set := p.set(index)

	victim := 0
	for way := 1; way < p.numWay; way++ {
		if p.blocks[set*p.numWay+way].lru > p.blocks[set*p.numWay+victim].lru {
			victim = way
		}
	}

	fill := &p.blocks[set*p.numWay+victim]
	lru := fill.lru
	*fill = psclBlock{valid: true, tag: index, data: nextLevelBase, lru: lru}

	for way := 0; way < p.numWay; way++ {
		b := &p.blocks[set*p.numWay+way]
		if b.lru <= lru {
			b.lru++
		}
	}
	fill.lru = 0
}

package cpu

import (
	"math"
	"math/bits"
)

// dibEntry is one way of the decoded instruction buffer.
type dibEntry struct {
	valid   bool
	address uint64
	lru     uint32
}

// dib is a small set-associative predictor of recently fetched-and-decoded
// lines. A hit lets the front end skip translate, fetch, and decode.
type dib struct {
	sets    int
	ways    int
	logWin  uint
	entries []dibEntry
}

func newDIB(sets, ways, window int) *dib {
	entries := make([]dibEntry, sets*ways)
	for i := range entries {
		entries[i].lru = math.MaxUint32
	}
	return &dib{
		sets:    sets,
		ways:    ways,
		logWin:  uint(bits.TrailingZeros(uint(window))),
		entries: entries,
	}
}

func (d *dib) set(ip uint64) int {
	return int((ip >> d.logWin) % uint64(d.sets))
}

// lookup returns the way index of ip within its set, or -1.
func (d *dib) lookup(ip uint64) int {
	base := d.set(ip) * d.ways
	for way := 0; way < d.ways; way++ {
		e := &d.entries[base+way]
		if e.valid && e.address>>d.logWin == ip>>d.logWin {
			return way
		}
	}
	return -1
}

// promote makes the given way of ip's set most-recently-used.
func (d *dib) promote(ip uint64, way int) {
	base := d.set(ip) * d.ways
	hitLRU := d.entries[base+way].lru
	for w := 0; w < d.ways; w++ {
		if d.entries[base+w].lru <= hitLRU {
			d.entries[base+w].lru++
		}
	}
	d.entries[base+way].lru = 0
}

// insert records ip's line, evicting the max-LRU way, and promotes it.
func (d *dib) insert(ip uint64) {
	base := d.set(ip) * d.ways

	way := d.lookup(ip)
	if way < 0 {
		way = 0
		for w := 1; w < d.ways; w++ {
			if d.entries[base+w].lru > d.entries[base+way].lru {
				way = w
			}
		}
		d.entries[base+way].valid = true
		d.entries[base+way].address = ip
	}

	d.promote(ip, way)
}

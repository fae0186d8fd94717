package cpu

import "github.com/sarchlab/o3sim/insts"

// BranchPredictor predicts taken/not-taken. Implementations are plugged in at
// core construction.
type BranchPredictor interface {
	// Predict returns the taken prediction for a branch at ip.
	Predict(ip, predictedTarget uint64, alwaysTaken bool, t insts.BranchType) bool
	// LastResult trains the predictor with the architectural outcome.
	LastResult(ip, target uint64, taken bool, t insts.BranchType)
}

// BranchTargetBuffer supplies predicted targets and the "always taken" hint.
type BranchTargetBuffer interface {
	Prediction(ip uint64, t insts.BranchType) (target uint64, alwaysTaken bool)
	Update(ip, target uint64, taken bool, t insts.BranchType)
}

// CodePrefetcher is invoked whenever the branch predictor is consulted.
type CodePrefetcher interface {
	BranchOperate(ip uint64, t insts.BranchType, predictedTarget uint64)
	FinalStats()
}

// BimodalPredictor is the default predictor: a table of 2-bit saturating
// counters indexed by the low ip bits.
type BimodalPredictor struct {
	counters []uint8
}

// NewBimodalPredictor creates a predictor with the given table size (a power
// of two).
func NewBimodalPredictor(tableSize int) *BimodalPredictor {
	counters := make([]uint8, tableSize)
	// Bias weakly taken.
	for i := range counters {
		counters[i] = 2
	}
	return &BimodalPredictor{counters: counters}
}

func (p *BimodalPredictor) index(ip uint64) int {
	return int((ip >> 2) & uint64(len(p.counters)-1))
}

// Predict implements BranchPredictor.
func (p *BimodalPredictor) Predict(ip, _ uint64, _ bool, _ insts.BranchType) bool {
	return p.counters[p.index(ip)] >= 2
}

// LastResult implements BranchPredictor.
func (p *BimodalPredictor) LastResult(ip, _ uint64, taken bool, _ insts.BranchType) {
	idx := p.index(ip)
	if taken {
		if p.counters[idx] < 3 {
			p.counters[idx]++
		}
	} else if p.counters[idx] > 0 {
		p.counters[idx]--
	}
}

type btbEntry struct {
	ip          uint64
	target      uint64
	alwaysTaken bool
}

// BasicBTB is the default branch target buffer: direct-mapped, tracking an
// always-taken bit per entry that clears permanently on the first not-taken
// outcome.
type BasicBTB struct {
	entries []btbEntry
	valid   []bool
}

// NewBasicBTB creates a BTB with the given entry count (a power of two).
func NewBasicBTB(tableSize int) *BasicBTB {
	return &BasicBTB{
		entries: make([]btbEntry, tableSize),
		valid:   make([]bool, tableSize),
	}
}

func (b *BasicBTB) index(ip uint64) int {
	return int((ip >> 2) & uint64(len(b.entries)-1))
}

// Prediction implements BranchTargetBuffer.
func (b *BasicBTB) Prediction(ip uint64, _ insts.BranchType) (uint64, bool) {
	idx := b.index(ip)
	if b.valid[idx] && b.entries[idx].ip == ip {
		return b.entries[idx].target, b.entries[idx].alwaysTaken
	}
	return 0, false
}

// Update implements BranchTargetBuffer.
func (b *BasicBTB) Update(ip, target uint64, taken bool, _ insts.BranchType) {
	idx := b.index(ip)

	if !taken {
		if b.valid[idx] && b.entries[idx].ip == ip {
			b.entries[idx].alwaysTaken = false
		}
		return
	}

	if b.valid[idx] && b.entries[idx].ip == ip {
		b.entries[idx].target = target
		return
	}

	b.entries[idx] = btbEntry{ip: ip, target: target, alwaysTaken: true}
	b.valid[idx] = true
}

// NopPrefetcher is the default code prefetcher: it does nothing.
type NopPrefetcher struct{}

// BranchOperate implements CodePrefetcher.
func (NopPrefetcher) BranchOperate(uint64, insts.BranchType, uint64) {}

// FinalStats implements CodePrefetcher.
func (NopPrefetcher) FinalStats() {}

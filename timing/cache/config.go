package cache

import "fmt"

// Config holds the geometry and timing of one cache or TLB instance.
type Config struct {
	// NumSets and NumWays fix the directory geometry.
	NumSets int `json:"num_sets"`
	NumWays int `json:"num_ways"`

	// OffsetBits is the block granularity: 6 (64B lines) for caches,
	// 12 (one page) for TLBs.
	OffsetBits uint `json:"offset_bits"`

	// Queue capacities.
	RQSize   int `json:"rq_size"`
	WQSize   int `json:"wq_size"`
	PQSize   int `json:"pq_size"`
	MSHRSize int `json:"mshr_size"`

	// HitLatency is applied to every queued request before it is serviced;
	// FillLatency is applied between a lower-level return and the fill.
	HitLatency  uint64 `json:"hit_latency"`
	FillLatency uint64 `json:"fill_latency"`

	// Per-cycle service bandwidth.
	MaxRead  int `json:"max_read"`
	MaxWrite int `json:"max_write"`

	// FillLevel tags packets issued above this cache.
	FillLevel int `json:"fill_level"`
}

// Validate checks the configuration for impossible geometry.
func (c Config) Validate() error {
	if c.NumSets <= 0 || c.NumWays <= 0 {
		return fmt.Errorf("cache geometry must be positive, got %d sets x %d ways", c.NumSets, c.NumWays)
	}
	if c.RQSize <= 0 || c.MSHRSize <= 0 {
		return fmt.Errorf("rq_size and mshr_size must be positive")
	}
	if c.MaxRead <= 0 || c.MaxWrite <= 0 {
		return fmt.Errorf("max_read and max_write must be positive")
	}
	return nil
}

// DefaultL1IConfig returns the default L1 instruction cache geometry.
func DefaultL1IConfig() Config {
	return Config{NumSets: 64, NumWays: 8, OffsetBits: 6,
		RQSize: 64, WQSize: 64, PQSize: 32, MSHRSize: 8,
		HitLatency: 4, FillLatency: 1, MaxRead: 2, MaxWrite: 2, FillLevel: 1}
}

// DefaultL1DConfig returns the default L1 data cache geometry.
func DefaultL1DConfig() Config {
	return Config{NumSets: 64, NumWays: 12, OffsetBits: 6,
		RQSize: 64, WQSize: 64, PQSize: 8, MSHRSize: 16,
		HitLatency: 5, FillLatency: 1, MaxRead: 2, MaxWrite: 2, FillLevel: 1}
}

// DefaultL2CConfig returns the default unified L2 geometry.
func DefaultL2CConfig() Config {
	return Config{NumSets: 1024, NumWays: 8, OffsetBits: 6,
		RQSize: 32, WQSize: 32, PQSize: 16, MSHRSize: 32,
		HitLatency: 10, FillLatency: 1, MaxRead: 1, MaxWrite: 1, FillLevel: 2}
}

// DefaultLLCConfig returns the default last-level cache geometry for one core.
func DefaultLLCConfig() Config {
	return Config{NumSets: 2048, NumWays: 16, OffsetBits: 6,
		RQSize: 32, WQSize: 32, PQSize: 32, MSHRSize: 64,
		HitLatency: 20, FillLatency: 1, MaxRead: 1, MaxWrite: 1, FillLevel: 4}
}

// DefaultITLBConfig returns the default instruction TLB geometry.
func DefaultITLBConfig() Config {
	return Config{NumSets: 16, NumWays: 4, OffsetBits: 12,
		RQSize: 16, WQSize: 16, PQSize: 0, MSHRSize: 8,
		HitLatency: 1, FillLatency: 1, MaxRead: 2, MaxWrite: 2, FillLevel: 1}
}

// DefaultDTLBConfig returns the default data TLB geometry.
func DefaultDTLBConfig() Config {
	return Config{NumSets: 16, NumWays: 4, OffsetBits: 12,
		RQSize: 16, WQSize: 16, PQSize: 0, MSHRSize: 8,
		HitLatency: 1, FillLatency: 1, MaxRead: 2, MaxWrite: 2, FillLevel: 1}
}

// DefaultSTLBConfig returns the default shared second-level TLB geometry.
func DefaultSTLBConfig() Config {
	return Config{NumSets: 128, NumWays: 12, OffsetBits: 12,
		RQSize: 32, WQSize: 32, PQSize: 0, MSHRSize: 16,
		HitLatency: 8, FillLatency: 1, MaxRead: 1, MaxWrite: 1, FillLevel: 2}
}

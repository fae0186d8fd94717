package cpu

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the core's structure sizes, per-stage widths, and latencies.
// Widths are per-cycle bandwidths; latencies are in core cycles and only
// apply once warmup is complete.
type Config struct {
	FetchWidth    int `json:"fetch_width"`
	DecodeWidth   int `json:"decode_width"`
	DispatchWidth int `json:"dispatch_width"`
	ExecWidth     int `json:"exec_width"`
	LQWidth       int `json:"lq_width"`
	SQWidth       int `json:"sq_width"`
	RetireWidth   int `json:"retire_width"`

	SchedulerSize int `json:"scheduler_size"`

	ROBSize            int `json:"rob_size"`
	LQSize             int `json:"lq_size"`
	SQSize             int `json:"sq_size"`
	IFetchBufferSize   int `json:"ifetch_buffer_size"`
	DecodeBufferSize   int `json:"decode_buffer_size"`
	DispatchBufferSize int `json:"dispatch_buffer_size"`

	DIBSets   int `json:"dib_sets"`
	DIBWays   int `json:"dib_ways"`
	DIBWindow int `json:"dib_window"`

	DecodeLatency     uint64 `json:"decode_latency"`
	DispatchLatency   uint64 `json:"dispatch_latency"`
	SchedulingLatency uint64 `json:"scheduling_latency"`
	ExecLatency       uint64 `json:"exec_latency"`

	BranchMispredictPenalty uint64 `json:"branch_mispredict_penalty"`

	// DeadlockCycle is how long the ROB head may sit unchanged before the
	// watchdog fires.
	DeadlockCycle uint64 `json:"deadlock_cycle"`
}

// DefaultConfig returns a contemporary wide out-of-order core.
func DefaultConfig() Config {
	return Config{
		FetchWidth:    6,
		DecodeWidth:   6,
		DispatchWidth: 6,
		ExecWidth:     4,
		LQWidth:       2,
		SQWidth:       2,
		RetireWidth:   5,

		SchedulerSize: 128,

		ROBSize:            352,
		LQSize:             128,
		SQSize:             72,
		IFetchBufferSize:   64,
		DecodeBufferSize:   32,
		DispatchBufferSize: 32,

		DIBSets:   32,
		DIBWays:   8,
		DIBWindow: 16,

		DecodeLatency:     1,
		DispatchLatency:   1,
		SchedulingLatency: 0,
		ExecLatency:       0,

		BranchMispredictPenalty: 20,

		DeadlockCycle: 1_000_000,
	}
}

// LoadConfig reads a core configuration from a JSON file, starting from the
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read core config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse core config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects impossible configurations.
func (c Config) Validate() error {
	if c.FetchWidth <= 0 || c.DecodeWidth <= 0 || c.DispatchWidth <= 0 ||
		c.ExecWidth <= 0 || c.RetireWidth <= 0 {
		return fmt.Errorf("all stage widths must be positive")
	}
	if c.ROBSize <= 0 || c.LQSize <= 0 || c.SQSize <= 0 {
		return fmt.Errorf("rob_size, lq_size, and sq_size must be positive")
	}
	if c.IFetchBufferSize < c.FetchWidth {
		return fmt.Errorf("ifetch_buffer_size must be at least fetch_width")
	}
	if c.DIBSets <= 0 || c.DIBWays <= 0 || c.DIBWindow <= 0 {
		return fmt.Errorf("DIB geometry must be positive")
	}
	if c.DIBSets&(c.DIBSets-1) != 0 || c.DIBWindow&(c.DIBWindow-1) != 0 {
		return fmt.Errorf("dib_sets and dib_window must be powers of two")
	}
	if c.DeadlockCycle == 0 {
		return fmt.Errorf("deadlock_cycle must be positive")
	}
	return nil
}

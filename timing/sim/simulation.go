// Package sim drives the simulation: it steps every operable component each
// cycle in a deterministic order, feeds the cores from their traces, and runs
// the warmup and measurement phases with heartbeat and region-of-interest
// bookkeeping.
package sim

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sarchlab/o3sim/timing/cache"
	"github.com/sarchlab/o3sim/timing/cpu"
	"github.com/sarchlab/o3sim/timing/dram"
	"github.com/sarchlab/o3sim/trace"
)

// HeartbeatInterval is how many retired instructions separate progress lines.
const HeartbeatInterval = 10_000_000

// Operable is a component stepped once per simulated cycle. Components run
// on their own cycle counters; the simulation keeps them aligned by stepping
// the furthest-behind component first.
type Operable interface {
	Operate()
	CurrentCycle() uint64
	ResetStats()
}

// Simulation owns every component of one run. All cross-component state
// (warmup flags, the operable list, the seed) lives here rather than in
// package globals.
type Simulation struct {
	Cores  []*cpu.Core
	Caches []*cache.Cache
	DRAM   *dram.Controller

	Operables []Operable

	Traces []trace.Reader

	WarmupInstructions     uint64
	SimulationInstructions uint64

	Heartbeat bool
	Seed      int64

	// MaxCycles, when nonzero, bounds a phase; exceeding it is a fatal
	// supervisor error (the per-core watchdog should fire first).
	MaxCycles uint64

	Out io.Writer

	warmupComplete []bool
	lastHeartbeat  []uint64
	lastHBCycle    []uint64

	startTime time.Time
}

// New creates an empty simulation context.
func New() *Simulation {
	return &Simulation{
		Heartbeat: true,
		Out:       os.Stdout,
		startTime: time.Now(),
	}
}

// Warmed reports whether the given CPU has finished warmup. Components that
// gate statistics on warmup are wired to this method.
func (s *Simulation) Warmed(cpuID int) bool {
	if cpuID >= len(s.warmupComplete) {
		return false
	}
	return s.warmupComplete[cpuID]
}

// Run executes the warmup phase then the measured phase.
func (s *Simulation) Run() {
	s.warmupComplete = make([]bool, len(s.Cores))
	s.lastHeartbeat = make([]uint64, len(s.Cores))
	s.lastHBCycle = make([]uint64, len(s.Cores))

	for _, duration := range []uint64{s.WarmupInstructions, s.SimulationInstructions} {
		s.runPhase(duration)
	}

	fmt.Fprintf(s.Out, "\nSimulation completed all CPUs\n\n")
}

func (s *Simulation) runPhase(duration uint64) {
	phaseComplete := make([]bool, len(s.Cores))

	for _, op := range s.Operables {
		op.ResetStats()
	}

	for _, core := range s.Cores {
		core.BeginPhaseInstr = core.NumRetired
		core.BeginPhaseCycle = core.CurrentCycle()
	}

	var steps uint64
	for !all(phaseComplete) {
		if s.MaxCycles > 0 && steps > s.MaxCycles {
			panic(fmt.Sprintf("sim: phase exceeded %d cycles", s.MaxCycles))
		}
		steps++

		s.stepCycle()

		for i, core := range s.Cores {
			s.warmupComplete[i] = core.NumRetired > s.WarmupInstructions
			core.WarmupComplete = s.warmupComplete[i]
		}

		for i, core := range s.Cores {
			if s.Heartbeat && core.NumRetired >= s.lastHeartbeat[i]+HeartbeatInterval {
				s.printHeartbeat(i)
			}

			if !phaseComplete[i] && core.NumRetired >= core.BeginPhaseInstr+duration {
				phaseComplete[i] = true
				core.FinishPhaseInstr = core.NumRetired
				core.FinishPhaseCycle = core.CurrentCycle()

				h, m, sec := s.elapsed()
				fmt.Fprintf(s.Out,
					"Phase finished CPU %d instructions: %d cycles: %d cumulative IPC: %.5g (Simulation time: %d hr %d min %d sec)\n",
					i, core.NumRetired, core.CurrentCycle(),
					ipc(core.FinishPhaseInstr-core.BeginPhaseInstr,
						core.FinishPhaseCycle-core.BeginPhaseCycle),
					h, m, sec)

				for _, c := range s.Caches {
					c.RecordROI(i)
				}
			}
		}
	}

	fmt.Fprintln(s.Out)
	for i, core := range s.Cores {
		h, m, sec := s.elapsed()
		fmt.Fprintf(s.Out,
			"Phase complete CPU %d instructions: %d cycles: %d (Simulation time: %d hr %d min %d sec)\n",
			i, core.NumRetired, core.CurrentCycle(), h, m, sec)
	}
	fmt.Fprintln(s.Out)
}

// stepCycle operates every component once, least-advanced first, then feeds
// each core as many trace instructions as its fetch stage accepts.
func (s *Simulation) stepCycle() {
	sort.SliceStable(s.Operables, func(i, j int) bool {
		return s.Operables[i].CurrentCycle() < s.Operables[j].CurrentCycle()
	})
	for _, op := range s.Operables {
		op.Operate()
	}

	for i, core := range s.Cores {
		for core.InstrsToRead > 0 {
			core.InitInstruction(s.Traces[i].Next())
		}
	}
}

func (s *Simulation) printHeartbeat(i int) {
	core := s.Cores[i]
	instrs := core.NumRetired - s.lastHeartbeat[i]
	cycles := core.CurrentCycle() - s.lastHBCycle[i]

	fmt.Fprintf(s.Out,
		"Heartbeat CPU %d instructions: %d cycles: %d heartbeat IPC: %.5g cumulative IPC: %.5g\n",
		i, core.NumRetired, core.CurrentCycle(),
		ipc(instrs, cycles),
		ipc(core.NumRetired-core.BeginPhaseInstr, core.CurrentCycle()-core.BeginPhaseCycle))

	s.lastHeartbeat[i] = core.NumRetired
	s.lastHBCycle[i] = core.CurrentCycle()
}

func (s *Simulation) elapsed() (int, int, int) {
	d := time.Since(s.startTime)
	return int(d.Hours()), int(d.Minutes()) % 60, int(d.Seconds()) % 60
}

func ipc(instrs, cycles uint64) float64 {
	if cycles == 0 {
		return 0
	}
	return float64(instrs) / float64(cycles)
}

func all(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}

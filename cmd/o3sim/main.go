// Package main provides the entry point for O3Sim, a trace-driven
// multi-core out-of-order processor simulator.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/sarchlab/o3sim/insts"
	"github.com/sarchlab/o3sim/timing/cache"
	"github.com/sarchlab/o3sim/timing/cpu"
	"github.com/sarchlab/o3sim/timing/dram"
	"github.com/sarchlab/o3sim/timing/mem"
	"github.com/sarchlab/o3sim/timing/ptw"
	"github.com/sarchlab/o3sim/timing/sim"
	"github.com/sarchlab/o3sim/trace"
	"github.com/sarchlab/o3sim/vmem"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("o3sim", flag.ExitOnError)
	warmupInstructions := fs.Uint64("warmup_instructions", 1_000_000,
		"Number of warmup instructions per CPU")
	simulationInstructions := fs.Uint64("simulation_instructions", 10_000_000,
		"Number of measured instructions per CPU")
	hideHeartbeat := fs.Bool("hide_heartbeat", false, "Suppress heartbeat output")
	cloudsuite := fs.Bool("cloudsuite", false, "Read cloudsuite (SPARC-style) traces")
	configPath := fs.String("config", "", "Path to core configuration JSON file")

	// Everything after --traces is a per-CPU trace path.
	flagArgs := args
	var tracePaths []string
	for i, a := range args {
		if a == "--traces" || a == "-traces" {
			flagArgs = args[:i]
			tracePaths = args[i+1:]
			break
		}
	}

	if err := fs.Parse(flagArgs); err != nil {
		return 1
	}

	fmt.Printf("\n*** O3Sim Multicore Out-of-Order Simulator ***\n\n")

	coreConfig := cpu.DefaultConfig()
	if *configPath != "" {
		var err error
		coreConfig, err = cpu.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 2
		}
	}

	numCPUs := len(tracePaths)
	if numCPUs == 0 {
		fmt.Fprintf(os.Stderr, "\n*** No traces specified (use --traces <path>...) ***\n\n")
		return 2
	}

	fmt.Printf("Warmup Instructions: %d\n", *warmupInstructions)
	fmt.Printf("Simulation Instructions: %d\n", *simulationInstructions)
	fmt.Printf("Number of CPUs: %d\n", numCPUs)

	dramConfig := dram.DefaultConfig()
	fmt.Printf("Off-chip DRAM Size: %d MiB Channels: %d\n\n",
		dramConfig.CapacityBytes>>20, dramConfig.Channels)

	var seed int64
	var readers []trace.Reader
	for i, path := range tracePaths {
		fmt.Printf("CPU %d runs %s\n", i, path)
		reader, err := trace.NewReader(path, i, *cloudsuite)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
		readers = append(readers, reader)
		seed = trace.SeedFrom(path, seed)
	}
	fmt.Println()

	// Interrupt handler: report and exit 1.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		sig := <-interrupt
		fmt.Printf("Caught signal: %v\n", sig)
		os.Exit(1)
	}()

	s := sim.New()
	s.WarmupInstructions = *warmupInstructions
	s.SimulationInstructions = *simulationInstructions
	s.Heartbeat = !*hideHeartbeat
	s.Seed = seed
	s.Traces = readers

	vm := vmem.New(dramConfig.CapacityBytes, seed)

	// Shared lower levels.
	s.DRAM = dram.New(dramConfig)
	llc := cache.New("LLC", cache.DefaultLLCConfig(), s.DRAM, numCPUs)

	for i := 0; i < numCPUs; i++ {
		prefix := fmt.Sprintf("cpu%d_", i)

		l2c := cache.New(prefix+"L2C", cache.DefaultL2CConfig(), llc, numCPUs)
		l1i := cache.New(prefix+"L1I", cache.DefaultL1IConfig(), l2c, numCPUs)
		l1d := cache.New(prefix+"L1D", cache.DefaultL1DConfig(), l2c, numCPUs)

		walker := ptw.New(prefix+"PTW", i, ptw.DefaultConfig(), l1d, vm)
		walker.Warmed = s.Warmed

		stlb := cache.New(prefix+"STLB", cache.DefaultSTLBConfig(), walker, numCPUs)
		itlb := cache.New(prefix+"ITLB", cache.DefaultITLBConfig(), stlb, numCPUs)
		dtlb := cache.New(prefix+"DTLB", cache.DefaultDTLBConfig(), stlb, numCPUs)

		core := cpu.New(i, coreConfig, cpu.Buses{
			ITLB: mem.NewCacheBus(itlb),
			L1I:  mem.NewCacheBus(l1i),
			DTLB: mem.NewCacheBus(dtlb),
			L1D:  mem.NewCacheBus(l1d),
		})
		core.DumpLowerMSHR = l1d.DumpMSHR

		s.Cores = append(s.Cores, core)
		s.Caches = append(s.Caches, itlb, dtlb, stlb, l1i, l1d, l2c)
		s.Operables = append(s.Operables, core, itlb, dtlb, stlb, walker, l1i, l1d, l2c)
	}
	s.Caches = append(s.Caches, llc)
	s.Operables = append(s.Operables, llc, s.DRAM)

	s.Run()

	printAllStats(s, numCPUs)

	for _, reader := range readers {
		reader.Close()
	}
	return 0
}

func printAllStats(s *sim.Simulation, numCPUs int) {
	if numCPUs > 1 {
		fmt.Printf("Total Simulation Statistics (not including warmup)\n\n")
		for i, core := range s.Cores {
			fmt.Printf("CPU%d SIM cumulative IPC: %.5g instructions: %d cycles: %d\n",
				i, safeIPC(core.NumRetired-core.BeginPhaseInstr,
					core.CurrentCycle()-core.BeginPhaseCycle),
				core.NumRetired-core.BeginPhaseInstr,
				core.CurrentCycle()-core.BeginPhaseCycle)
		}
		for _, c := range s.Caches {
			printSimStats(c, numCPUs)
		}
	}

	fmt.Printf("\nRegion of Interest Statistics\n\n")
	for i, core := range s.Cores {
		fmt.Printf("CPU%d ROI cumulative IPC: %.5g instructions: %d cycles: %d\n",
			i, safeIPC(core.FinishPhaseInstr-core.BeginPhaseInstr,
				core.FinishPhaseCycle-core.BeginPhaseCycle),
			core.FinishPhaseInstr-core.BeginPhaseInstr,
			core.FinishPhaseCycle-core.BeginPhaseCycle)
	}

	for _, c := range s.Caches {
		printROIStats(c, numCPUs)
	}

	printDRAMStats(s.DRAM)
	printBranchStats(s)
}

var statTypes = []mem.AccessType{mem.Load, mem.RFO, mem.Prefetch, mem.Writeback, mem.Translation}

func printROIStats(c *cache.Cache, numCPUs int) {
	stats := c.Stats()
	var totalMiss uint64

	for i := 0; i < numCPUs; i++ {
		roi := &stats.ROI[i]
		var hit, miss uint64
		for _, t := range statTypes {
			hit += roi.Hit[t]
			miss += roi.Miss[t]
		}
		totalMiss += miss
		if hit == 0 && miss == 0 {
			continue
		}

		fmt.Printf("CPU%d %s ROI TOTAL        ACCESS: %10d  HIT: %10d  MISS: %10d\n",
			i, c.Name, hit+miss, hit, miss)
		for _, t := range statTypes {
			fmt.Printf("CPU%d %s ROI %-11s  ACCESS: %10d  HIT: %10d  MISS: %10d\n",
				i, c.Name, t, roi.Hit[t]+roi.Miss[t], roi.Hit[t], roi.Miss[t])
		}
	}

	if totalMiss > 0 {
		fmt.Printf("%s AVERAGE MISS LATENCY: %.4g cycles\n",
			c.Name, float64(stats.TotalMissLatency)/float64(totalMiss))
	}
}

func printSimStats(c *cache.Cache, numCPUs int) {
	stats := c.Stats()

	for i := 0; i < numCPUs; i++ {
		simStats := &stats.Sim[i]
		var hit, miss uint64
		for _, t := range statTypes {
			hit += simStats.Hit[t]
			miss += simStats.Miss[t]
		}
		if hit == 0 && miss == 0 {
			continue
		}

		fmt.Printf("CPU%d %s SIM TOTAL        ACCESS: %10d  HIT: %10d  MISS: %10d\n",
			i, c.Name, hit+miss, hit, miss)
	}
}

func printDRAMStats(d *dram.Controller) {
	fmt.Printf("\nDRAM Statistics\n")
	var congestedCycles, congestedCount uint64
	for ch := 0; ch < d.Config().Channels; ch++ {
		stats := d.ChannelStats(ch)
		congestedCycles += stats.DbusCycleCongested
		congestedCount += stats.DbusCountCongested

		fmt.Printf(" CHANNEL %d\n", ch)
		fmt.Printf(" RQ ROW_BUFFER_HIT: %10d  ROW_BUFFER_MISS: %10d\n",
			stats.RQRowBufferHit, stats.RQRowBufferMiss)
		fmt.Printf(" DBUS_CONGESTED: %10d\n", stats.DbusCountCongested)
		fmt.Printf(" WQ ROW_BUFFER_HIT: %10d  ROW_BUFFER_MISS: %10d  FULL: %10d\n\n",
			stats.WQRowBufferHit, stats.WQRowBufferMiss, stats.WQFull)
	}

	if congestedCount > 0 {
		fmt.Printf(" AVG_CONGESTED_CYCLE: %.4g\n", float64(congestedCycles)/float64(congestedCount))
	} else {
		fmt.Printf(" AVG_CONGESTED_CYCLE: -\n")
	}
}

func printBranchStats(s *sim.Simulation) {
	for i, core := range s.Cores {
		stats := core.Stats()
		roiInstrs := core.NumRetired - core.BeginPhaseInstr

		fmt.Printf("\nCPU %d Branch Prediction Accuracy: %.5g%% MPKI: %.5g Average ROB Occupancy at Mispredict: %.5g\n",
			i,
			100*safeRatio(stats.NumBranch-stats.BranchMispredictions, stats.NumBranch),
			1000*safeRatio(stats.BranchMispredictions, roiInstrs),
			safeRatio(stats.TotalROBOccupancyAtMispredict, stats.BranchMispredictions))

		fmt.Printf("Branch type MPKI\n")
		for t := 1; t < len(stats.BranchTypeMisses)-1; t++ {
			fmt.Printf("%s: %.5g\n", insts.BranchType(t),
				1000*safeRatio(stats.BranchTypeMisses[t], roiInstrs))
		}
	}
}

func safeIPC(instrs, cycles uint64) float64 {
	if cycles == 0 {
		return 0
	}
	return float64(instrs) / float64(cycles)
}

func safeRatio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Package main provides the entry point for O3Sim.
// O3Sim is a trace-driven, cycle-level multi-core out-of-order simulator.
//
// For the full CLI, use: go run ./cmd/o3sim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("O3Sim - Trace-Driven Out-of-Order Processor Simulator")
	fmt.Println("")
	fmt.Println("Usage: o3sim [options] --traces <trace>...")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  --warmup_instructions N      Warmup length per CPU")
	fmt.Println("  --simulation_instructions N  Measured length per CPU")
	fmt.Println("  --hide_heartbeat             Suppress heartbeat output")
	fmt.Println("  --cloudsuite                 Read cloudsuite traces")
	fmt.Println("  --config FILE                Core configuration JSON")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/o3sim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/o3sim' instead.")
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/embergine/allocore"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	churnWorkers    int
	churnIterations int
	churnMinSize    int
	churnMaxSize    int
	churnDebug      bool
)

func init() {
	cmd := newChurnCmd()
	cmd.Flags().IntVar(&churnWorkers, "workers", 8, "Concurrent worker goroutines")
	cmd.Flags().IntVar(&churnIterations, "iterations", 100000, "Allocate/free cycles per worker")
	cmd.Flags().IntVar(&churnMinSize, "min-size", 16, "Minimum allocation size in bytes")
	cmd.Flags().IntVar(&churnMaxSize, "max-size", 4096, "Maximum allocation size in bytes")
	cmd.Flags().BoolVar(&churnDebug, "debug", false, "Enable debug instrumentation (canaries, quarantine, leak tracking)")
	rootCmd.AddCommand(cmd)
}

func newChurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "churn",
		Short: "Run concurrent allocate/free churn against the small-object allocator",
		Long: `The churn command spawns --workers goroutines, each performing
--iterations allocate/free cycles of randomly sized small allocations,
mimicking spec scenario S5 (concurrent allocation under load).`,
		RunE: runChurn,
	}
}

type churnResult struct {
	Workers      int           `json:"workers"`
	Iterations   int           `json:"iterations_per_worker"`
	TotalOps     int           `json:"total_ops"`
	Elapsed      time.Duration `json:"elapsed"`
	OpsPerSecond float64       `json:"ops_per_second"`
}

func runChurn(cmd *cobra.Command, args []string) error {
	var opts []allocore.Option
	if churnDebug {
		opts = append(opts, allocore.WithDebug(256))
	}
	a := allocore.New(opts...)

	printVerbose("starting churn: %d workers x %d iterations, sizes [%d,%d]\n",
		churnWorkers, churnIterations, churnMinSize, churnMaxSize)

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < churnWorkers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w) + 1))
			span := churnMaxSize - churnMinSize + 1
			for i := 0; i < churnIterations; i++ {
				size := uintptr(churnMinSize + rng.Intn(span))
				p := a.Allocate(size, 8)
				if p == nil {
					return fmt.Errorf("worker %d: allocation failed at iteration %d (size %d)", w, i, size)
				}
				a.Deallocate(p, size)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := churnWorkers * churnIterations
	result := churnResult{
		Workers:      churnWorkers,
		Iterations:   churnIterations,
		TotalOps:     total,
		Elapsed:      elapsed,
		OpsPerSecond: float64(total) / elapsed.Seconds(),
	}

	a.FlushTLS()
	stats := a.Stats()

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			churnResult
			Counters any `json:"counters"`
		}{result, stats.Counters})
	}

	printInfo("workers=%d iterations/worker=%d total_ops=%d elapsed=%s ops/s=%.0f\n",
		result.Workers, result.Iterations, result.TotalOps, result.Elapsed, result.OpsPerSecond)
	if churnDebug {
		printInfo("allocs=%d frees=%d\n", stats.Counters.Allocs, stats.Counters.Frees)
		if leaks := a.DumpLeaks(); len(leaks) > 0 {
			printInfo("WARNING: %d leaked allocation(s) detected\n", len(leaks))
		}
	}
	return nil
}

// Command allocbench exercises the allocore allocator end to end: alloc/free
// churn under concurrent load, frame-arena reset behavior, and (on request) a
// guard-page fault demonstration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "allocbench",
	Short: "Exercise and benchmark the allocore memory allocator",
	Long: `allocbench drives the allocore allocator through representative
workloads: small-object churn across worker goroutines, frame-arena
allocate/reset cycles, and large-object guard-page fault demonstrations.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output results as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printInfo(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

func printVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

func main() {
	execute()
}

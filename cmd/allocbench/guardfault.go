package main

import (
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"github.com/embergine/allocore"
	"github.com/spf13/cobra"
)

const guardFaultChildEnv = "ALLOCBENCH_GUARDFAULT_CHILD"

func init() {
	rootCmd.AddCommand(newGuardFaultCmd())
}

func newGuardFaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guardfault",
		Short: "Demonstrate a guard-page fault on out-of-bounds large-allocation writes",
		Long: `The guardfault command allocates a large, guard-paged buffer and
deliberately writes one byte past its end, which must fault the process
(SIGSEGV on POSIX, an access violation on Windows) rather than silently
corrupt an adjacent allocation. It re-execs itself as a child process so the
parent can report the fault as a clean, expected result instead of crashing
the benchmark tool itself.`,
		RunE: runGuardFault,
	}
}

func runGuardFault(cmd *cobra.Command, args []string) error {
	if os.Getenv(guardFaultChildEnv) == "1" {
		return guardFaultChild()
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate self: %w", err)
	}
	child := exec.Command(self, "guardfault")
	child.Env = append(os.Environ(), guardFaultChildEnv+"=1")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	err = child.Run()
	if err == nil {
		return fmt.Errorf("expected the guard page to fault the child process, but it exited cleanly")
	}
	printInfo("child faulted as expected: %v\n", err)
	return nil
}

// guardFaultChild runs in the re-exec'd child and is expected to never
// return: the out-of-bounds write below must fault before the final print
// executes.
func guardFaultChild() error {
	a := allocore.New(allocore.WithGuardPagesByDefault(true))

	// Large enough to route past the binned allocator's top size class and
	// into the large tier, which is the only tier that installs guard pages.
	const size = 8192
	p := a.Allocate(size, 16)
	if p == nil {
		return fmt.Errorf("guarded allocation failed")
	}

	buf := unsafe.Slice((*byte)(p), size+1)
	printInfo("writing one byte past the end of a %d-byte guarded allocation...\n", size)
	buf[size] = 0xFF // expected to fault against the trailing guard page

	printInfo("no fault occurred; guard pages are not protecting this allocation\n")
	return nil
}

// Command kcoresim runs the kernel's interrupt, memory and paging packages
// against simulated hardware described by YAML scenario files and reports
// whether their invariants hold.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	verbose = flag.Bool("v", false, "enable debug logging and echo kernel diagnostics")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&memmapCmd{}, "")
	subcommands.Register(&idtCmd{}, "")
	subcommands.Register(&pagingCmd{}, "")
	subcommands.Register(&ticksCmd{}, "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	restore := captureKernelOutput(logrus.StandardLogger())
	exitCode := subcommands.Execute(context.Background())
	restore()
	os.Exit(int(exitCode))
}

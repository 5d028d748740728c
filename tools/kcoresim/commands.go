package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"protokern/kernel/gate"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// stdout receives the command reports. Tests replace it.
var stdout io.Writer = os.Stdout

// scenarioFlags is embedded by the commands that run against a scenario file.
type scenarioFlags struct {
	path string
}

func (s *scenarioFlags) register(f *flag.FlagSet) {
	f.StringVar(&s.path, "scenario", "", "path to the YAML scenario file")
}

// load reads the scenario named by the -scenario flag. It returns a non-zero
// exit status if the scenario cannot be used.
func (s *scenarioFlags) load(f *flag.FlagSet) (*Scenario, subcommands.ExitStatus) {
	if s.path == "" {
		f.Usage()
		return nil, subcommands.ExitUsageError
	}

	sc, err := loadScenario(s.path)
	if err != nil {
		logrus.WithError(err).Error("loading scenario")
		return nil, subcommands.ExitFailure
	}

	logrus.WithFields(logrus.Fields{
		"scenario": sc.Name,
		"regions":  len(sc.Regions),
	}).Debug("loaded scenario")
	return sc, subcommands.ExitSuccess
}

// memmapCmd implements subcommands.Command for the "memmap" command.
type memmapCmd struct {
	scenarioFlags
}

// Name implements subcommands.Command.Name.
func (*memmapCmd) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*memmapCmd) Synopsis() string {
	return "seed the frame allocator from a memory map and exhaust it"
}

// Usage implements subcommands.Command.Usage.
func (*memmapCmd) Usage() string {
	return "memmap -scenario <file>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *memmapCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
}

// Execute implements subcommands.Command.Execute.
func (c *memmapCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sc, status := c.load(f)
	if sc == nil {
		return status
	}

	rep, err := runMemmap(sc)
	if err != nil {
		logrus.WithError(err).WithField("scenario", sc.Name).Error("memmap failed")
		return subcommands.ExitFailure
	}

	fmt.Fprintf(stdout, "%s: total frames %d, free %d, allocated and released %d, bitmap frames [0x%x, 0x%x)\n",
		sc.Name, rep.TotalFrames, rep.FreeFrames, rep.Allocated, uint32(rep.StorageStart), uint32(rep.StorageEnd))
	return subcommands.ExitSuccess
}

// idtCmd implements subcommands.Command for the "idt" command.
type idtCmd struct {
	selector uint
	dump     bool
}

// Name implements subcommands.Command.Name.
func (*idtCmd) Name() string {
	return "idt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*idtCmd) Synopsis() string {
	return "build the interrupt descriptor table and verify its gates"
}

// Usage implements subcommands.Command.Usage.
func (*idtCmd) Usage() string {
	return "idt [-selector N] [-dump]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *idtCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.selector, "selector", 0x08, "code segment selector used for every gate")
	f.BoolVar(&c.dump, "dump", false, "print every table slot")
}

// Execute implements subcommands.Command.Execute.
func (c *idtCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.selector > 0xffff {
		logrus.WithField("selector", c.selector).Error("selector does not fit in 16 bits")
		return subcommands.ExitUsageError
	}

	rep, err := runIDT(uint16(c.selector))
	if err != nil {
		logrus.WithError(err).Error("idt failed")
		return subcommands.ExitFailure
	}

	if c.dump {
		rep.Table.DumpTo(stdout)
	}

	fmt.Fprintf(stdout, "idt: %d/%d gates present, %d dedicated trampolines, default stub 0x%x\n",
		rep.Present, gate.EntryCount, rep.Dedicated, rep.DefaultStub)
	return subcommands.ExitSuccess
}

// pagingCmd implements subcommands.Command for the "paging" command.
type pagingCmd struct {
	scenarioFlags
}

// Name implements subcommands.Command.Name.
func (*pagingCmd) Name() string {
	return "paging"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*pagingCmd) Synopsis() string {
	return "identity map the scenario span and verify every translation"
}

// Usage implements subcommands.Command.Usage.
func (*pagingCmd) Usage() string {
	return "paging -scenario <file>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *pagingCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
}

// Execute implements subcommands.Command.Execute.
func (c *pagingCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sc, status := c.load(f)
	if sc == nil {
		return status
	}

	rep, err := runPaging(sc)
	if err != nil {
		logrus.WithError(err).WithField("scenario", sc.Name).Error("paging failed")
		return subcommands.ExitFailure
	}

	fmt.Fprintf(stdout, "%s: identity mapped %d KiB with %d table frames, %d pages translated\n",
		sc.Name, uint64(rep.Span>>10), rep.TableFrames, rep.Translated)
	return subcommands.ExitSuccess
}

// ticksCmd implements subcommands.Command for the "ticks" command.
type ticksCmd struct {
	scenarioFlags
}

// Name implements subcommands.Command.Name.
func (*ticksCmd) Name() string {
	return "ticks"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ticksCmd) Synopsis() string {
	return "deliver timer interrupts through the dispatcher and count ticks"
}

// Usage implements subcommands.Command.Usage.
func (*ticksCmd) Usage() string {
	return "ticks -scenario <file>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *ticksCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
}

// Execute implements subcommands.Command.Execute.
func (c *ticksCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sc, status := c.load(f)
	if sc == nil {
		return status
	}

	rep, err := runTicks(sc)
	if err != nil {
		logrus.WithError(err).WithField("scenario", sc.Name).Error("ticks failed")
		return subcommands.ExitFailure
	}

	fmt.Fprintf(stdout, "%s: %d ticks at %d Hz over %ds, %d acknowledgments\n",
		sc.Name, rep.Ticks, rep.Hz, rep.Seconds, rep.Acknowledgments)
	return subcommands.ExitSuccess
}

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"protokern/kernel/mem"
	"protokern/kernel/mem/pmm"

	"gopkg.in/yaml.v3"
)

// Scenario describes the simulated machine that a subcommand runs against.
type Scenario struct {
	Name string `yaml:"name"`

	// Regions is the boot loader memory map.
	Regions []Region `yaml:"regions"`

	// Kernel is the physical extent of the kernel image.
	Kernel Extent `yaml:"kernel"`

	// Ceiling limits the physical memory managed by the frame allocator.
	// Zero selects the allocator maximum.
	Ceiling uint64 `yaml:"ceiling"`

	// PagingSpan is the amount of memory that is identity mapped.
	PagingSpan uint64 `yaml:"pagingSpan"`

	Timer Timer `yaml:"timer"`
}

// Region is a single memory map entry.
type Region struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Usable bool   `yaml:"usable"`
}

// Extent is a half-open physical address range.
type Extent struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// Timer configures the simulated system timer.
type Timer struct {
	Hz      uint32 `yaml:"hz"`
	Seconds uint32 `yaml:"seconds"`
}

const (
	defaultPagingSpan = 128 * mem.Mb
	defaultTimerHz    = 100
	defaultSeconds    = 1
)

var (
	errNoRegions     = errors.New("scenario does not define any memory regions")
	errKernelExtent  = errors.New("kernel end must be greater than kernel start")
	errAddressLength = errors.New("address does not fit in 32 bits")
)

// loadScenario reads and validates the scenario stored in path.
func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sc, err := parseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// parseScenario decodes a scenario rejecting unknown fields and fills in
// defaults for omitted optional settings.
func parseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}

	if err := sc.validate(); err != nil {
		return nil, err
	}

	if sc.PagingSpan == 0 {
		sc.PagingSpan = uint64(defaultPagingSpan)
	}
	if sc.Timer.Hz == 0 {
		sc.Timer.Hz = defaultTimerHz
	}
	if sc.Timer.Seconds == 0 {
		sc.Timer.Seconds = defaultSeconds
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Regions) == 0 {
		return errNoRegions
	}

	if sc.Kernel.End <= sc.Kernel.Start {
		return errKernelExtent
	}

	if sc.Kernel.End > uint64(mem.MaxAddressable) {
		return fmt.Errorf("kernel end 0x%x: %w", sc.Kernel.End, errAddressLength)
	}

	return nil
}

// MemoryMap converts the scenario regions to the allocator input format.
func (sc *Scenario) MemoryMap() []pmm.Region {
	regions := make([]pmm.Region, len(sc.Regions))
	for i, r := range sc.Regions {
		regions[i] = pmm.Region{Base: r.Base, Length: r.Length, Usable: r.Usable}
	}
	return regions
}

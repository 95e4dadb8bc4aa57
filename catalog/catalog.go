// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package catalog holds the machine catalogue: the read-only mapping from
// (task base name, machine) to integer processing duration. A duration of
// zero means the machine is not eligible for that operation.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Catalog is immutable after construction and safe for concurrent readers.
// Durations are dimensionless integer time units.
type Catalog struct {
	durations map[string]map[string]int
	tasks     []string
	machines  []string
}

// New builds a catalogue from an in-memory duration table. The table is
// copied; later mutation of the argument does not affect the catalogue.
func New(durations map[string]map[string]int) (*Catalog, error) {
	c := &Catalog{durations: make(map[string]map[string]int, len(durations))}

	machineSet := make(map[string]struct{})
	for task, byMachine := range durations {
		if task == "" {
			return nil, fmt.Errorf("catalog: empty task name")
		}
		row := make(map[string]int, len(byMachine))
		for machine, dur := range byMachine {
			if machine == "" {
				return nil, fmt.Errorf("catalog: empty machine name for task %q", task)
			}
			if dur < 0 {
				return nil, fmt.Errorf("catalog: negative duration %d for task %q on machine %q", dur, task, machine)
			}
			row[machine] = dur
			machineSet[machine] = struct{}{}
		}
		c.durations[task] = row
		c.tasks = append(c.tasks, task)
	}

	for m := range machineSet {
		c.machines = append(c.machines, m)
	}
	sort.Strings(c.tasks)
	sort.Strings(c.machines)
	return c, nil
}

// Load reads the catalogue from a JSON file shaped as
// {"base_name": {"machine": duration, ...}, ...}.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	var durations map[string]map[string]int
	if err := json.Unmarshal(raw, &durations); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	return New(durations)
}

// Duration returns the processing time for the operation on the machine, or
// zero when the pair is unknown or ineligible.
func (c *Catalog) Duration(baseName, machine string) int {
	return c.durations[baseName][machine]
}

// Eligible returns the machines with a strictly positive duration for the
// operation, sorted by name.
func (c *Catalog) Eligible(baseName string) []string {
	row := c.durations[baseName]
	out := make([]string, 0, len(row))
	for machine, dur := range row {
		if dur > 0 {
			out = append(out, machine)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether the operation is known to the catalogue.
func (c *Catalog) Has(baseName string) bool {
	_, ok := c.durations[baseName]
	return ok
}

// Tasks returns the known operation names, sorted.
func (c *Catalog) Tasks() []string {
	return append([]string(nil), c.tasks...)
}

// TaskSet returns the known operation names as a membership map, for
// validating order submissions against the closed operation set.
func (c *Catalog) TaskSet() map[string]bool {
	set := make(map[string]bool, len(c.tasks))
	for _, task := range c.tasks {
		set[task] = true
	}
	return set
}

// Machines returns every machine referenced by any operation, sorted.
func (c *Catalog) Machines() []string {
	return append([]string(nil), c.machines...)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package expand converts input packages into the flat list of solver-ready
// task instances, validating machine eligibility and split feasibility along
// the way.
package expand

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/fjsmd/fjsmd/catalog"
	"github.com/fjsmd/fjsmd/structs"
)

// DefaultMaxInstances bounds the number of instances emitted for a single
// run. Oversized runs are truncated rather than rejected to bound the
// worst-case solve time.
const DefaultMaxInstances = 1000

// Engine expands packages against a machine catalogue. Instance ids are
// sequential starting at 1 and scoped to one Expand call, never to the
// process.
type Engine struct {
	catalog      *catalog.Catalog
	logger       hclog.Logger
	maxInstances int
}

// NewEngine returns an expansion engine bound to the given catalogue.
func NewEngine(c *catalog.Catalog, logger hclog.Logger) *Engine {
	return &Engine{
		catalog:      c,
		logger:       logger.Named("expand"),
		maxInstances: DefaultMaxInstances,
	}
}

// SetMaxInstances overrides the safety cap. Intended for tests.
func (e *Engine) SetMaxInstances(n int) {
	e.maxInstances = n
}

// Expand walks packages, jobs and tasks in declared order and emits one
// instance per single-mode task and count instances per split-mode task.
// Split siblings share the full candidate set; distinct machine assignment
// is left to the per-machine non-overlap in the solver, which is sufficient
// as long as count does not exceed the candidate count.
func (e *Engine) Expand(packages []*structs.Package) ([]*structs.TaskInstance, error) {
	var out []*structs.TaskInstance
	nextID := 1

	seenUIDs := make(map[string]bool, len(packages))
	for _, pkg := range packages {
		uid := pkg.UID()
		if seenUIDs[uid] {
			return nil, fmt.Errorf("duplicate package uid %q in run input", uid)
		}
		seenUIDs[uid] = true

		for _, job := range pkg.Jobs {
			for _, task := range job.Tasks {
				candidates := e.candidateMachines(task)
				if len(candidates) == 0 {
					return nil, fmt.Errorf("task %q (job %d, package %s): %w",
						task.Name, job.JobID, uid, structs.ErrNoEligibleMachine)
				}

				switch task.Mode {
				case structs.TaskModeSingle:
					out = append(out, &structs.TaskInstance{
						ID:                nextID,
						PackageUID:        uid,
						JobID:             job.JobID,
						Order:             task.Order,
						Name:              task.Name,
						BaseName:          task.Name,
						MachineCandidates: candidates,
					})
					nextID++

				case structs.TaskModeSplit:
					// A missing or zero count behaves like a one-way split.
					count := task.Count
					if count < 1 {
						count = 1
					}
					if count > len(candidates) {
						return nil, fmt.Errorf("task %q (job %d, package %s): count %d exceeds %d candidates: %w",
							task.Name, job.JobID, uid, count, len(candidates), structs.ErrInsufficientMachines)
					}
					for i := 0; i < count; i++ {
						out = append(out, &structs.TaskInstance{
							ID:                nextID,
							PackageUID:        uid,
							JobID:             job.JobID,
							Order:             task.Order,
							Name:              fmt.Sprintf("%s_%d", task.Name, i),
							BaseName:          task.Name,
							MachineCandidates: candidates,
						})
						nextID++
					}

				default:
					return nil, fmt.Errorf("task %q (job %d, package %s): unknown mode %q",
						task.Name, job.JobID, uid, task.Mode)
				}
			}
		}
	}

	if len(out) > e.maxInstances {
		e.logger.Warn("instance count exceeds safety cap, truncating",
			"emitted", len(out), "cap", e.maxInstances)
		out = out[:e.maxInstances]
	}
	return out, nil
}

// candidateMachines restricts a task's declared eligible machines to those
// with a strictly positive duration for its operation.
func (e *Engine) candidateMachines(task *structs.Task) []string {
	out := make([]string, 0, len(task.EligibleMachines))
	for _, m := range task.EligibleMachines {
		if e.catalog.Duration(task.Name, m) > 0 {
			out = append(out, m)
		}
	}
	return out
}

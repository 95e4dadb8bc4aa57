// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

const (
	// RunStatusPending is the initial state of a plan run after submission.
	RunStatusPending = "PENDING"

	// RunStatusRunning indicates a worker has picked the run up.
	RunStatusRunning = "RUNNING"

	// RunStatusCompleted indicates the run finished and its plan rows are
	// durable.
	RunStatusCompleted = "COMPLETED"

	// RunStatusFailed indicates the run hit an unrecoverable error. The
	// error message on the run metadata carries the cause.
	RunStatusFailed = "FAILED"
)

const (
	// TaskModeSingle expands a task declaration into exactly one instance.
	TaskModeSingle = "single"

	// TaskModeSplit fans a task declaration out into Count parallel
	// instances, each expected to land on a distinct machine.
	TaskModeSplit = "split"
)

// Backend identifiers used for store routing. The relational backend is the
// default when a request does not specify one.
const (
	BackendRelational = "relational"
	BackendDocument   = "document"
)

// Source tags stamped onto packages by the repository that produced them.
// A package UID is "<source>:<package_id>" and must be unique within a run.
const (
	SourceRelational = "pg"
	SourceDocument   = "doc"
	SourceJSON       = "json"
)

// SolverStatusOptimal and SolverStatusFeasible describe the quality of a
// finished solve. Feasible means an incumbent was returned but optimality was
// not proven within the stage time limit.
const (
	SolverStatusOptimal  = "OPTIMAL"
	SolverStatusFeasible = "FEASIBLE"
)

// Package is the top-level input aggregate: an ordered set of jobs sharing a
// deadline. The deadline is carried through untouched and does not
// participate in the objective.
type Package struct {
	PackageID int
	Deadline  string
	Source    string
	Jobs      []*Job
}

// UID returns the globally unique identifier for the package, combining the
// repository source tag with the store-local id.
func (p *Package) UID() string {
	return fmt.Sprintf("%s:%d", p.Source, p.PackageID)
}

// Job is a partially ordered set of tasks belonging to one package. Tasks
// with the same Order value form a phase and may run in parallel.
type Job struct {
	JobID int
	Tasks []*Task
}

// Task is an operation declaration within a job. Name is the base operation
// key used for duration lookups. Count is meaningful only when Mode is
// TaskModeSplit.
type Task struct {
	TaskID           int
	Name             string
	Mode             string
	Order            int
	Count            int
	EligibleMachines []string
}

// TaskInstance is a concrete schedulable unit produced by expansion. IDs are
// sequential starting at 1 and are scoped to a single run. MachineCandidates
// is the subset of the declared eligible machines that have a strictly
// positive duration for BaseName.
type TaskInstance struct {
	ID                int
	PackageUID        string
	JobID             int
	Order             int
	Name              string
	BaseName          string
	MachineCandidates []string
}

// Lock pins a task instance to a specific machine and start time. It is only
// valid if Machine is one of the instance's candidates.
type Lock struct {
	TaskInstanceID int    `json:"task_instance_id"`
	Machine        string `json:"machine"`
	StartMin       int    `json:"start_min"`
}

// Validate checks the lock fields that can be checked without knowledge of
// the expanded instances. Candidate membership is verified during solve
// setup.
func (l *Lock) Validate() error {
	if l.TaskInstanceID < 1 {
		return fmt.Errorf("lock task_instance_id must be positive, got %d", l.TaskInstanceID)
	}
	if l.Machine == "" {
		return fmt.Errorf("lock machine must not be empty")
	}
	if l.StartMin < 0 {
		return fmt.Errorf("lock start_min must be non-negative, got %d", l.StartMin)
	}
	return nil
}

// PlanRow is one scheduled task instance in the output plan. The duration
// law end-start = duration(base_name, assigned_machine) holds for every row.
type PlanRow struct {
	TaskInstanceID  int
	JobID           int
	TaskName        string
	AssignedMachine string
	StartTime       int
	EndTime         int
	PackageUID      string
}

// Copy returns a shallow copy of the plan row.
func (r *PlanRow) Copy() *PlanRow {
	if r == nil {
		return nil
	}
	nr := *r
	return &nr
}

// RunMeta is the durable metadata record for one plan run. Optional fields
// are pointers so that partial status updates can leave prior values intact.
type RunMeta struct {
	RunID        string
	Status       string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Makespan     *int
	SolverStatus string
	ErrorMessage string
}

// Copy returns a deep copy of the run metadata. Stores hand out copies so
// callers can never mutate shared state.
func (m *RunMeta) Copy() *RunMeta {
	if m == nil {
		return nil
	}
	nm := *m
	if m.StartedAt != nil {
		t := *m.StartedAt
		nm.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		nm.CompletedAt = &t
	}
	if m.Makespan != nil {
		v := *m.Makespan
		nm.Makespan = &v
	}
	return &nm
}

// Terminal reports whether the run has reached a final state. Terminal
// states are immutable; a retry uses a fresh run id.
func (m *RunMeta) Terminal() bool {
	return IsTerminalStatus(m.Status)
}

// IsTerminalStatus reports whether the given status is COMPLETED or FAILED.
func IsTerminalStatus(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed
}

// ValidStatusTransition reports whether moving from one run status to
// another is allowed by the PENDING -> RUNNING -> terminal state machine.
func ValidStatusTransition(from, to string) bool {
	switch from {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusFailed
	case RunStatusRunning:
		return to == RunStatusCompleted || to == RunStatusFailed
	default:
		return false
	}
}

// TaskOrder is a validated request to append a single task declaration to
// the input store. It mirrors the orders API body.
type TaskOrder struct {
	PackageID        int      `json:"package_id"`
	JobID            int      `json:"job_id"`
	JobType          string   `json:"job_type"`
	Mode             string   `json:"mode"`
	Phase            int      `json:"phase"`
	Count            int      `json:"count"`
	EligibleMachines []string `json:"eligible_machines"`
	Deadline         string   `json:"deadline"`
}

// Validate checks the order fields against the closed set of known
// operations supplied by the caller.
func (o *TaskOrder) Validate(knownTypes map[string]bool) error {
	if !knownTypes[o.JobType] {
		return fmt.Errorf("unknown job_type %q", o.JobType)
	}
	if o.Mode != TaskModeSingle && o.Mode != TaskModeSplit {
		return fmt.Errorf("mode must be %q or %q, got %q", TaskModeSingle, TaskModeSplit, o.Mode)
	}
	if o.Phase < 1 {
		return fmt.Errorf("phase must be >= 1, got %d", o.Phase)
	}
	if o.Mode == TaskModeSplit && o.Count < 1 {
		return fmt.Errorf("split task requires count >= 1, got %d", o.Count)
	}
	if len(o.EligibleMachines) == 0 {
		return fmt.Errorf("eligible_machines must not be empty")
	}
	for i, m := range o.EligibleMachines {
		if m == "" {
			return fmt.Errorf("eligible_machines[%d] must be a non-empty string", i)
		}
	}
	return nil
}

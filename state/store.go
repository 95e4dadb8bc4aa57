// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state defines the persistence contracts for plan runs and input
// packages, with a document backend on go-memdb and a relational backend on
// PostgreSQL. The planning core only ever sees the interfaces; backend
// routing happens at the API edge.
package state

import "github.com/fjsmd/fjsmd/structs"

// UpdateOpts carries the optional fields of a run status update. Nil fields
// leave the stored values untouched.
type UpdateOpts struct {
	Makespan     *int
	SolverStatus *string
	ErrorMessage *string
}

// PlanStore is the durable sink for run metadata and plan rows. All methods
// open their backing resources per call so stores survive worker pool
// recycling; implementations must guarantee that a reader observing a
// COMPLETED status also observes the corresponding rows.
type PlanStore interface {
	// CreateRunRecord inserts a PENDING stub for the run id. It is
	// idempotent: a second call for the same id is a no-op.
	CreateRunRecord(runID string) error

	// UpdateRunStatus sets the run status. Transitioning to RUNNING stamps
	// started_at, transitioning to a terminal state stamps completed_at.
	// Optional fields from opts are applied only when non-nil. Transitions
	// outside the PENDING -> RUNNING -> terminal state machine are
	// rejected, so terminal runs are immutable.
	UpdateRunStatus(runID, status string, opts *UpdateOpts) error

	// WriteResults atomically replaces the plan rows of the run: existing
	// rows are deleted, then the given rows inserted. An empty input still
	// deletes. Returns the number of rows written.
	WriteResults(runID string, rows []*structs.PlanRow) (int, error)

	// RunMeta returns a snapshot of the run metadata, or ErrRunNotFound.
	RunMeta(runID string) (*structs.RunMeta, error)

	// GanttRows returns the run's plan rows sorted by start time.
	GanttRows(runID string) ([]*structs.PlanRow, error)

	// RecentRuns returns up to limit runs ordered by creation time,
	// newest first.
	RecentRuns(limit int) ([]*structs.RunMeta, error)
}

// PackageRepository is the read-only source of input packages. Each
// implementation tags its packages with a stable source so uids are unique
// across backends.
type PackageRepository interface {
	ReadPackages() ([]*structs.Package, error)
}

// OrderWriter appends a single task declaration to the input store,
// creating the surrounding package and job records when absent. It returns
// the id of the stored task.
type OrderWriter interface {
	AppendTask(order *structs.TaskOrder) (int, error)
}

// Backend bundles the three persistence roles one storage engine provides.
type Backend interface {
	PlanStore
	PackageRepository
	OrderWriter
}

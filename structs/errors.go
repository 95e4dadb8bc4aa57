// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "errors"

// Domain error taxonomy. Expansion and solve-setup failures are terminal for
// the run that raised them and are never retried; repository and store
// failures may be retried by submitting a fresh run.
var (
	// ErrNoEligibleMachine indicates a task declaration whose eligible
	// machine set contains no machine with a positive duration.
	ErrNoEligibleMachine = errors.New("no eligible machine")

	// ErrInsufficientMachines indicates a split task whose count exceeds
	// the number of eligible machines with positive duration.
	ErrInsufficientMachines = errors.New("insufficient machines for split")

	// ErrInvalidLock indicates a lock referencing an unknown task instance
	// or a machine outside the instance's candidate set.
	ErrInvalidLock = errors.New("invalid lock")

	// ErrInfeasibleOrTimeout indicates a solve stage produced neither an
	// optimal nor a feasible schedule within its wall-clock cap.
	ErrInfeasibleOrTimeout = errors.New("no feasible schedule within time limit")

	// ErrRepository wraps input store I/O failures.
	ErrRepository = errors.New("package repository error")

	// ErrRunNotFound is returned by run metadata lookups for unknown ids.
	ErrRunNotFound = errors.New("run not found")
)

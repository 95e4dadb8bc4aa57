// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package solver

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/fjsmd/fjsmd/catalog"
	"github.com/fjsmd/fjsmd/ci"
	"github.com/fjsmd/fjsmd/structs"
)

func testSolver(t *testing.T, durations map[string]map[string]int) *Solver {
	t.Helper()
	c, err := catalog.New(durations)
	must.NoError(t, err)
	return New(c, hclog.NewNullLogger(), &Config{
		StageTimeout:  10 * time.Second,
		SearchWorkers: 1,
	})
}

func inst(id, job, order int, name, base string, candidates ...string) *structs.TaskInstance {
	return &structs.TaskInstance{
		ID:                id,
		PackageUID:        "doc:1",
		JobID:             job,
		Order:             order,
		Name:              name,
		BaseName:          base,
		MachineCandidates: candidates,
	}
}

// verifyPlan checks the structural invariants every schedule must satisfy:
// one row per instance, the duration law, per-machine non-overlap and phase
// precedence within each job.
func verifyPlan(t *testing.T, s *Solver, instances []*structs.TaskInstance, rows []*structs.PlanRow) {
	t.Helper()

	must.Len(t, len(instances), rows)

	byID := make(map[int]*structs.TaskInstance, len(instances))
	for _, i := range instances {
		byID[i.ID] = i
	}

	seen := make(map[int]bool)
	byMachine := make(map[string][]*structs.PlanRow)
	for _, row := range rows {
		must.False(t, seen[row.TaskInstanceID])
		seen[row.TaskInstanceID] = true

		i := byID[row.TaskInstanceID]
		must.NotNil(t, i)
		must.SliceContains(t, i.MachineCandidates, row.AssignedMachine)
		must.Eq(t, s.catalog.Duration(i.BaseName, row.AssignedMachine), row.EndTime-row.StartTime)
		must.GreaterEq(t, 0, row.StartTime)

		byMachine[row.AssignedMachine] = append(byMachine[row.AssignedMachine], row)
	}

	for machine, mrows := range byMachine {
		sort.Slice(mrows, func(a, b int) bool { return mrows[a].StartTime < mrows[b].StartTime })
		for i := 1; i < len(mrows); i++ {
			if mrows[i].StartTime < mrows[i-1].EndTime {
				t.Fatalf("overlap on %s: [%d,%d) and [%d,%d)", machine,
					mrows[i-1].StartTime, mrows[i-1].EndTime, mrows[i].StartTime, mrows[i].EndTime)
			}
		}
	}

	// Phase precedence: within a job, every row of phase p ends before any
	// row of the next phase starts.
	type jk struct {
		uid string
		job int
	}
	phases := make(map[jk]map[int][]*structs.PlanRow)
	for _, row := range rows {
		key := jk{row.PackageUID, row.JobID}
		if phases[key] == nil {
			phases[key] = make(map[int][]*structs.PlanRow)
		}
		order := byID[row.TaskInstanceID].Order
		phases[key][order] = append(phases[key][order], row)
	}
	for _, jobPhases := range phases {
		var orders []int
		for o := range jobPhases {
			orders = append(orders, o)
		}
		sort.Ints(orders)
		for i := 0; i < len(orders)-1; i++ {
			maxEnd := 0
			for _, row := range jobPhases[orders[i]] {
				if row.EndTime > maxEnd {
					maxEnd = row.EndTime
				}
			}
			for _, row := range jobPhases[orders[i+1]] {
				must.GreaterEq(t, maxEnd, row.StartTime)
			}
		}
	}
}

func TestSolver_Trivial(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 5}})
	instances := []*structs.TaskInstance{inst(1, 1, 1, "cut", "cut", "M1")}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, structs.SolverStatusOptimal, res.Status)
	must.Eq(t, 5, res.Makespan)
	must.Len(t, 1, res.Rows)
	must.Eq(t, 0, res.Rows[0].StartTime)
	must.Eq(t, 5, res.Rows[0].EndTime)
	must.Eq(t, "M1", res.Rows[0].AssignedMachine)

	verifyPlan(t, s, instances, res.Rows)
}

func TestSolver_ParallelMachines(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 5, "M2": 5}})
	instances := []*structs.TaskInstance{
		inst(1, 1, 1, "cut", "cut", "M1", "M2"),
		inst(2, 2, 1, "cut", "cut", "M1", "M2"),
	}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, 5, res.Makespan)
	must.Eq(t, 10, res.TotalCompletion)
	must.Len(t, 2, res.Rows)
	must.NotEq(t, res.Rows[0].AssignedMachine, res.Rows[1].AssignedMachine)

	verifyPlan(t, s, instances, res.Rows)
}

func TestSolver_Split(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 5, "M2": 6, "M3": 7, "M4": 8}})
	candidates := []string{"M1", "M2", "M3", "M4"}
	instances := []*structs.TaskInstance{
		inst(1, 1, 1, "cut_0", "cut", candidates...),
		inst(2, 1, 1, "cut_1", "cut", candidates...),
		inst(3, 1, 1, "cut_2", "cut", candidates...),
	}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, 7, res.Makespan)

	// The optimum lands the siblings on the three fastest machines, one
	// each; sharing a machine would push the makespan to 10 or more.
	machines := make([]string, 0, 3)
	for _, row := range res.Rows {
		machines = append(machines, row.AssignedMachine)
	}
	sort.Strings(machines)
	must.Eq(t, []string{"M1", "M2", "M3"}, machines)

	verifyPlan(t, s, instances, res.Rows)
}

func TestSolver_TwoPhasePrecedence(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{
		"cut":     {"M1": 4},
		"engrave": {"M1": 3},
	})
	instances := []*structs.TaskInstance{
		inst(1, 1, 1, "cut", "cut", "M1"),
		inst(2, 1, 2, "engrave", "engrave", "M1"),
	}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, 7, res.Makespan)
	must.Len(t, 2, res.Rows)

	var first, second *structs.PlanRow
	for _, row := range res.Rows {
		switch row.TaskInstanceID {
		case 1:
			first = row
		case 2:
			second = row
		}
	}
	must.Eq(t, 0, first.StartTime)
	must.Eq(t, 4, first.EndTime)
	must.GreaterEq(t, 4, second.StartTime)

	verifyPlan(t, s, instances, res.Rows)
}

func TestSolver_LockHonoured(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 5, "M2": 5}})
	instances := []*structs.TaskInstance{
		inst(1, 1, 1, "cut", "cut", "M1", "M2"),
		inst(2, 2, 1, "cut", "cut", "M1", "M2"),
	}
	locks := []*structs.Lock{{TaskInstanceID: 1, Machine: "M1", StartMin: 10}}

	res, err := s.Solve(context.Background(), instances, locks)
	must.NoError(t, err)

	var pinned *structs.PlanRow
	for _, row := range res.Rows {
		if row.TaskInstanceID == 1 {
			pinned = row
		}
	}
	must.NotNil(t, pinned)
	must.Eq(t, "M1", pinned.AssignedMachine)
	must.Eq(t, 10, pinned.StartTime)
	must.Eq(t, 15, pinned.EndTime)
	must.GreaterEq(t, 15, res.Makespan)

	verifyPlan(t, s, instances, res.Rows)
}

func TestSolver_InvalidLock(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 5, "M2": 5}})
	instances := []*structs.TaskInstance{inst(1, 1, 1, "cut", "cut", "M1", "M2")}

	// Machine outside the candidate set.
	_, err := s.Solve(context.Background(), instances, []*structs.Lock{
		{TaskInstanceID: 1, Machine: "M9", StartMin: 0},
	})
	must.ErrorIs(t, err, structs.ErrInvalidLock)

	// Unknown task instance.
	_, err = s.Solve(context.Background(), instances, []*structs.Lock{
		{TaskInstanceID: 42, Machine: "M1", StartMin: 0},
	})
	must.ErrorIs(t, err, structs.ErrInvalidLock)

	// Malformed lock fields.
	_, err = s.Solve(context.Background(), instances, []*structs.Lock{
		{TaskInstanceID: 1, Machine: "M1", StartMin: -3},
	})
	must.ErrorIs(t, err, structs.ErrInvalidLock)

	// Start beyond any reachable horizon.
	_, err = s.Solve(context.Background(), instances, []*structs.Lock{
		{TaskInstanceID: 1, Machine: "M1", StartMin: 10_000},
	})
	must.ErrorIs(t, err, structs.ErrInvalidLock)
}

// Holding the optimal makespan fixed, the second stage must pull jobs in:
// on one shared machine the short job goes first so the completion sum is
// minimized even though both orders reach the same makespan.
func TestSolver_LexicographicTieBreak(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{
		"cut":     {"M1": 2},
		"engrave": {"M1": 5},
	})
	instances := []*structs.TaskInstance{
		inst(1, 1, 1, "cut", "cut", "M1"),
		inst(2, 2, 1, "engrave", "engrave", "M1"),
	}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, 7, res.Makespan)
	must.Eq(t, 9, res.TotalCompletion) // 2 + 7, not 5 + 7

	var short *structs.PlanRow
	for _, row := range res.Rows {
		if row.TaskInstanceID == 1 {
			short = row
		}
	}
	must.Eq(t, 0, short.StartTime)

	verifyPlan(t, s, instances, res.Rows)
}

func TestSolver_EmptyInstances(t *testing.T) {
	ci.Parallel(t)

	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 5}})
	res, err := s.Solve(context.Background(), nil, nil)
	must.NoError(t, err)
	must.Eq(t, structs.SolverStatusOptimal, res.Status)
	must.Eq(t, 0, res.Makespan)
	must.Len(t, 0, res.Rows)
}

func TestSolver_MachineDependentDurations(t *testing.T) {
	ci.Parallel(t)

	// The faster machine wins when it is the only contended resource.
	s := testSolver(t, map[string]map[string]int{"cut": {"M1": 3, "M2": 9}})
	instances := []*structs.TaskInstance{inst(1, 1, 1, "cut", "cut", "M1", "M2")}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, 3, res.Makespan)
	must.Eq(t, "M1", res.Rows[0].AssignedMachine)

	verifyPlan(t, s, instances, res.Rows)
}

// Split siblings plus a downstream phase: the second phase may only start
// after the slowest sibling has finished.
func TestSolver_SplitThenPhase(t *testing.T) {
	ci.Parallel(t)
	ci.SkipSlow(t, "larger combinatorial search")

	s := testSolver(t, map[string]map[string]int{
		"cut":  {"M1": 5, "M2": 6, "M3": 7},
		"bend": {"M1": 2},
	})
	candidates := []string{"M1", "M2", "M3"}
	instances := []*structs.TaskInstance{
		inst(1, 1, 1, "cut_0", "cut", candidates...),
		inst(2, 1, 1, "cut_1", "cut", candidates...),
		inst(3, 1, 1, "cut_2", "cut", candidates...),
		inst(4, 1, 2, "bend", "bend", "M1"),
	}

	res, err := s.Solve(context.Background(), instances, nil)
	must.NoError(t, err)
	must.Eq(t, 9, res.Makespan) // slowest sibling ends at 7, bend takes 2

	var bend *structs.PlanRow
	maxCutEnd := 0
	for _, row := range res.Rows {
		if row.TaskInstanceID == 4 {
			bend = row
			continue
		}
		if row.EndTime > maxCutEnd {
			maxCutEnd = row.EndTime
		}
	}
	must.GreaterEq(t, maxCutEnd, bend.StartTime)

	verifyPlan(t, s, instances, res.Rows)
}

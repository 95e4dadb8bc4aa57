// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package expand

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/fjsmd/fjsmd/catalog"
	"github.com/fjsmd/fjsmd/ci"
	"github.com/fjsmd/fjsmd/structs"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	c, err := catalog.New(map[string]map[string]int{
		"cut":     {"M1": 5, "M2": 6, "M3": 7, "M4": 8},
		"engrave": {"M2": 3},
		"bend":    {"M9": 0},
	})
	must.NoError(t, err)
	return NewEngine(c, hclog.NewNullLogger())
}

func singleTask(name string, order int, machines ...string) *structs.Task {
	return &structs.Task{Name: name, Mode: structs.TaskModeSingle, Order: order, EligibleMachines: machines}
}

func TestEngine_Expand_Single(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkgs := []*structs.Package{{
		PackageID: 1,
		Source:    structs.SourceDocument,
		Jobs: []*structs.Job{{
			JobID: 10,
			Tasks: []*structs.Task{
				singleTask("cut", 1, "M1", "M2"),
				singleTask("engrave", 2, "M2"),
			},
		}},
	}}

	instances, err := e.Expand(pkgs)
	must.NoError(t, err)
	must.Len(t, 2, instances)

	must.Eq(t, 1, instances[0].ID)
	must.Eq(t, "cut", instances[0].Name)
	must.Eq(t, "cut", instances[0].BaseName)
	must.Eq(t, []string{"M1", "M2"}, instances[0].MachineCandidates)
	must.Eq(t, "doc:1", instances[0].PackageUID)
	must.Eq(t, 10, instances[0].JobID)
	must.Eq(t, 1, instances[0].Order)

	must.Eq(t, 2, instances[1].ID)
	must.Eq(t, "engrave", instances[1].Name)
	must.Eq(t, []string{"M2"}, instances[1].MachineCandidates)
}

func TestEngine_Expand_Split(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkgs := []*structs.Package{{
		PackageID: 7,
		Source:    structs.SourceRelational,
		Jobs: []*structs.Job{{
			JobID: 1,
			Tasks: []*structs.Task{{
				Name:             "cut",
				Mode:             structs.TaskModeSplit,
				Order:            1,
				Count:            3,
				EligibleMachines: []string{"M1", "M2", "M3", "M4"},
			}},
		}},
	}}

	instances, err := e.Expand(pkgs)
	must.NoError(t, err)
	must.Len(t, 3, instances)

	for i, inst := range instances {
		must.Eq(t, i+1, inst.ID)
		must.Eq(t, fmt.Sprintf("cut_%d", i), inst.Name)
		must.Eq(t, "cut", inst.BaseName)
		must.Eq(t, []string{"M1", "M2", "M3", "M4"}, inst.MachineCandidates)
	}
}

func TestEngine_Expand_SplitZeroCount(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	// Repository rows may omit count entirely; a zero split is a one-way split.
	pkgs := []*structs.Package{{
		PackageID: 7,
		Source:    structs.SourceRelational,
		Jobs: []*structs.Job{{
			JobID: 1,
			Tasks: []*structs.Task{{
				Name:             "cut",
				Mode:             structs.TaskModeSplit,
				Order:            1,
				EligibleMachines: []string{"M1", "M2"},
			}},
		}},
	}}

	instances, err := e.Expand(pkgs)
	must.NoError(t, err)
	must.Len(t, 1, instances)
	must.Eq(t, "cut_0", instances[0].Name)
	must.Eq(t, "cut", instances[0].BaseName)
}

// Instance count must equal the sum of single tasks plus split counts, and
// every candidate must carry a positive duration.
func TestEngine_Expand_CountAndCandidateInvariants(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkgs := []*structs.Package{{
		PackageID: 1,
		Source:    structs.SourceDocument,
		Jobs: []*structs.Job{
			{
				JobID: 1,
				Tasks: []*structs.Task{
					singleTask("cut", 1, "M1", "M9"),
					{Name: "cut", Mode: structs.TaskModeSplit, Order: 2, Count: 2, EligibleMachines: []string{"M1", "M2", "M3"}},
				},
			},
			{
				JobID: 2,
				Tasks: []*structs.Task{singleTask("engrave", 1, "M2")},
			},
		},
	}}

	instances, err := e.Expand(pkgs)
	must.NoError(t, err)
	must.Len(t, 4, instances) // 1 single + 2 split + 1 single

	c := e.catalog
	for _, inst := range instances {
		must.Positive(t, len(inst.MachineCandidates))
		for _, m := range inst.MachineCandidates {
			must.Positive(t, c.Duration(inst.BaseName, m))
		}
	}

	// M9 has no duration for cut and must have been filtered out.
	must.Eq(t, []string{"M1"}, instances[0].MachineCandidates)
}

func TestEngine_Expand_NoEligibleMachine(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkgs := []*structs.Package{{
		PackageID: 1,
		Source:    structs.SourceDocument,
		Jobs: []*structs.Job{{
			JobID: 1,
			Tasks: []*structs.Task{singleTask("bend", 1, "M9")},
		}},
	}}

	_, err := e.Expand(pkgs)
	must.ErrorIs(t, err, structs.ErrNoEligibleMachine)
}

func TestEngine_Expand_InsufficientMachines(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkgs := []*structs.Package{{
		PackageID: 1,
		Source:    structs.SourceDocument,
		Jobs: []*structs.Job{{
			JobID: 1,
			Tasks: []*structs.Task{{
				Name:             "engrave",
				Mode:             structs.TaskModeSplit,
				Order:            1,
				Count:            2,
				EligibleMachines: []string{"M2"},
			}},
		}},
	}}

	_, err := e.Expand(pkgs)
	must.ErrorIs(t, err, structs.ErrInsufficientMachines)
}

func TestEngine_Expand_UnknownMode(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkgs := []*structs.Package{{
		PackageID: 1,
		Source:    structs.SourceDocument,
		Jobs: []*structs.Job{{
			JobID: 1,
			Tasks: []*structs.Task{{
				Name:             "cut",
				Mode:             "batch",
				Order:            1,
				EligibleMachines: []string{"M1"},
			}},
		}},
	}}

	_, err := e.Expand(pkgs)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "unknown mode")
}

func TestEngine_Expand_DuplicateUID(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	pkg := func() *structs.Package {
		return &structs.Package{
			PackageID: 5,
			Source:    structs.SourceDocument,
			Jobs: []*structs.Job{{
				JobID: 1,
				Tasks: []*structs.Task{singleTask("cut", 1, "M1")},
			}},
		}
	}

	_, err := e.Expand([]*structs.Package{pkg(), pkg()})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "duplicate package uid")
}

func TestEngine_Expand_SafetyCap(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)
	e.SetMaxInstances(3)

	job := &structs.Job{JobID: 1}
	for i := 0; i < 5; i++ {
		job.Tasks = append(job.Tasks, singleTask("cut", i+1, "M1"))
	}
	pkgs := []*structs.Package{{PackageID: 1, Source: structs.SourceDocument, Jobs: []*structs.Job{job}}}

	instances, err := e.Expand(pkgs)
	must.NoError(t, err)
	must.Len(t, 3, instances)
	must.Eq(t, []int{1, 2, 3}, []int{instances[0].ID, instances[1].ID, instances[2].ID})
}

func TestEngine_Expand_Empty(t *testing.T) {
	ci.Parallel(t)
	e := testEngine(t)

	instances, err := e.Expand(nil)
	must.NoError(t, err)
	must.Len(t, 0, instances)

	// A package with no jobs is fine too.
	instances, err = e.Expand([]*structs.Package{{PackageID: 1, Source: structs.SourceDocument}})
	must.NoError(t, err)
	must.Len(t, 0, instances)
}

func TestEngine_Expand_ErrorsAreNotRetryable(t *testing.T) {
	ci.Parallel(t)

	// Expansion failures are terminal domain errors, distinct from
	// repository I/O failures.
	must.False(t, errors.Is(structs.ErrNoEligibleMachine, structs.ErrRepository))
	must.False(t, errors.Is(structs.ErrInsufficientMachines, structs.ErrRepository))
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/fjsmd/fjsmd/ci"
	"github.com/fjsmd/fjsmd/structs"
)

func TestJSONRepository_ReadPackages(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "packages.json")
	content := `[
		{
			"package_id": 3,
			"deadline": "2026-12-01",
			"jobs": [
				{
					"job_id": 1,
					"tasks": [
						{"task_id": 1, "name": "cut", "mode": "single", "phase": 1, "eligible_machines": ["M1", "M2"]},
						{"task_id": 2, "name": "engrave", "mode": "split", "phase": 2, "count": 2, "eligible_machines": ["M2", "M3"]}
					]
				}
			]
		}
	]`
	must.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	repo := NewJSONRepository(path)
	pkgs, err := repo.ReadPackages()
	must.NoError(t, err)
	must.Len(t, 1, pkgs)

	pkg := pkgs[0]
	must.Eq(t, structs.SourceJSON, pkg.Source)
	must.Eq(t, "json:3", pkg.UID())
	must.Eq(t, "2026-12-01", pkg.Deadline)
	must.Len(t, 1, pkg.Jobs)
	must.Len(t, 2, pkg.Jobs[0].Tasks)

	split := pkg.Jobs[0].Tasks[1]
	must.Eq(t, structs.TaskModeSplit, split.Mode)
	must.Eq(t, 2, split.Order)
	must.Eq(t, 2, split.Count)
	must.Eq(t, []string{"M2", "M3"}, split.EligibleMachines)
}

func TestJSONRepository_Errors(t *testing.T) {
	ci.Parallel(t)

	repo := NewJSONRepository(filepath.Join(t.TempDir(), "missing.json"))
	_, err := repo.ReadPackages()
	must.ErrorIs(t, err, structs.ErrRepository)

	bad := filepath.Join(t.TempDir(), "bad.json")
	must.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	_, err = NewJSONRepository(bad).ReadPackages()
	must.ErrorIs(t, err, structs.ErrRepository)
}

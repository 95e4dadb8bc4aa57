// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fjsmd/fjsmd/ci"
	"github.com/shoenig/test/must"
)

func testDurations() map[string]map[string]int {
	return map[string]map[string]int{
		"cut":     {"M1": 5, "M2": 6, "M3": 0},
		"engrave": {"M2": 3},
		"bend":    {"M3": 0},
	}
}

func TestCatalog_Duration(t *testing.T) {
	ci.Parallel(t)

	c, err := New(testDurations())
	must.NoError(t, err)

	must.Eq(t, 5, c.Duration("cut", "M1"))
	must.Eq(t, 6, c.Duration("cut", "M2"))

	// Zero for ineligible, unknown machine and unknown task alike.
	must.Eq(t, 0, c.Duration("cut", "M3"))
	must.Eq(t, 0, c.Duration("cut", "M9"))
	must.Eq(t, 0, c.Duration("weld", "M1"))
}

func TestCatalog_Eligible(t *testing.T) {
	ci.Parallel(t)

	c, err := New(testDurations())
	must.NoError(t, err)

	must.Eq(t, []string{"M1", "M2"}, c.Eligible("cut"))
	must.Eq(t, []string{"M2"}, c.Eligible("engrave"))

	// A task whose machines all have zero duration has no eligible set.
	must.Len(t, 0, c.Eligible("bend"))
	must.Len(t, 0, c.Eligible("weld"))
}

func TestCatalog_TasksMachines(t *testing.T) {
	ci.Parallel(t)

	c, err := New(testDurations())
	must.NoError(t, err)

	must.Eq(t, []string{"bend", "cut", "engrave"}, c.Tasks())
	must.Eq(t, []string{"M1", "M2", "M3"}, c.Machines())
	must.True(t, c.Has("bend"))
	must.False(t, c.Has("weld"))
	must.True(t, c.TaskSet()["cut"])
}

func TestCatalog_Validation(t *testing.T) {
	ci.Parallel(t)

	_, err := New(map[string]map[string]int{"cut": {"M1": -2}})
	must.Error(t, err)

	_, err = New(map[string]map[string]int{"": {"M1": 1}})
	must.Error(t, err)

	_, err = New(map[string]map[string]int{"cut": {"": 1}})
	must.Error(t, err)
}

func TestCatalog_Load(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "machines.json")
	content := `{"cut": {"M1": 5, "M2": 6}, "engrave": {"M2": 3}}`
	must.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	must.NoError(t, err)
	must.Eq(t, 5, c.Duration("cut", "M1"))
	must.Eq(t, []string{"M2"}, c.Eligible("engrave"))

	_, err = Load(filepath.Join(dir, "missing.json"))
	must.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	must.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = Load(bad)
	must.Error(t, err)
}

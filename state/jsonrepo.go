// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fjsmd/fjsmd/structs"
)

// JSONRepository reads input packages from a file. It backs no plan store;
// it exists for seeding and for running the planner without a database.
type JSONRepository struct {
	path string
}

// NewJSONRepository returns a repository over the given file path. The file
// is re-read on every ReadPackages call.
func NewJSONRepository(path string) *JSONRepository {
	return &JSONRepository{path: path}
}

type jsonTask struct {
	TaskID           int      `json:"task_id"`
	Name             string   `json:"name"`
	Mode             string   `json:"mode"`
	Phase            int      `json:"phase"`
	Count            int      `json:"count"`
	EligibleMachines []string `json:"eligible_machines"`
}

type jsonJob struct {
	JobID int        `json:"job_id"`
	Tasks []jsonTask `json:"tasks"`
}

type jsonPackage struct {
	PackageID int       `json:"package_id"`
	Deadline  string    `json:"deadline"`
	Jobs      []jsonJob `json:"jobs"`
}

// ReadPackages implements PackageRepository.
func (r *JSONRepository) ReadPackages() ([]*structs.Package, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", structs.ErrRepository, r.path, err)
	}

	var parsed []jsonPackage
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", structs.ErrRepository, r.path, err)
	}

	out := make([]*structs.Package, 0, len(parsed))
	for _, jp := range parsed {
		pkg := &structs.Package{
			PackageID: jp.PackageID,
			Deadline:  jp.Deadline,
			Source:    structs.SourceJSON,
		}
		for _, jj := range jp.Jobs {
			job := &structs.Job{JobID: jj.JobID}
			for _, jt := range jj.Tasks {
				job.Tasks = append(job.Tasks, &structs.Task{
					TaskID:           jt.TaskID,
					Name:             jt.Name,
					Mode:             jt.Mode,
					Order:            jt.Phase,
					Count:            jt.Count,
					EligibleMachines: jt.EligibleMachines,
				})
			}
			pkg.Jobs = append(pkg.Jobs, job)
		}
		out = append(out, pkg)
	}
	return out, nil
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fjsmd/fjsmd/structs"
)

// DefaultRecentLimit bounds the recents listing.
const DefaultRecentLimit = 10

// RecentPlan is one entry in the recents listing. The label is what the UI
// shows in its plan picker.
type RecentPlan struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// GanttRow is one scheduled task instance in the shape the UI's gantt
// component consumes.
type GanttRow struct {
	Task           string `json:"task"`
	Start          int    `json:"start"`
	Finish         int    `json:"finish"`
	Resource       string `json:"resource"`
	JobID          int    `json:"job_id"`
	TaskInstanceID int    `json:"task_instance_id"`
}

// RecentPlansRequest lists the newest runs, newest first.
func (s *HTTPServer) RecentPlansRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return methodNotAllowed()
	}

	backend, err := parseBackend(req)
	if err != nil {
		return nil, err
	}

	metas, err := s.planner.Recent(backend, DefaultRecentLimit)
	if err != nil {
		return nil, err
	}

	out := make([]*RecentPlan, 0, len(metas))
	for i, meta := range metas {
		out = append(out, &RecentPlan{
			ID:    meta.RunID,
			Label: fmt.Sprintf("Plan #%d - %s", i+1, meta.CreatedAt.Format(time.RFC3339)),
		})
	}
	return out, nil
}

// PlanGanttRequest returns the plan rows for one run, sorted by start time.
func (s *HTTPServer) PlanGanttRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return methodNotAllowed()
	}

	rest := pathSuffix(req, "/api/plans/")
	runID, ok := strings.CutSuffix(rest, "/gantt")
	if !ok {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	runID = strings.Trim(runID, "/")
	if runID == "" {
		return nil, CodedError(http.StatusBadRequest, "missing run id")
	}

	backend, err := parseBackend(req)
	if err != nil {
		return nil, err
	}

	rows, err := s.planner.Gantt(backend, runID)
	if err != nil {
		return nil, err
	}
	return ganttRows(rows), nil
}

func ganttRows(rows []*structs.PlanRow) []*GanttRow {
	out := make([]*GanttRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, &GanttRow{
			Task:           row.TaskName,
			Start:          row.StartTime,
			Finish:         row.EndTime,
			Resource:       row.AssignedMachine,
			JobID:          row.JobID,
			TaskInstanceID: row.TaskInstanceID,
		})
	}
	return out
}

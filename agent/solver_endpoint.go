// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fjsmd/fjsmd/structs"
)

// StartResponse is returned by both solver start endpoints.
type StartResponse struct {
	RunID string `json:"run_id"`
	DB    string `json:"db"`
}

// StartWithLocksRequest is the body of the start_with_locks endpoint.
type StartWithLocksRequest struct {
	Locks []*structs.Lock `json:"locks"`
}

// StatusResponse is the run metadata snapshot returned by the status
// endpoint. State is the run lifecycle state; Status is the solver's own
// verdict on the finished schedule.
type StatusResponse struct {
	State       string  `json:"state"`
	Makespan    *int    `json:"makespan"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at"`
	Error       string  `json:"error"`
}

// SolverStartRequest submits a plan run with no locks.
func (s *HTTPServer) SolverStartRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return methodNotAllowed()
	}
	return s.startRun(req, nil)
}

// SolverStartWithLocksRequest submits a plan run pinning the given task
// instances to their locked machine and start time.
func (s *HTTPServer) SolverStartWithLocksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return methodNotAllowed()
	}

	var args StartWithLocksRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, err
	}
	for i, lock := range args.Locks {
		if lock == nil {
			return nil, CodedError(http.StatusBadRequest, fmt.Sprintf("locks[%d] must not be null", i))
		}
		if err := lock.Validate(); err != nil {
			return nil, CodedError(http.StatusBadRequest, err.Error())
		}
	}
	return s.startRun(req, args.Locks)
}

func (s *HTTPServer) startRun(req *http.Request, locks []*structs.Lock) (interface{}, error) {
	backend, err := parseBackend(req)
	if err != nil {
		return nil, err
	}

	runID, err := s.planner.Submit(backend, locks)
	if err != nil {
		return nil, err
	}
	return &StartResponse{RunID: runID, DB: backend}, nil
}

// SolverStatusRequest reads the metadata snapshot for one run.
func (s *HTTPServer) SolverStatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return methodNotAllowed()
	}

	runID := pathSuffix(req, "/api/solver/status/")
	if runID == "" {
		return nil, CodedError(http.StatusBadRequest, "missing run id")
	}

	backend, err := parseBackend(req)
	if err != nil {
		return nil, err
	}

	meta, err := s.planner.Status(backend, runID)
	if err != nil {
		return nil, err
	}

	out := &StatusResponse{
		State:     meta.Status,
		Makespan:  meta.Makespan,
		Status:    meta.SolverStatus,
		CreatedAt: meta.CreatedAt.Format(time.RFC3339),
		Error:     meta.ErrorMessage,
	}
	if meta.CompletedAt != nil {
		ts := meta.CompletedAt.Format(time.RFC3339)
		out.CompletedAt = &ts
	}
	return out, nil
}

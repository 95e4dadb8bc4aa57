// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/fjsmd/fjsmd/structs"
)

// OrderResponse acknowledges an appended task and reports the id the store
// assigned to it.
type OrderResponse struct {
	OK     bool   `json:"ok"`
	TaskID int    `json:"task_id"`
	DB     string `json:"db"`
}

// OrdersRequest appends a single task declaration to the chosen backend's
// input store.
func (s *HTTPServer) OrdersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return methodNotAllowed()
	}

	backend, err := parseBackend(req)
	if err != nil {
		return nil, err
	}

	var order structs.TaskOrder
	if err := decodeBody(req, &order); err != nil {
		return nil, err
	}
	if err := order.Validate(s.planner.TaskTypes()); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}

	taskID, err := s.planner.AppendOrder(backend, &order)
	if err != nil {
		return nil, err
	}
	return &OrderResponse{OK: true, TaskID: taskID, DB: backend}, nil
}

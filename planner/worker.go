// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// Worker is a single-threaded plan worker. Several run per planner; each
// dequeues pending runs and drives them through expansion, solve and
// persistence. One run is single-threaded logically; only the constraint
// engine fans out internally.
type Worker struct {
	id      int
	planner *Planner
	logger  hclog.Logger
}

func newWorker(id int, p *Planner) *Worker {
	return &Worker{
		id:      id,
		planner: p,
		logger:  p.logger.Named("worker").With("worker_id", id),
	}
}

// run is the long-lived worker goroutine.
func (w *Worker) run(ctx context.Context) {
	w.logger.Debug("worker started")
	for {
		req, err := w.planner.broker.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBrokerShutdown) {
				w.logger.Error("failed to dequeue run", "error", err)
			}
			w.logger.Debug("worker stopped")
			return
		}

		start := time.Now()
		w.planner.executeRun(ctx, req)
		metrics.MeasureSince([]string{"fjsmd", "worker", "execute"}, start)
	}
}

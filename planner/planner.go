// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package planner coordinates plan runs: it accepts submissions, queues
// them, and drives each run through package loading, expansion, the
// constraint solve and result persistence, threading every status
// transition through the plan store that owns the run.
package planner

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/fjsmd/fjsmd/catalog"
	"github.com/fjsmd/fjsmd/expand"
	"github.com/fjsmd/fjsmd/helper/pointer"
	"github.com/fjsmd/fjsmd/helper/uuid"
	"github.com/fjsmd/fjsmd/solver"
	"github.com/fjsmd/fjsmd/state"
	"github.com/fjsmd/fjsmd/structs"
)

// DefaultWorkers is the worker pool size when the config leaves it unset.
const DefaultWorkers = 2

// Config tunes a Planner.
type Config struct {
	Workers    int
	QueueDepth int
	Solver     *solver.Config
}

// Planner owns the run lifecycle. Backends map backend names to their
// store bundle; the planner itself never inspects the backend tag beyond
// routing.
type Planner struct {
	logger   hclog.Logger
	catalog  *catalog.Catalog
	expander *expand.Engine
	solver   *solver.Solver
	backends map[string]state.Backend
	broker   *Broker

	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// New constructs a planner over the given catalogue and backends.
func New(c *catalog.Catalog, backends map[string]state.Backend, logger hclog.Logger, config *Config) *Planner {
	if config == nil {
		config = &Config{}
	}
	workers := config.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	logger = logger.Named("planner")
	return &Planner{
		logger:   logger,
		catalog:  c,
		expander: expand.NewEngine(c, logger),
		solver:   solver.New(c, logger, config.Solver),
		backends: backends,
		broker:   NewBroker(config.QueueDepth, logger),
		workers:  workers,
	}
}

// Start launches the worker pool.
func (p *Planner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		w := newWorker(i, p)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
	p.logger.Info("planner started", "workers", p.workers)
}

// Shutdown stops the broker and waits for in-flight runs to finish.
func (p *Planner) Shutdown() {
	p.once.Do(func() {
		p.broker.Shutdown()
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.logger.Info("planner stopped")
	})
}

func (p *Planner) backend(name string) (state.Backend, error) {
	be, ok := p.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return be, nil
}

// Submit creates a PENDING run stub on the chosen backend and queues the
// run for execution. The returned id identifies the run for all later
// queries.
func (p *Planner) Submit(backendName string, locks []*structs.Lock) (string, error) {
	be, err := p.backend(backendName)
	if err != nil {
		return "", err
	}

	runID := uuid.Generate()
	if err := be.CreateRunRecord(runID); err != nil {
		return "", fmt.Errorf("creating run record: %w", err)
	}

	req := &RunRequest{RunID: runID, Backend: backendName, Locks: locks}
	if err := p.broker.Enqueue(req); err != nil {
		// Do not strand the stub: the run never reached a worker, so it
		// can be failed directly.
		p.failRun(be, runID, fmt.Sprintf("enqueue failed: %v", err))
		return "", err
	}

	metrics.IncrCounter([]string{"fjsmd", "planner", "submit"}, 1)
	p.logger.Debug("run submitted", "run_id", runID, "backend", backendName, "locks", len(locks))
	return runID, nil
}

// Status returns the run metadata snapshot from the chosen backend.
func (p *Planner) Status(backendName, runID string) (*structs.RunMeta, error) {
	be, err := p.backend(backendName)
	if err != nil {
		return nil, err
	}
	return be.RunMeta(runID)
}

// Gantt returns the run's plan rows sorted by start time.
func (p *Planner) Gantt(backendName, runID string) ([]*structs.PlanRow, error) {
	be, err := p.backend(backendName)
	if err != nil {
		return nil, err
	}
	return be.GanttRows(runID)
}

// Recent lists the newest runs on the chosen backend.
func (p *Planner) Recent(backendName string, limit int) ([]*structs.RunMeta, error) {
	be, err := p.backend(backendName)
	if err != nil {
		return nil, err
	}
	return be.RecentRuns(limit)
}

// AppendOrder appends a task declaration to the chosen backend's input
// store and returns the stored task id.
func (p *Planner) AppendOrder(backendName string, order *structs.TaskOrder) (int, error) {
	be, err := p.backend(backendName)
	if err != nil {
		return 0, err
	}
	return be.AppendTask(order)
}

// TaskTypes exposes the catalogue's closed operation set for request
// validation at the edge.
func (p *Planner) TaskTypes() map[string]bool {
	return p.catalog.TaskSet()
}

// executeRun drives one run to a terminal state. Any failure in the load,
// expand, solve or persist steps marks the run FAILED with the error text;
// terminal states are never overwritten.
func (p *Planner) executeRun(ctx context.Context, req *RunRequest) {
	logger := p.logger.With("run_id", req.RunID, "backend", req.Backend)

	be, err := p.backend(req.Backend)
	if err != nil {
		logger.Error("dropping run for unknown backend", "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during run execution", "panic", r)
			p.failRun(be, req.RunID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := be.UpdateRunStatus(req.RunID, structs.RunStatusRunning, nil); err != nil {
		// Store failure before any work happened. The run stays PENDING;
		// operators spot it by the missing terminal transition.
		logger.Error("failed to mark run running", "error", err)
		return
	}

	pkgs, err := be.ReadPackages()
	if err != nil {
		p.failRun(be, req.RunID, err.Error())
		return
	}

	instances, err := p.expander.Expand(pkgs)
	if err != nil {
		p.failRun(be, req.RunID, err.Error())
		return
	}

	result, err := p.solver.Solve(ctx, instances, req.Locks)
	if err != nil {
		p.failRun(be, req.RunID, err.Error())
		return
	}

	written, err := be.WriteResults(req.RunID, result.Rows)
	if err != nil {
		p.failRun(be, req.RunID, fmt.Sprintf("writing plan rows: %v", err))
		return
	}

	// Rows are durable before the terminal transition, so a reader seeing
	// COMPLETED always sees the plan.
	makespan := 0
	for _, row := range result.Rows {
		if row.EndTime > makespan {
			makespan = row.EndTime
		}
	}
	err = be.UpdateRunStatus(req.RunID, structs.RunStatusCompleted, &state.UpdateOpts{
		Makespan:     pointer.Of(makespan),
		SolverStatus: pointer.Of(result.Status),
	})
	if err != nil {
		logger.Error("failed to mark run completed", "error", err)
		return
	}

	metrics.IncrCounter([]string{"fjsmd", "planner", "completed"}, 1)
	logger.Info("run completed", "rows", written, "makespan", makespan, "solver_status", result.Status)
}

// failRun transitions a run to FAILED unless it is already terminal.
func (p *Planner) failRun(be state.Backend, runID, message string) {
	if meta, err := be.RunMeta(runID); err == nil && meta.Terminal() {
		return
	}
	err := be.UpdateRunStatus(runID, structs.RunStatusFailed, &state.UpdateOpts{
		ErrorMessage: pointer.Of(message),
	})
	if err != nil {
		p.logger.Error("failed to mark run failed", "run_id", runID, "error", err)
		return
	}
	metrics.IncrCounter([]string{"fjsmd", "planner", "failed"}, 1)
	p.logger.Warn("run failed", "run_id", runID, "error", message)
}

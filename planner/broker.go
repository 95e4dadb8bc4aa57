// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/fjsmd/fjsmd/structs"
)

// DefaultQueueDepth bounds the number of runs waiting for a worker.
const DefaultQueueDepth = 64

var (
	// ErrBrokerFull is returned when a submission would exceed the queue
	// depth. The caller fails the run rather than blocking the API edge.
	ErrBrokerFull = errors.New("run queue is full")

	// ErrBrokerShutdown is returned once the broker has been shut down.
	ErrBrokerShutdown = errors.New("run broker is shut down")
)

// RunRequest is one unit of work for the worker pool: a run id, the store
// backend it is bound to, and the optional lock list.
type RunRequest struct {
	RunID   string
	Backend string
	Locks   []*structs.Lock
}

// Broker is the in-process queue between run submission and the worker
// pool. Dequeue blocks until work arrives, the context ends, or the broker
// shuts down.
type Broker struct {
	logger hclog.Logger

	ch           chan *RunRequest
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewBroker returns a broker with the given queue depth.
func NewBroker(depth int, logger hclog.Logger) *Broker {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Broker{
		logger:     logger.Named("broker"),
		ch:         make(chan *RunRequest, depth),
		shutdownCh: make(chan struct{}),
	}
}

// Enqueue adds a run to the queue without blocking.
func (b *Broker) Enqueue(req *RunRequest) error {
	select {
	case <-b.shutdownCh:
		return ErrBrokerShutdown
	default:
	}

	select {
	case b.ch <- req:
		metrics.IncrCounter([]string{"fjsmd", "broker", "enqueue"}, 1)
		metrics.SetGauge([]string{"fjsmd", "broker", "depth"}, float32(len(b.ch)))
		return nil
	default:
		metrics.IncrCounter([]string{"fjsmd", "broker", "full"}, 1)
		return ErrBrokerFull
	}
}

// Dequeue blocks for the next run request.
func (b *Broker) Dequeue(ctx context.Context) (*RunRequest, error) {
	select {
	case req := <-b.ch:
		metrics.IncrCounter([]string{"fjsmd", "broker", "dequeue"}, 1)
		metrics.SetGauge([]string{"fjsmd", "broker", "depth"}, float32(len(b.ch)))
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.shutdownCh:
		return nil, ErrBrokerShutdown
	}
}

// Len returns the number of queued runs.
func (b *Broker) Len() int {
	return len(b.ch)
}

// Shutdown releases all blocked Dequeue calls. Queued requests are dropped;
// their runs stay PENDING and are visible to operators through the recents
// listing.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdownCh)
	})
}

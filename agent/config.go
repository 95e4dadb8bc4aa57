// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"time"
)

// Config holds the daemon configuration. Values come from flags with
// environment fallbacks; Merge lets a partially populated config override
// the defaults.
type Config struct {
	// BindAddr is the address:port the HTTP API listens on.
	BindAddr string

	// CatalogPath points at the machine catalogue JSON file.
	CatalogPath string

	// PackagesPath optionally points at a JSON package file used to seed
	// the document backend on startup.
	PackagesPath string

	// PostgresDSN is the relational backend connection string. Empty
	// disables the relational backend.
	PostgresDSN string

	// Workers is the plan worker pool size.
	Workers int

	// QueueDepth bounds the run queue.
	QueueDepth int

	// StageTimeout caps each solve stage.
	StageTimeout time.Duration

	// SearchWorkers is the parallel search fan-out inside the constraint
	// engine per solve stage.
	SearchWorkers int

	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:      "127.0.0.1:8000",
		CatalogPath:   "machines.json",
		Workers:       2,
		QueueDepth:    64,
		StageTimeout:  60 * time.Second,
		SearchWorkers: 4,
		LogLevel:      "INFO",
	}
}

// Merge returns a new config with b's non-zero fields layered over c.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.CatalogPath != "" {
		result.CatalogPath = b.CatalogPath
	}
	if b.PackagesPath != "" {
		result.PackagesPath = b.PackagesPath
	}
	if b.PostgresDSN != "" {
		result.PostgresDSN = b.PostgresDSN
	}
	if b.Workers != 0 {
		result.Workers = b.Workers
	}
	if b.QueueDepth != 0 {
		result.QueueDepth = b.QueueDepth
	}
	if b.StageTimeout != 0 {
		result.StageTimeout = b.StageTimeout
	}
	if b.SearchWorkers != 0 {
		result.SearchWorkers = b.SearchWorkers
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	return &result
}

// Validate checks the configuration for values that cannot possibly work.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("catalogue path must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.Workers)
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("stage timeout must be positive, got %s", c.StageTimeout)
	}
	return nil
}

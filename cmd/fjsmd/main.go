// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Command fjsmd runs the planning daemon: it loads the machine catalogue,
// wires the store backends, starts the plan worker pool and serves the
// HTTP API until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/fjsmd/fjsmd/agent"
	"github.com/fjsmd/fjsmd/catalog"
	"github.com/fjsmd/fjsmd/planner"
	"github.com/fjsmd/fjsmd/solver"
	"github.com/fjsmd/fjsmd/state"
	"github.com/fjsmd/fjsmd/structs"
)

func main() {
	os.Exit(run())
}

func run() int {
	config, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fjsmd: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "fjsmd",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	if err := config.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	cat, err := catalog.Load(config.CatalogPath)
	if err != nil {
		logger.Error("failed to load machine catalogue", "path", config.CatalogPath, "error", err)
		return 1
	}
	logger.Info("machine catalogue loaded", "path", config.CatalogPath,
		"tasks", len(cat.Tasks()), "machines", len(cat.Machines()))

	backends, err := buildBackends(config, logger)
	if err != nil {
		logger.Error("failed to initialize store backends", "error", err)
		return 1
	}

	p := planner.New(cat, backends, logger, &planner.Config{
		Workers:    config.Workers,
		QueueDepth: config.QueueDepth,
		Solver: &solver.Config{
			StageTimeout:  config.StageTimeout,
			SearchWorkers: config.SearchWorkers,
		},
	})
	p.Start()
	defer p.Shutdown()

	srv, err := agent.NewHTTPServer(p, config, logger)
	if err != nil {
		logger.Error("failed to start HTTP server", "error", err)
		return 1
	}
	defer srv.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("caught signal, shutting down", "signal", sig)
	return 0
}

// buildBackends wires the relational backend when a DSN is configured and
// always wires the document backend, optionally seeded from a JSON package
// file.
func buildBackends(config *agent.Config, logger hclog.Logger) (map[string]state.Backend, error) {
	backends := make(map[string]state.Backend)

	if config.PostgresDSN != "" {
		sqlStore := state.NewSQLStore(config.PostgresDSN, logger)
		if err := sqlStore.EnsureSchema(); err != nil {
			// The database may come up after the daemon; the schema is
			// retried implicitly by failing runs until it exists.
			logger.Warn("failed to ensure relational schema", "error", err)
		}
		backends[structs.BackendRelational] = sqlStore
	} else {
		logger.Warn("no postgres DSN configured, relational backend disabled")
	}

	docStore, err := state.NewDocStore(logger)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	if config.PackagesPath != "" {
		repo := state.NewJSONRepository(config.PackagesPath)
		pkgs, err := repo.ReadPackages()
		if err != nil {
			return nil, fmt.Errorf("seeding document store from %s: %w", config.PackagesPath, err)
		}
		for _, pkg := range pkgs {
			if err := docStore.UpsertPackage(pkg); err != nil {
				return nil, fmt.Errorf("seeding package %d: %w", pkg.PackageID, err)
			}
		}
		logger.Info("document store seeded", "path", config.PackagesPath, "packages", len(pkgs))
	}
	backends[structs.BackendDocument] = docStore

	return backends, nil
}

// parseFlags builds the configuration from command-line flags layered over
// environment variables layered over the defaults.
func parseFlags(args []string) (*agent.Config, error) {
	flags := flag.NewFlagSet("fjsmd", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: fjsmd [options]\n\n")
		flags.PrintDefaults()
	}

	cmdline := &agent.Config{}
	flags.StringVar(&cmdline.BindAddr, "bind", "", "HTTP listen address")
	flags.StringVar(&cmdline.CatalogPath, "catalog", "", "Path to the machine catalogue JSON file")
	flags.StringVar(&cmdline.PackagesPath, "packages", "", "Optional JSON package file seeding the document backend")
	flags.StringVar(&cmdline.PostgresDSN, "pg-dsn", "", "Postgres connection string for the relational backend")
	flags.IntVar(&cmdline.Workers, "workers", 0, "Plan worker pool size")
	flags.IntVar(&cmdline.QueueDepth, "queue-depth", 0, "Run queue depth")
	flags.DurationVar(&cmdline.StageTimeout, "stage-timeout", 0, "Wall-clock cap per solve stage")
	flags.IntVar(&cmdline.SearchWorkers, "search-workers", 0, "Parallel search workers per solve stage")
	flags.StringVar(&cmdline.LogLevel, "log-level", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	config := agent.DefaultConfig().Merge(configFromEnv()).Merge(cmdline)
	return config, nil
}

// configFromEnv reads the FJSMD_* environment fallbacks.
func configFromEnv() *agent.Config {
	env := &agent.Config{
		BindAddr:     os.Getenv("FJSMD_BIND"),
		CatalogPath:  os.Getenv("FJSMD_CATALOG"),
		PackagesPath: os.Getenv("FJSMD_PACKAGES"),
		PostgresDSN:  os.Getenv("FJSMD_PG_DSN"),
		LogLevel:     os.Getenv("FJSMD_LOG_LEVEL"),
	}
	if v := os.Getenv("FJSMD_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			env.StageTimeout = d
		}
	}
	return env
}

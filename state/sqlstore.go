// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lib/pq"

	"github.com/fjsmd/fjsmd/structs"
)

// SQLStore is the relational backend on PostgreSQL. A connection pool is
// opened and closed around every operation rather than cached on the store:
// worker pools may be recycled by process managers, and a connection checked
// out by a parent process cannot be safely reused after a fork.
type SQLStore struct {
	dsn    string
	logger hclog.Logger
}

// NewSQLStore returns a relational backend for the given DSN. No connection
// is made until the first operation.
func NewSQLStore(dsn string, logger hclog.Logger) *SQLStore {
	return &SQLStore{dsn: dsn, logger: logger.Named("sqlstore")}
}

func (s *SQLStore) open() (*sql.DB, error) {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the backing tables when they do not exist yet.
func (s *SQLStore) EnsureSchema() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS plan_metadata (
			run_id        TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			makespan      INTEGER,
			solver_status TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS plan_result (
			run_id           TEXT NOT NULL,
			task_instance_id INTEGER NOT NULL,
			job_id           INTEGER NOT NULL,
			task_name        TEXT NOT NULL,
			assigned_machine TEXT NOT NULL,
			start_time       INTEGER NOT NULL,
			end_time         INTEGER NOT NULL,
			package_uid      TEXT NOT NULL,
			PRIMARY KEY (run_id, task_instance_id)
		)`,
		`CREATE INDEX IF NOT EXISTS plan_result_start_time_idx ON plan_result (start_time)`,
		`CREATE TABLE IF NOT EXISTS packages (
			package_id INTEGER PRIMARY KEY,
			deadline   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			package_id INTEGER NOT NULL REFERENCES packages (package_id),
			job_id     INTEGER NOT NULL,
			PRIMARY KEY (package_id, job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id           SERIAL PRIMARY KEY,
			package_id        INTEGER NOT NULL,
			job_id            INTEGER NOT NULL,
			name              TEXT NOT NULL,
			mode              TEXT NOT NULL,
			phase             INTEGER NOT NULL,
			split_count       INTEGER NOT NULL DEFAULT 0,
			eligible_machines JSONB NOT NULL,
			FOREIGN KEY (package_id, job_id) REFERENCES jobs (package_id, job_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// CreateRunRecord implements PlanStore.
func (s *SQLStore) CreateRunRecord(runID string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO plan_metadata (run_id, status, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO NOTHING`,
		runID, structs.RunStatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("run metadata insert failed: %w", err)
	}
	return nil
}

// UpdateRunStatus implements PlanStore. COALESCE keeps prior values when the
// optional fields are null; timestamps are stamped by the status transition.
func (s *SQLStore) UpdateRunStatus(runID, status string, opts *UpdateOpts) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var makespan sql.NullInt64
	var solverStatus, errorMessage sql.NullString
	if opts != nil {
		if opts.Makespan != nil {
			makespan = sql.NullInt64{Int64: int64(*opts.Makespan), Valid: true}
		}
		if opts.SolverStatus != nil {
			solverStatus = sql.NullString{String: *opts.SolverStatus, Valid: true}
		}
		if opts.ErrorMessage != nil {
			errorMessage = sql.NullString{String: *opts.ErrorMessage, Valid: true}
		}
	}

	// The WHERE clause mirrors structs.ValidStatusTransition, so terminal
	// runs and out-of-order transitions are rejected by the database itself.
	res, err := db.Exec(`
		UPDATE plan_metadata SET
			status        = $2,
			started_at    = CASE WHEN $2 = 'RUNNING' THEN now() ELSE started_at END,
			completed_at  = CASE WHEN $2 IN ('COMPLETED', 'FAILED') THEN now() ELSE completed_at END,
			makespan      = COALESCE($3, makespan),
			solver_status = COALESCE($4, solver_status),
			error_message = COALESCE($5, error_message)
		WHERE run_id = $1
		  AND ((status = 'PENDING' AND $2 IN ('RUNNING', 'FAILED'))
		    OR (status = 'RUNNING' AND $2 IN ('COMPLETED', 'FAILED')))`,
		runID, status, makespan, solverStatus, errorMessage)
	if err != nil {
		return fmt.Errorf("run metadata update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run metadata update failed: %w", err)
	}
	if affected == 0 {
		var current string
		err := db.QueryRow(`SELECT status FROM plan_metadata WHERE run_id = $1`, runID).Scan(&current)
		if err == sql.ErrNoRows {
			return structs.ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("run metadata lookup failed: %w", err)
		}
		return fmt.Errorf("invalid status transition %s -> %s for run %s", current, status, runID)
	}
	return nil
}

// WriteResults implements PlanStore. Delete and bulk insert run inside one
// transaction so readers never observe a partial replacement.
func (s *SQLStore) WriteResults(runID string, rows []*structs.PlanRow) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plan_result WHERE run_id = $1`, runID); err != nil {
		return 0, fmt.Errorf("plan row delete failed: %w", err)
	}

	if len(rows) > 0 {
		stmt, err := tx.Prepare(pq.CopyIn("plan_result",
			"run_id", "task_instance_id", "job_id", "task_name",
			"assigned_machine", "start_time", "end_time", "package_uid"))
		if err != nil {
			return 0, fmt.Errorf("preparing bulk insert: %w", err)
		}
		for _, row := range rows {
			if _, err := stmt.Exec(runID, row.TaskInstanceID, row.JobID, row.TaskName,
				row.AssignedMachine, row.StartTime, row.EndTime, row.PackageUID); err != nil {
				stmt.Close()
				return 0, fmt.Errorf("plan row insert failed: %w", err)
			}
		}
		if _, err := stmt.Exec(); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("flushing bulk insert: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return 0, fmt.Errorf("closing bulk insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing plan rows: %w", err)
	}
	return len(rows), nil
}

// RunMeta implements PlanStore.
func (s *SQLStore) RunMeta(runID string) (*structs.RunMeta, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRow(`
		SELECT run_id, status, created_at, started_at, completed_at,
		       makespan, solver_status, error_message
		FROM plan_metadata WHERE run_id = $1`, runID)

	meta, err := scanRunMeta(row)
	if err == sql.ErrNoRows {
		return nil, structs.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("run metadata lookup failed: %w", err)
	}
	return meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunMeta(r rowScanner) (*structs.RunMeta, error) {
	var meta structs.RunMeta
	var startedAt, completedAt sql.NullTime
	var makespan sql.NullInt64
	var solverStatus, errorMessage sql.NullString

	err := r.Scan(&meta.RunID, &meta.Status, &meta.CreatedAt,
		&startedAt, &completedAt, &makespan, &solverStatus, &errorMessage)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		meta.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		meta.CompletedAt = &completedAt.Time
	}
	if makespan.Valid {
		v := int(makespan.Int64)
		meta.Makespan = &v
	}
	meta.SolverStatus = solverStatus.String
	meta.ErrorMessage = errorMessage.String
	return &meta, nil
}

// GanttRows implements PlanStore.
func (s *SQLStore) GanttRows(runID string) ([]*structs.PlanRow, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	result, err := db.Query(`
		SELECT task_instance_id, job_id, task_name, assigned_machine,
		       start_time, end_time, package_uid
		FROM plan_result
		WHERE run_id = $1
		ORDER BY start_time, task_instance_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("plan row lookup failed: %w", err)
	}
	defer result.Close()

	var rows []*structs.PlanRow
	for result.Next() {
		var row structs.PlanRow
		if err := result.Scan(&row.TaskInstanceID, &row.JobID, &row.TaskName,
			&row.AssignedMachine, &row.StartTime, &row.EndTime, &row.PackageUID); err != nil {
			return nil, fmt.Errorf("plan row scan failed: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, result.Err()
}

// RecentRuns implements PlanStore.
func (s *SQLStore) RecentRuns(limit int) ([]*structs.RunMeta, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	result, err := db.Query(`
		SELECT run_id, status, created_at, started_at, completed_at,
		       makespan, solver_status, error_message
		FROM plan_metadata
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("run metadata scan failed: %w", err)
	}
	defer result.Close()

	var out []*structs.RunMeta
	for result.Next() {
		meta, err := scanRunMeta(result)
		if err != nil {
			return nil, fmt.Errorf("run metadata scan failed: %w", err)
		}
		out = append(out, meta)
	}
	return out, result.Err()
}

// ReadPackages implements PackageRepository. The nested package shape is
// reassembled from the packages, jobs and tasks tables in one query.
func (s *SQLStore) ReadPackages() ([]*structs.Package, error) {
	db, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", structs.ErrRepository, err)
	}
	defer db.Close()

	result, err := db.Query(`
		SELECT p.package_id, p.deadline, t.job_id, t.task_id, t.name,
		       t.mode, t.phase, t.split_count, t.eligible_machines
		FROM packages p
		JOIN tasks t ON t.package_id = p.package_id
		ORDER BY p.package_id, t.job_id, t.task_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: package query failed: %v", structs.ErrRepository, err)
	}
	defer result.Close()

	var out []*structs.Package
	byID := make(map[int]*structs.Package)
	jobsByKey := make(map[[2]int]*structs.Job)

	for result.Next() {
		var packageID, jobID, taskID, phase, splitCount int
		var deadline, name, mode string
		var machinesRaw []byte
		if err := result.Scan(&packageID, &deadline, &jobID, &taskID,
			&name, &mode, &phase, &splitCount, &machinesRaw); err != nil {
			return nil, fmt.Errorf("%w: package scan failed: %v", structs.ErrRepository, err)
		}

		var machines []string
		if err := json.Unmarshal(machinesRaw, &machines); err != nil {
			return nil, fmt.Errorf("%w: bad eligible_machines for task %d: %v", structs.ErrRepository, taskID, err)
		}

		pkg := byID[packageID]
		if pkg == nil {
			pkg = &structs.Package{
				PackageID: packageID,
				Deadline:  deadline,
				Source:    structs.SourceRelational,
			}
			byID[packageID] = pkg
			out = append(out, pkg)
		}

		jobKey := [2]int{packageID, jobID}
		job := jobsByKey[jobKey]
		if job == nil {
			job = &structs.Job{JobID: jobID}
			jobsByKey[jobKey] = job
			pkg.Jobs = append(pkg.Jobs, job)
		}

		job.Tasks = append(job.Tasks, &structs.Task{
			TaskID:           taskID,
			Name:             name,
			Mode:             mode,
			Order:            phase,
			Count:            splitCount,
			EligibleMachines: machines,
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", structs.ErrRepository, err)
	}
	return out, nil
}

// AppendTask implements OrderWriter. Package and job rows are created on
// demand inside the same transaction as the task insert.
func (s *SQLStore) AppendTask(order *structs.TaskOrder) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO packages (package_id, deadline) VALUES ($1, $2)
		ON CONFLICT (package_id) DO UPDATE SET deadline = EXCLUDED.deadline
		WHERE EXCLUDED.deadline <> ''`,
		order.PackageID, order.Deadline)
	if err != nil {
		return 0, fmt.Errorf("package upsert failed: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO jobs (package_id, job_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		order.PackageID, order.JobID)
	if err != nil {
		return 0, fmt.Errorf("job upsert failed: %w", err)
	}

	machines, err := json.Marshal(order.EligibleMachines)
	if err != nil {
		return 0, fmt.Errorf("encoding eligible_machines: %w", err)
	}

	var taskID int
	err = tx.QueryRow(`
		INSERT INTO tasks (package_id, job_id, name, mode, phase, split_count, eligible_machines)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING task_id`,
		order.PackageID, order.JobID, order.JobType, order.Mode,
		order.Phase, order.Count, machines).Scan(&taskID)
	if err != nil {
		return 0, fmt.Errorf("task insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing order: %w", err)
	}
	return taskID, nil
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/fjsmd/fjsmd/structs"
)

// Table names for the document backend.
const (
	TableRunMeta  = "run_meta"
	TablePlanRows = "plan_rows"
	TablePackages = "packages"
)

const (
	indexID     = "id"
	indexCreate = "create"
	indexRunID  = "run_id"
)

// runMetaRecord wraps run metadata with the sortable creation timestamp the
// recents index needs.
type runMetaRecord struct {
	RunID      string
	CreateNano int64
	Meta       *structs.RunMeta
}

// planRowRecord wraps one plan row with its composite primary key.
type planRowRecord struct {
	ID    string // "<run_id>/<task_instance_id>"
	RunID string
	Row   *structs.PlanRow
}

// packageRecord is the stored shape of one input package document.
type packageRecord struct {
	PackageID int
	Deadline  string
	Jobs      []*structs.Job
}

func docStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			TableRunMeta: {
				Name: TableRunMeta,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "RunID"},
					},
					indexCreate: {
						Name:    indexCreate,
						Indexer: &memdb.IntFieldIndex{Field: "CreateNano"},
					},
				},
			},
			TablePlanRows: {
				Name: TablePlanRows,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexRunID: {
						Name:    indexRunID,
						Indexer: &memdb.StringFieldIndex{Field: "RunID"},
					},
				},
			},
			TablePackages: {
				Name: TablePackages,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "PackageID"},
					},
				},
			},
		},
	}
}

// DocStore is the document backend: an in-memory MVCC store holding package
// documents, run metadata and plan rows. It implements Backend.
type DocStore struct {
	db     *memdb.MemDB
	logger hclog.Logger
}

// NewDocStore constructs an empty document backend.
func NewDocStore(logger hclog.Logger) (*DocStore, error) {
	db, err := memdb.NewMemDB(docStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("building document store schema: %w", err)
	}
	return &DocStore{db: db, logger: logger.Named("docstore")}, nil
}

// CreateRunRecord implements PlanStore.
func (s *DocStore) CreateRunRecord(runID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableRunMeta, indexID, runID)
	if err != nil {
		return fmt.Errorf("run metadata lookup failed: %w", err)
	}
	if existing != nil {
		return nil
	}

	now := time.Now().UTC()
	record := &runMetaRecord{
		RunID:      runID,
		CreateNano: now.UnixNano(),
		Meta: &structs.RunMeta{
			RunID:     runID,
			Status:    structs.RunStatusPending,
			CreatedAt: now,
		},
	}
	if err := txn.Insert(TableRunMeta, record); err != nil {
		return fmt.Errorf("run metadata insert failed: %w", err)
	}

	txn.Commit()
	return nil
}

// UpdateRunStatus implements PlanStore.
func (s *DocStore) UpdateRunStatus(runID, status string, opts *UpdateOpts) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableRunMeta, indexID, runID)
	if err != nil {
		return fmt.Errorf("run metadata lookup failed: %w", err)
	}
	if raw == nil {
		return structs.ErrRunNotFound
	}
	old := raw.(*runMetaRecord)
	if !structs.ValidStatusTransition(old.Meta.Status, status) {
		return fmt.Errorf("invalid status transition %s -> %s for run %s", old.Meta.Status, status, runID)
	}

	meta := old.Meta.Copy()
	meta.Status = status
	now := time.Now().UTC()
	if status == structs.RunStatusRunning {
		meta.StartedAt = &now
	}
	if structs.IsTerminalStatus(status) {
		meta.CompletedAt = &now
	}
	if opts != nil {
		if opts.Makespan != nil {
			v := *opts.Makespan
			meta.Makespan = &v
		}
		if opts.SolverStatus != nil {
			meta.SolverStatus = *opts.SolverStatus
		}
		if opts.ErrorMessage != nil {
			meta.ErrorMessage = *opts.ErrorMessage
		}
	}

	record := &runMetaRecord{RunID: old.RunID, CreateNano: old.CreateNano, Meta: meta}
	if err := txn.Insert(TableRunMeta, record); err != nil {
		return fmt.Errorf("run metadata update failed: %w", err)
	}

	txn.Commit()
	return nil
}

// WriteResults implements PlanStore. Delete-then-insert inside one write
// transaction makes the replacement atomic for readers.
func (s *DocStore) WriteResults(runID string, rows []*structs.PlanRow) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(TablePlanRows, indexRunID, runID); err != nil {
		return 0, fmt.Errorf("plan row delete failed: %w", err)
	}

	for _, row := range rows {
		record := &planRowRecord{
			ID:    fmt.Sprintf("%s/%d", runID, row.TaskInstanceID),
			RunID: runID,
			Row:   row.Copy(),
		}
		if err := txn.Insert(TablePlanRows, record); err != nil {
			return 0, fmt.Errorf("plan row insert failed: %w", err)
		}
	}

	txn.Commit()
	return len(rows), nil
}

// RunMeta implements PlanStore.
func (s *DocStore) RunMeta(runID string) (*structs.RunMeta, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableRunMeta, indexID, runID)
	if err != nil {
		return nil, fmt.Errorf("run metadata lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrRunNotFound
	}
	return raw.(*runMetaRecord).Meta.Copy(), nil
}

// GanttRows implements PlanStore.
func (s *DocStore) GanttRows(runID string) ([]*structs.PlanRow, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TablePlanRows, indexRunID, runID)
	if err != nil {
		return nil, fmt.Errorf("plan row lookup failed: %w", err)
	}

	var rows []*structs.PlanRow
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rows = append(rows, raw.(*planRowRecord).Row.Copy())
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StartTime != rows[j].StartTime {
			return rows[i].StartTime < rows[j].StartTime
		}
		return rows[i].TaskInstanceID < rows[j].TaskInstanceID
	})
	return rows, nil
}

// RecentRuns implements PlanStore.
func (s *DocStore) RecentRuns(limit int) ([]*structs.RunMeta, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.GetReverse(TableRunMeta, indexCreate)
	if err != nil {
		return nil, fmt.Errorf("run metadata scan failed: %w", err)
	}

	var out []*structs.RunMeta
	for raw := iter.Next(); raw != nil && len(out) < limit; raw = iter.Next() {
		out = append(out, raw.(*runMetaRecord).Meta.Copy())
	}
	return out, nil
}

// ReadPackages implements PackageRepository. Every returned package is a
// deep copy tagged with the document source.
func (s *DocStore) ReadPackages() ([]*structs.Package, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TablePackages, indexID)
	if err != nil {
		return nil, fmt.Errorf("%w: package scan failed: %v", structs.ErrRepository, err)
	}

	var out []*structs.Package
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		record := raw.(*packageRecord)
		out = append(out, &structs.Package{
			PackageID: record.PackageID,
			Deadline:  record.Deadline,
			Source:    structs.SourceDocument,
			Jobs:      copyJobs(record.Jobs),
		})
	}
	return out, nil
}

// UpsertPackage replaces a package document wholesale. Used for seeding the
// document backend from a file at startup and by tests.
func (s *DocStore) UpsertPackage(pkg *structs.Package) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	record := &packageRecord{
		PackageID: pkg.PackageID,
		Deadline:  pkg.Deadline,
		Jobs:      copyJobs(pkg.Jobs),
	}
	if err := txn.Insert(TablePackages, record); err != nil {
		return fmt.Errorf("package insert failed: %w", err)
	}

	txn.Commit()
	return nil
}

// AppendTask implements OrderWriter. The surrounding package and job are
// created on demand; the new task id is unique within its package.
func (s *DocStore) AppendTask(order *structs.TaskOrder) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var record *packageRecord
	raw, err := txn.First(TablePackages, indexID, order.PackageID)
	if err != nil {
		return 0, fmt.Errorf("package lookup failed: %w", err)
	}
	if raw == nil {
		record = &packageRecord{PackageID: order.PackageID, Deadline: order.Deadline}
	} else {
		old := raw.(*packageRecord)
		record = &packageRecord{PackageID: old.PackageID, Deadline: old.Deadline, Jobs: copyJobs(old.Jobs)}
		if order.Deadline != "" {
			record.Deadline = order.Deadline
		}
	}

	var job *structs.Job
	for _, j := range record.Jobs {
		if j.JobID == order.JobID {
			job = j
			break
		}
	}
	if job == nil {
		job = &structs.Job{JobID: order.JobID}
		record.Jobs = append(record.Jobs, job)
	}

	taskID := 1
	for _, j := range record.Jobs {
		for _, task := range j.Tasks {
			if task.TaskID >= taskID {
				taskID = task.TaskID + 1
			}
		}
	}

	job.Tasks = append(job.Tasks, &structs.Task{
		TaskID:           taskID,
		Name:             order.JobType,
		Mode:             order.Mode,
		Order:            order.Phase,
		Count:            order.Count,
		EligibleMachines: append([]string(nil), order.EligibleMachines...),
	})

	if err := txn.Insert(TablePackages, record); err != nil {
		return 0, fmt.Errorf("package update failed: %w", err)
	}

	txn.Commit()
	return taskID, nil
}

func copyJobs(jobs []*structs.Job) []*structs.Job {
	out := make([]*structs.Job, len(jobs))
	for i, job := range jobs {
		nj := &structs.Job{JobID: job.JobID, Tasks: make([]*structs.Task, len(job.Tasks))}
		for k, task := range job.Tasks {
			nt := *task
			nt.EligibleMachines = append([]string(nil), task.EligibleMachines...)
			nj.Tasks[k] = &nt
		}
		out[i] = nj
	}
	return out
}

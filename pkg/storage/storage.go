package storage

import (
	"context"
	"time"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by every lookup by id that does not resolve.
var ErrNotFound = errors.New("not found")

// WorkflowStore is the read side of the workflow catalogue plus the minimal
// write needed to import graphs.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w models.Workflow) (string, error)
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)
}

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, status models.JobStatus, patch *models.JobPatch) error
	AppendJobLog(ctx context.Context, id string, entry models.JobLog) error
	SetJobDLQ(ctx context.Context, id string, moved bool, status models.JobStatus) error

	// FindStalledJobs returns unfinished records (pending, waiting, delayed
	// or active) not updated since before and not in the DLQ.
	FindStalledJobs(ctx context.Context, before time.Time) ([]models.Job, error)
	// FindIncompleteJobs returns the execution's records that are neither
	// finished nor recovered, excluding the DLQ.
	FindIncompleteJobs(ctx context.Context, executionID string) ([]models.Job, error)
	// ListExecutionJobs returns every record of the execution, oldest first.
	ListExecutionJobs(ctx context.Context, executionID string) ([]models.Job, error)
	// ListDLQJobs pages DLQ records newest first and returns the total count.
	ListDLQJobs(ctx context.Context, limit, offset int) ([]models.Job, int, error)
	JobStats(ctx context.Context) (models.JobStats, error)
}

// ExecutionStore persists workflow runs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e models.Execution) (string, error)
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	// LockExecution reads an execution for a read-modify-write within a
	// transaction.
	LockExecution(ctx context.Context, id string) (models.Execution, error)
	// SaveExecutionResults writes node results and cost fields, never status.
	SaveExecutionResults(ctx context.Context, e models.Execution) error
	UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMsg string) error
}

// Store defines the storage operations for genflow.
type Store interface {
	WorkflowStore
	JobStore
	ExecutionStore

	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error
}

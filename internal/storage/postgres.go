package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open connection, as used by tests.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping checks the connection, used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	return nil
}

type workflowRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Nodes     types.JSONText `db:"nodes"`
	Edges     types.JSONText `db:"edges"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r workflowRow) model() (models.Workflow, error) {
	wf := models.Workflow{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
	if err := json.Unmarshal(r.Nodes, &wf.Nodes); err != nil {
		return models.Workflow{}, fmt.Errorf("decode nodes of workflow %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Edges, &wf.Edges); err != nil {
		return models.Workflow{}, fmt.Errorf("decode edges of workflow %s: %w", r.ID, err)
	}
	return wf, nil
}

// SaveWorkflow inserts the workflow, or replaces its graph when the id
// already exists, and returns its ID
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.Workflow) (string, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Nodes == nil {
		w.Nodes = []models.Node{}
	}
	if w.Edges == nil {
		w.Edges = []models.Edge{}
	}
	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return "", fmt.Errorf("save workflow: %w", err)
	}
	edges, err := json.Marshal(w.Edges)
	if err != nil {
		return "", fmt.Errorf("save workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, nodes = EXCLUDED.nodes, edges = EXCLUDED.edges, updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Name, types.JSONText(nodes), types.JSONText(edges))
	if err != nil {
		return "", fmt.Errorf("save workflow: %w", err)
	}
	return w.ID, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, errors.Wrapf(storage.ErrNotFound, "workflow %s", id)
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return row.model()
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	rows := []workflowRow{}
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM workflows ORDER BY created_at DESC"); err != nil {
		return nil, err
	}
	workflows := make([]models.Workflow, 0, len(rows))
	for _, r := range rows {
		wf, err := r.model()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

type jobRow struct {
	ID           string             `db:"id"`
	QueueName    string             `db:"queue_name"`
	ExecutionID  string             `db:"execution_id"`
	NodeID       string             `db:"node_id"`
	Status       string             `db:"status"`
	Data         types.JSONText     `db:"data"`
	Result       types.NullJSONText `db:"result"`
	Error        string             `db:"error"`
	AttemptsMade int                `db:"attempts_made"`
	Progress     int                `db:"progress"`
	Logs         types.JSONText     `db:"logs"`
	MovedToDLQ   bool               `db:"moved_to_dlq"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
	CompletedAt  sql.NullTime       `db:"completed_at"`
}

func (r jobRow) model() (models.Job, error) {
	job := models.Job{
		ID:           r.ID,
		QueueName:    models.QueueName(r.QueueName),
		ExecutionID:  r.ExecutionID,
		NodeID:       r.NodeID,
		Status:       models.JobStatus(r.Status),
		Error:        r.Error,
		AttemptsMade: r.AttemptsMade,
		Progress:     r.Progress,
		MovedToDLQ:   r.MovedToDLQ,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	if err := json.Unmarshal(r.Data, &job.Data); err != nil {
		return models.Job{}, fmt.Errorf("decode data of job %s: %w", r.ID, err)
	}
	if r.Result.Valid && len(r.Result.JSONText) > 0 {
		if err := json.Unmarshal(r.Result.JSONText, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("decode result of job %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal(r.Logs, &job.Logs); err != nil {
		return models.Job{}, fmt.Errorf("decode logs of job %s: %w", r.ID, err)
	}
	return job, nil
}

func (s *PostgresStore) jobs(ctx context.Context, query string, args ...interface{}) ([]models.Job, error) {
	rows := []jobRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.model()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job.Data)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if job.Logs == nil {
		job.Logs = []models.JobLog{}
	}
	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue_name, execution_id, node_id, status, data, logs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)`,
		job.ID, job.QueueName, job.ExecutionID, job.NodeID, job.Status, types.JSONText(data), types.JSONText(logs), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	if err := checkID("job", id); err != nil {
		return models.Job{}, err
	}
	var row jobRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Job{}, errors.Wrapf(storage.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.model()
}

// UpdateJob sets the status and merges the non-nil patch fields.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, status models.JobStatus, patch *models.JobPatch) error {
	if err := checkID("job", id); err != nil {
		return err
	}
	if patch == nil {
		patch = &models.JobPatch{}
	}
	var result interface{}
	if patch.Result != nil {
		b, err := json.Marshal(patch.Result)
		if err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		result = types.JSONText(b)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END,
		result = COALESCE($3::jsonb, result),
		error = COALESCE($4, error),
		attempts_made = COALESCE($5, attempts_made),
		progress = COALESCE($6, progress),
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $7`,
		// status is passed twice so each occurrence gets its own parameter type
		status, status, result, patch.Error, patch.AttemptsMade, patch.Progress, id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return expectRow(res, "job", id)
}

func (s *PostgresStore) AppendJobLog(ctx context.Context, id string, entry models.JobLog) error {
	if err := checkID("job", id); err != nil {
		return err
	}
	b, err := json.Marshal([]models.JobLog{entry})
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET logs = logs || $1::jsonb, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		types.JSONText(b), id)
	if err != nil {
		return fmt.Errorf("append job log %s: %w", id, err)
	}
	return expectRow(res, "job", id)
}

func (s *PostgresStore) SetJobDLQ(ctx context.Context, id string, moved bool, status models.JobStatus) error {
	if err := checkID("job", id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET moved_to_dlq = $1, status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		moved, status, id)
	if err != nil {
		return fmt.Errorf("set dlq flag of job %s: %w", id, err)
	}
	return expectRow(res, "job", id)
}

func (s *PostgresStore) FindStalledJobs(ctx context.Context, before time.Time) ([]models.Job, error) {
	return s.jobs(ctx, `
		SELECT * FROM jobs
		WHERE status IN ('pending', 'waiting', 'delayed', 'active') AND NOT moved_to_dlq AND updated_at < $1
		ORDER BY created_at`, before)
}

func (s *PostgresStore) ListExecutionJobs(ctx context.Context, executionID string) ([]models.Job, error) {
	if _, err := uuid.Parse(executionID); err != nil {
		return []models.Job{}, nil
	}
	return s.jobs(ctx, `
		SELECT * FROM jobs WHERE execution_id = $1
		ORDER BY created_at`, executionID)
}

func (s *PostgresStore) FindIncompleteJobs(ctx context.Context, executionID string) ([]models.Job, error) {
	if _, err := uuid.Parse(executionID); err != nil {
		return []models.Job{}, nil
	}
	return s.jobs(ctx, `
		SELECT * FROM jobs
		WHERE execution_id = $1 AND NOT moved_to_dlq
		AND status NOT IN ('completed', 'failed', 'recovered')
		ORDER BY created_at`, executionID)
}

func (s *PostgresStore) ListDLQJobs(ctx context.Context, limit, offset int) ([]models.Job, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM jobs WHERE moved_to_dlq"); err != nil {
		return nil, 0, fmt.Errorf("count dlq jobs: %w", err)
	}
	jobs, err := s.jobs(ctx, `
		SELECT * FROM jobs WHERE moved_to_dlq
		ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dlq jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *PostgresStore) JobStats(ctx context.Context) (models.JobStats, error) {
	var row struct {
		Total     int `db:"total"`
		Pending   int `db:"pending"`
		Active    int `db:"active"`
		Completed int `db:"completed"`
		Failed    int `db:"failed"`
		Recovered int `db:"recovered"`
		InDLQ     int `db:"in_dlq"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'active') AS active,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'recovered') AS recovered,
			COUNT(*) FILTER (WHERE moved_to_dlq) AS in_dlq
		FROM jobs`)
	if err != nil {
		return models.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return models.JobStats(row), nil
}

type executionRow struct {
	ID                string         `db:"id"`
	WorkflowID        string         `db:"workflow_id"`
	ParentExecutionID sql.NullString `db:"parent_execution_id"`
	Status            string         `db:"status"`
	Error             string         `db:"error"`
	NodeResults       types.JSONText `db:"node_results"`
	TotalCost         float64        `db:"total_cost"`
	CostSummary       types.JSONText `db:"cost_summary"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r executionRow) model() (models.Execution, error) {
	e := models.Execution{
		ID:                r.ID,
		WorkflowID:        r.WorkflowID,
		ParentExecutionID: r.ParentExecutionID.String,
		Status:            models.ExecutionStatus(r.Status),
		Error:             r.Error,
		TotalCost:         r.TotalCost,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := json.Unmarshal(r.NodeResults, &e.NodeResults); err != nil {
		return models.Execution{}, fmt.Errorf("decode node results of execution %s: %w", r.ID, err)
	}
	if e.NodeResults == nil {
		e.NodeResults = map[string]models.NodeResult{}
	}
	if err := json.Unmarshal(r.CostSummary, &e.CostSummary); err != nil {
		return models.Execution{}, fmt.Errorf("decode cost summary of execution %s: %w", r.ID, err)
	}
	return e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e models.Execution) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.PendingExecutionStatus
	}
	if e.NodeResults == nil {
		e.NodeResults = map[string]models.NodeResult{}
	}
	results, err := json.Marshal(e.NodeResults)
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	summary, err := json.Marshal(e.CostSummary)
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	parent := sql.NullString{String: e.ParentExecutionID, Valid: e.ParentExecutionID != ""}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, parent_execution_id, status, node_results, total_cost, cost_summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		e.ID, e.WorkflowID, parent, e.Status, types.JSONText(results), e.TotalCost, types.JSONText(summary))
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	return e.ID, nil
}

func (s *PostgresStore) getExecution(ctx context.Context, query, id string) (models.Execution, error) {
	if err := checkID("execution", id); err != nil {
		return models.Execution{}, err
	}
	var row executionRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return models.Execution{}, errors.Wrapf(storage.ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("get execution %s: %w", id, err)
	}
	return row.model()
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	return s.getExecution(ctx, "SELECT * FROM executions WHERE id = $1", id)
}

// LockExecution selects the row FOR UPDATE; it only serialises writers
// when called on a transaction.
func (s *PostgresStore) LockExecution(ctx context.Context, id string) (models.Execution, error) {
	return s.getExecution(ctx, "SELECT * FROM executions WHERE id = $1 FOR UPDATE", id)
}

func (s *PostgresStore) SaveExecutionResults(ctx context.Context, e models.Execution) error {
	results, err := json.Marshal(e.NodeResults)
	if err != nil {
		return fmt.Errorf("save execution results: %w", err)
	}
	summary, err := json.Marshal(e.CostSummary)
	if err != nil {
		return fmt.Errorf("save execution results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET node_results = $1, total_cost = $2, cost_summary = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		types.JSONText(results), e.TotalCost, types.JSONText(summary), e.ID)
	if err != nil {
		return fmt.Errorf("save execution results %s: %w", e.ID, err)
	}
	return expectRow(res, "execution", e.ID)
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMsg string) error {
	if err := checkID("execution", id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET status = $1, error = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		status, errorMsg, id)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	return expectRow(res, "execution", id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

// checkID maps ids that cannot exist in a UUID column to ErrNotFound
// instead of a driver error.
func checkID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

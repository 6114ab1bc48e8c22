package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/pkg/errors"
)

type memData struct {
	mu         sync.RWMutex
	workflows  map[string]models.Workflow
	jobs       map[string]models.Job
	executions map[string]models.Execution
	now        func() time.Time
}

// mockStore implements Store in memory. Transactions serialise with each
// other but do not roll back writes.
type mockStore struct {
	data *memData
	txMu *sync.Mutex
	// inTx is set on the view returned by Begin
	inTx bool
	once *sync.Once
}

// NewMockStore returns an empty in-memory Store.
func NewMockStore() Store {
	return NewMockStoreWithClock(time.Now)
}

// NewMockStoreWithClock returns an in-memory Store that stamps records with
// the given clock.
func NewMockStoreWithClock(now func() time.Time) Store {
	return &mockStore{
		data: &memData{
			workflows:  make(map[string]models.Workflow),
			jobs:       make(map[string]models.Job),
			executions: make(map[string]models.Execution),
			now:        now,
		},
		txMu: &sync.Mutex{},
	}
}

func (m *mockStore) Begin() (Store, error) {
	if m.inTx {
		return nil, errors.New("transaction already open")
	}
	m.txMu.Lock()
	return &mockStore{data: m.data, txMu: m.txMu, inTx: true, once: &sync.Once{}}, nil
}

func (m *mockStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	m.once.Do(m.txMu.Unlock)
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	m.once.Do(m.txMu.Unlock)
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveWorkflow(ctx context.Context, w models.Workflow) (string, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := d.now()
	if existing, ok := d.workflows[w.ID]; ok {
		w.CreatedAt = existing.CreatedAt
	} else if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	d.workflows[w.ID] = w
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	d := m.data
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workflows[id]
	if !ok {
		return models.Workflow{}, errors.Wrapf(ErrNotFound, "workflow %s", id)
	}
	return w, nil
}

func (m *mockStore) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	d := m.data
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Workflow, 0, len(d.workflows))
	for _, w := range d.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) CreateJob(ctx context.Context, job models.Job) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.jobs[job.ID]; ok {
		return errors.Errorf("job %s already exists", job.ID)
	}
	now := d.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Logs = append([]models.JobLog(nil), job.Logs...)
	d.jobs[job.ID] = job
	return nil
}

func (m *mockStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	d := m.data
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return copyJob(j), nil
}

func (m *mockStore) UpdateJob(ctx context.Context, id string, status models.JobStatus, patch *models.JobPatch) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	j.Apply(status, patch, d.now())
	d.jobs[id] = j
	return nil
}

func (m *mockStore) AppendJobLog(ctx context.Context, id string, entry models.JobLog) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	j.Logs = append(append([]models.JobLog(nil), j.Logs...), entry)
	j.UpdatedAt = d.now()
	d.jobs[id] = j
	return nil
}

func (m *mockStore) SetJobDLQ(ctx context.Context, id string, moved bool, status models.JobStatus) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	j.MovedToDLQ = moved
	j.Status = status
	j.UpdatedAt = d.now()
	d.jobs[id] = j
	return nil
}

func (m *mockStore) FindStalledJobs(ctx context.Context, before time.Time) ([]models.Job, error) {
	return m.filterJobs(func(j models.Job) bool {
		switch j.Status {
		case models.PendingJobStatus, models.WaitingJobStatus, models.DelayedJobStatus, models.ActiveJobStatus:
			return !j.MovedToDLQ && j.UpdatedAt.Before(before)
		}
		return false
	}), nil
}

func (m *mockStore) ListExecutionJobs(ctx context.Context, executionID string) ([]models.Job, error) {
	return m.filterJobs(func(j models.Job) bool { return j.ExecutionID == executionID }), nil
}

func (m *mockStore) FindIncompleteJobs(ctx context.Context, executionID string) ([]models.Job, error) {
	return m.filterJobs(func(j models.Job) bool {
		if j.ExecutionID != executionID || j.MovedToDLQ {
			return false
		}
		switch j.Status {
		case models.CompletedJobStatus, models.FailedJobStatus, models.RecoveredJobStatus:
			return false
		}
		return true
	}), nil
}

func (m *mockStore) ListDLQJobs(ctx context.Context, limit, offset int) ([]models.Job, int, error) {
	all := m.filterJobs(func(j models.Job) bool { return j.MovedToDLQ })
	sort.SliceStable(all, func(i, k int) bool { return all[i].UpdatedAt.After(all[k].UpdatedAt) })
	total := len(all)
	if offset >= total {
		return []models.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockStore) JobStats(ctx context.Context) (models.JobStats, error) {
	d := m.data
	d.mu.RLock()
	defer d.mu.RUnlock()
	var stats models.JobStats
	for _, j := range d.jobs {
		stats.Total++
		if j.MovedToDLQ {
			stats.InDLQ++
		}
		switch j.Status {
		case models.PendingJobStatus:
			stats.Pending++
		case models.ActiveJobStatus:
			stats.Active++
		case models.CompletedJobStatus:
			stats.Completed++
		case models.FailedJobStatus:
			stats.Failed++
		case models.RecoveredJobStatus:
			stats.Recovered++
		}
	}
	return stats, nil
}

func (m *mockStore) filterJobs(keep func(models.Job) bool) []models.Job {
	d := m.data
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []models.Job{}
	for _, j := range d.jobs {
		if keep(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (m *mockStore) CreateExecution(ctx context.Context, e models.Execution) (string, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.PendingExecutionStatus
	}
	now := d.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.NodeResults = copyResults(e.NodeResults)
	d.executions[e.ID] = e
	return e.ID, nil
}

func (m *mockStore) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	d := m.data
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.executions[id]
	if !ok {
		return models.Execution{}, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	e.NodeResults = copyResults(e.NodeResults)
	return e, nil
}

func (m *mockStore) LockExecution(ctx context.Context, id string) (models.Execution, error) {
	return m.GetExecution(ctx, id)
}

func (m *mockStore) SaveExecutionResults(ctx context.Context, e models.Execution) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	stored, ok := d.executions[e.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "execution %s", e.ID)
	}
	stored.NodeResults = copyResults(e.NodeResults)
	stored.TotalCost = e.TotalCost
	stored.CostSummary = e.CostSummary
	stored.UpdatedAt = d.now()
	d.executions[e.ID] = stored
	return nil
}

func (m *mockStore) UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMsg string) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.executions[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	e.Status = status
	e.Error = errorMsg
	e.UpdatedAt = d.now()
	d.executions[id] = e
	return nil
}

func copyJob(j models.Job) models.Job {
	j.Logs = append([]models.JobLog(nil), j.Logs...)
	return j
}

func copyResults(in map[string]models.NodeResult) map[string]models.NodeResult {
	out := make(map[string]models.NodeResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

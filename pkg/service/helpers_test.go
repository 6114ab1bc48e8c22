package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/provider"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/ignatij/genflow/pkg/service"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (logger) Debugf(format string, args ...interface{}) {}
func (logger) Infof(format string, args ...interface{})  {}
func (logger) Warnf(format string, args ...interface{})  {}
func (logger) Errorf(format string, args ...interface{}) {}

type enqueued struct {
	Queue   models.QueueName
	ID      string
	Payload []byte
}

func (e enqueued) data(t *testing.T) models.JobData {
	t.Helper()
	var d models.JobData
	require.NoError(t, json.Unmarshal(e.Payload, &d))
	return d
}

// recordingRuntime captures enqueues without running anything.
type recordingRuntime struct {
	mu         sync.Mutex
	jobs       []enqueued
	held       map[string]bool
	hasErr     map[string]error
	removed    []string
	enqueueErr error
	// failFrom lets the first failFrom enqueues through before enqueueErr applies.
	failFrom int
}

func newRecordingRuntime() *recordingRuntime {
	return &recordingRuntime{held: map[string]bool{}, hasErr: map[string]error{}}
}

func (r *recordingRuntime) Enqueue(ctx context.Context, q models.QueueName, jobID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enqueueErr != nil && len(r.jobs) >= r.failFrom {
		return r.enqueueErr
	}
	r.jobs = append(r.jobs, enqueued{Queue: q, ID: jobID, Payload: payload})
	return nil
}

func (r *recordingRuntime) OnProcess(models.QueueName, queue.Handler) error { return nil }
func (r *recordingRuntime) Concurrency(models.QueueName) int                { return 1 }
func (r *recordingRuntime) Start(context.Context) error                     { return nil }
func (r *recordingRuntime) Stop()                                           {}

func (r *recordingRuntime) Has(ctx context.Context, q models.QueueName, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hasErr[jobID]; err != nil {
		return false, err
	}
	return r.held[jobID], nil
}

func (r *recordingRuntime) Remove(ctx context.Context, q models.QueueName, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, jobID)
	return nil
}

func (r *recordingRuntime) onQueue(q models.QueueName) []enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []enqueued
	for _, e := range r.jobs {
		if e.Queue == q {
			out = append(out, e)
		}
	}
	return out
}

// fakeProvider replays scripted poll results; the last one repeats.
type fakeProvider struct {
	mu          sync.Mutex
	script      []provider.PollResult
	dispatchErr error
	pollErr     error
	dispatched  []provider.Params
	polls       int
}

func succeedingProvider(output map[string]any) *fakeProvider {
	return &fakeProvider{script: []provider.PollResult{{Status: provider.SucceededStatus, Output: output}}}
}

func (p *fakeProvider) Dispatch(ctx context.Context, params provider.Params) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatchErr != nil {
		return "", p.dispatchErr
	}
	p.dispatched = append(p.dispatched, params)
	return "op-1", nil
}

func (p *fakeProvider) PollStatus(ctx context.Context, opID string) (provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.pollErr != nil {
		return provider.PollResult{}, p.pollErr
	}
	i := p.polls - 1
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i], nil
}

func (p *fakeProvider) pollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func (p *fakeProvider) dispatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatched)
}

var fastPoll = service.PollConfig{Interval: time.Millisecond, MaxAttempts: 5, StartProgress: 20, EndProgress: 95}

// harness wires the services over the in-memory store.
type harness struct {
	store      storage.Store
	runtime    queue.Runtime
	queues     *service.QueueManager
	executions *service.ExecutionService
	workflows  *service.WorkflowService
}

func newHarness(store storage.Store, rt queue.Runtime) *harness {
	queues := service.NewQueueManager(store, rt, logger{})
	executions := service.NewExecutionService(store, logger{})
	return &harness{
		store:      store,
		runtime:    rt,
		queues:     queues,
		executions: executions,
		workflows:  service.NewWorkflowService(store, executions, queues, logger{}),
	}
}

func (h *harness) saveWorkflow(t *testing.T, nodes []models.Node, edges []models.Edge) string {
	t.Helper()
	id, err := h.store.SaveWorkflow(context.Background(), models.Workflow{Name: "test", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	return id
}

// nodeJob enqueues a node job and returns the delivery a runtime would make
// on the given attempt.
func (h *harness) nodeJob(t *testing.T, executionID string, node models.Node, dependsOn []string, attemptsMade int) *queue.Job {
	t.Helper()
	id, err := h.queues.EnqueueNode(context.Background(), executionID, "wf", node.ID, node.Type, node.Data, dependsOn)
	require.NoError(t, err)
	q, err := models.QueueForNodeType(node.Type)
	require.NoError(t, err)
	payload, err := json.Marshal(models.JobData{
		ExecutionID: executionID,
		WorkflowID:  "wf",
		NodeID:      node.ID,
		NodeType:    node.Type,
		NodeData:    node.Data,
		DependsOn:   dependsOn,
	})
	require.NoError(t, err)
	return queue.NewJob(id, q, payload, attemptsMade, 3, nil)
}

// newRun creates an execution whose nodes are all pending.
func (h *harness) newRun(t *testing.T, nodeIDs ...string) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.executions.Create(ctx, "wf", "")
	require.NoError(t, err)
	_, err = h.executions.PrepareRun(ctx, id, nodeIDs, 0)
	require.NoError(t, err)
	require.NoError(t, h.executions.UpdateExecutionStatus(ctx, id, models.RunningExecutionStatus, ""))
	return id
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) execution(t *testing.T, id string) models.Execution {
	t.Helper()
	e, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return e
}

func hasLog(job models.Job, message string) bool {
	for _, l := range job.Logs {
		if l.Message == message {
			return true
		}
	}
	return false
}

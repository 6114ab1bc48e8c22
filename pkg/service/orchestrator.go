package service

import (
	"context"
	"fmt"

	"github.com/ignatij/genflow/pkg/graph"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/pkg/errors"
)

// Orchestrator consumes the orchestration queue: it plans a run and fans
// its nodes out to the provider queues. workflowRef node jobs share the
// queue and are handed to a node processor.
type Orchestrator struct {
	workflows  storage.WorkflowStore
	queues     *QueueManager
	executions *ExecutionService
	handlers   HandlerTable
	nodes      *NodeProcessor
	logger     Logger
}

func NewOrchestrator(workflows storage.WorkflowStore, queues *QueueManager, executions *ExecutionService, handlers HandlerTable, logger Logger) *Orchestrator {
	return &Orchestrator{
		workflows:  workflows,
		queues:     queues,
		executions: executions,
		handlers:   handlers,
		nodes:      NewNodeProcessor(models.WorkflowOrchestrationQueue, queues, executions, handlers, logger),
		logger:     logger,
	}
}

// NodeProcessor returns the processor used for node jobs on the
// orchestration queue.
func (o *Orchestrator) NodeProcessor() *NodeProcessor {
	return o.nodes
}

// Process is the queue handler of the orchestration queue.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) error {
	data, err := DecodeJobData(job)
	if err != nil {
		return o.fail(ctx, job, data, err)
	}
	if data.IsNodeJob() {
		return o.nodes.Process(ctx, job)
	}

	attempt := job.AttemptsMade + 1
	if err := o.queues.UpdateJobStatus(ctx, job.ID, models.ActiveJobStatus, &models.JobPatch{AttemptsMade: &attempt}); err != nil {
		return err
	}
	if err := o.queues.AddJobLog(ctx, job.ID, fmt.Sprintf("Orchestrating workflow %s", data.WorkflowID), models.InfoLogLevel); err != nil {
		return err
	}

	exec, err := o.executions.Get(ctx, data.ExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = queue.Unrecoverable(err)
		}
		return o.fail(ctx, job, data, err)
	}
	if exec.Status == models.CancelledExecutionStatus {
		if err := o.queues.UpdateJobStatus(ctx, job.ID, models.CompletedJobStatus, &models.JobPatch{Result: map[string]any{"skipped": true}}); err != nil {
			return err
		}
		return o.queues.AddJobLog(ctx, job.ID, "Execution cancelled before orchestration", models.WarnLogLevel)
	}
	if err := o.executions.UpdateExecutionStatus(ctx, data.ExecutionID, models.RunningExecutionStatus, ""); err != nil {
		return err
	}

	order, enqueued, err := o.fanOut(ctx, data)
	if err != nil {
		return o.fail(ctx, job, data, err)
	}

	full := 100
	result := map[string]any{
		"enqueuedNodes":  len(enqueued),
		"executionOrder": order,
		"jobIds":         enqueued,
	}
	if err := o.queues.UpdateJobStatus(ctx, job.ID, models.CompletedJobStatus, &models.JobPatch{Result: result, Progress: &full}); err != nil {
		return err
	}
	o.logger.Infof("Execution %s: enqueued %d node jobs", data.ExecutionID, len(enqueued))
	return o.queues.AddJobLog(ctx, job.ID, fmt.Sprintf("Enqueued %d node jobs", len(enqueued)), models.InfoLogLevel)
}

// fanOut validates the graph and enqueues one job per node in topological
// order. It returns the order and the enqueued job ids keyed by node.
func (o *Orchestrator) fanOut(ctx context.Context, data models.JobData) ([]string, map[string]string, error) {
	wf, err := o.workflows.GetWorkflow(ctx, data.WorkflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, queue.Unrecoverable(err)
		}
		return nil, nil, err
	}
	if err := graph.Validate(wf.Nodes, wf.Edges); err != nil {
		return nil, nil, queue.Unrecoverable(errors.Wrap(ErrInvalidWorkflow, err.Error()))
	}
	if graph.DetectCycles(wf.Nodes, wf.Edges) {
		return nil, nil, queue.Unrecoverable(ErrWorkflowContainsCycles)
	}

	order := graph.TopologicalSort(wf.Nodes, wf.Edges)
	if len(order) == 0 {
		o.logger.Infof("Workflow %s has no nodes, execution %s completes immediately", wf.ID, data.ExecutionID)
		return order, map[string]string{}, o.executions.UpdateExecutionStatus(ctx, data.ExecutionID, models.CompletedExecutionStatus, "")
	}
	deps := graph.BuildDependencyMap(wf.Nodes, wf.Edges)

	// A retried fan-out only enqueues the nodes an earlier attempt missed.
	enqueued, err := o.queues.LiveNodeJobs(ctx, data.ExecutionID)
	if err != nil {
		return nil, nil, err
	}
	missing := make([]string, 0, len(order))
	for _, nodeID := range order {
		if jobID, ok := enqueued[nodeID]; ok {
			o.logger.Infof("Node %s of execution %s already has job %s", nodeID, data.ExecutionID, jobID)
			continue
		}
		missing = append(missing, nodeID)
	}

	if _, err := o.executions.PrepareRun(ctx, data.ExecutionID, missing, o.estimate(wf)); err != nil {
		return nil, nil, err
	}

	for _, nodeID := range missing {
		node, ok := wf.Node(nodeID)
		if !ok {
			o.logger.Warnf("Node %s of workflow %s vanished while planning", nodeID, wf.ID)
			continue
		}
		jobID, err := o.queues.EnqueueNode(ctx, data.ExecutionID, wf.ID, node.ID, node.Type, node.Data, deps[node.ID])
		if err != nil {
			return nil, nil, err
		}
		enqueued[node.ID] = jobID
	}
	return order, enqueued, nil
}

func (o *Orchestrator) estimate(wf models.Workflow) float64 {
	var total float64
	for _, n := range wf.Nodes {
		h, ok := o.handlers[n.Type]
		if !ok {
			continue
		}
		total += h.Cost(h.Materialize(n.Data))
	}
	return total
}

func (o *Orchestrator) fail(ctx context.Context, job *queue.Job, data models.JobData, cause error) error {
	if ctx.Err() != nil && !queue.IsUnrecoverable(cause) {
		o.logger.Warnf("Orchestration job %s interrupted: %v", job.ID, cause)
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	attempt := job.AttemptsMade + 1
	o.logger.Errorf("Orchestration job %s failed (attempt %d/%d): %s", job.ID, attempt, job.Attempts, msg)
	if err := o.queues.UpdateJobStatus(ctx, job.ID, models.FailedJobStatus, &models.JobPatch{Error: &msg, AttemptsMade: &attempt}); err != nil {
		o.logger.Errorf("Failed to record failure of job %s: %v", job.ID, err)
	}
	if err := o.queues.AddJobLog(ctx, job.ID, fmt.Sprintf("Orchestration failed: %s", msg), models.ErrorLogLevel); err != nil {
		o.logger.Errorf("Failed to log failure of job %s: %v", job.ID, err)
	}
	if data.ExecutionID != "" {
		if err := o.executions.UpdateExecutionStatus(ctx, data.ExecutionID, models.FailedExecutionStatus, msg); err != nil {
			o.logger.Errorf("Failed to mark execution %s failed: %v", data.ExecutionID, err)
		}
	}
	if job.IsFinalAttempt() || queue.IsUnrecoverable(cause) {
		if err := o.queues.MoveToDeadLetterQueue(ctx, job.ID, job.Queue, msg); err != nil {
			o.logger.Errorf("Failed to move job %s to the DLQ: %v", job.ID, err)
		}
	}
	return cause
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/genflow/internal/metrics"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/pkg/errors"
)

// DefaultDependencyDelay is how long a node job waits before re-checking
// dependencies that have not completed yet.
const DefaultDependencyDelay = 2 * time.Second

// NodeProcessor executes the node jobs of one queue.
type NodeProcessor struct {
	queue      models.QueueName
	queues     *QueueManager
	executions *ExecutionService
	handlers   HandlerTable
	logger     Logger

	dependencyDelay time.Duration
}

func NewNodeProcessor(q models.QueueName, queues *QueueManager, executions *ExecutionService, handlers HandlerTable, logger Logger) *NodeProcessor {
	return &NodeProcessor{
		queue:           q,
		queues:          queues,
		executions:      executions,
		handlers:        handlers.ForQueue(q),
		logger:          logger,
		dependencyDelay: DefaultDependencyDelay,
	}
}

// WithDependencyDelay overrides the dependency re-check interval.
func (p *NodeProcessor) WithDependencyDelay(d time.Duration) *NodeProcessor {
	p.dependencyDelay = d
	return p
}

// NewNodeProcessors builds one processor per queue that has handlers.
func NewNodeProcessors(queues *QueueManager, executions *ExecutionService, handlers HandlerTable, logger Logger) map[models.QueueName]*NodeProcessor {
	out := make(map[models.QueueName]*NodeProcessor)
	for _, q := range models.AllQueues {
		p := NewNodeProcessor(q, queues, executions, handlers, logger)
		if len(p.handlers) > 0 {
			out[q] = p
		}
	}
	return out
}

// Process is the queue handler for node jobs.
func (p *NodeProcessor) Process(ctx context.Context, job *queue.Job) error {
	data, err := DecodeJobData(job)
	if err != nil {
		return p.fail(ctx, job, models.JobData{}, err)
	}
	if !data.IsNodeJob() {
		return p.fail(ctx, job, data, queue.Unrecoverable(fmt.Errorf("job %s on %s carries no node", job.ID, p.queue)))
	}

	exec, err := p.executions.Get(ctx, data.ExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = queue.Unrecoverable(err)
		}
		return p.fail(ctx, job, data, err)
	}
	if exec.Status == models.CancelledExecutionStatus {
		return p.skip(ctx, job, data)
	}

	inputs, waiting, err := dependencyInputs(exec, data.DependsOn)
	if err != nil {
		return p.fail(ctx, job, data, queue.Unrecoverable(err))
	}
	if waiting != "" {
		if err := p.queues.UpdateJobStatus(ctx, job.ID, models.WaitingJobStatus, nil); err != nil {
			return err
		}
		p.logger.Debugf("Node %s of execution %s waits on %s", data.NodeID, data.ExecutionID, waiting)
		return queue.Delay(p.dependencyDelay, fmt.Sprintf("waiting on node %s", waiting))
	}

	handler, ok := p.handlers[data.NodeType]
	if !ok {
		return p.fail(ctx, job, data, queue.Unrecoverable(fmt.Errorf("no handler registered for node type '%s' on %s", data.NodeType, p.queue)))
	}

	attempt := job.AttemptsMade + 1
	if err := p.queues.UpdateJobStatus(ctx, job.ID, models.ActiveJobStatus, &models.JobPatch{AttemptsMade: &attempt}); err != nil {
		return err
	}
	if err := p.queues.AddJobLog(ctx, job.ID, fmt.Sprintf("Processing %s node %s (attempt %d/%d)", data.NodeType, data.NodeID, attempt, job.Attempts), models.InfoLogLevel); err != nil {
		return err
	}
	if _, err := p.executions.UpdateNodeResult(ctx, data.ExecutionID, models.NodeResult{
		NodeID: data.NodeID,
		Status: models.ProcessingNodeStatus,
	}); err != nil {
		return err
	}

	progress := p.progress(ctx, job)
	progress(5)

	params := handler.Materialize(data.NodeData)
	if len(inputs) > 0 {
		params["inputs"] = inputs
	}
	result, err := handler.Execute(ctx, &NodeRun{Job: job, Data: data, Params: params, Progress: progress})
	if err != nil {
		return p.fail(ctx, job, data, err)
	}
	if !result.Success {
		return p.fail(ctx, job, data, errors.New(result.Error))
	}

	result.Cost = handler.Cost(params)
	full := 100
	if err := p.queues.UpdateJobStatus(ctx, job.ID, models.CompletedJobStatus, &models.JobPatch{Result: result.Map(), Progress: &full}); err != nil {
		return err
	}
	if err := p.queues.AddJobLog(ctx, job.ID, fmt.Sprintf("Node %s completed (cost %.4f)", data.NodeID, result.Cost), models.InfoLogLevel); err != nil {
		return err
	}
	updated, err := p.executions.UpdateNodeResult(ctx, data.ExecutionID, models.NodeResult{
		NodeID: data.NodeID,
		Status: models.CompleteNodeStatus,
		Output: result.Output,
		Cost:   result.Cost,
	})
	if err != nil {
		return err
	}
	metrics.RecordNodeCost(string(data.NodeType), result.Cost)
	p.logger.Infof("Node %s (%s) of execution %s completed", data.NodeID, data.NodeType, data.ExecutionID)
	return p.executions.Settle(ctx, updated)
}

// progress reports to the runtime and touches the record so stall detection
// sees a live job.
func (p *NodeProcessor) progress(ctx context.Context, job *queue.Job) func(int) {
	return func(pct int) {
		if err := job.UpdateProgress(ctx, pct); err != nil {
			p.logger.Warnf("Failed to report progress of job %s: %v", job.ID, err)
		}
		if err := p.queues.UpdateJobStatus(ctx, job.ID, models.ActiveJobStatus, &models.JobPatch{Progress: &pct}); err != nil {
			p.logger.Warnf("Failed to record progress of job %s: %v", job.ID, err)
		}
	}
}

// skip completes a job whose execution was cancelled without calling the
// provider.
func (p *NodeProcessor) skip(ctx context.Context, job *queue.Job, data models.JobData) error {
	if err := p.queues.UpdateJobStatus(ctx, job.ID, models.CompletedJobStatus, &models.JobPatch{Result: map[string]any{"skipped": true}}); err != nil {
		return err
	}
	p.logger.Infof("Skipped node %s: execution %s was cancelled", data.NodeID, data.ExecutionID)
	return p.queues.AddJobLog(ctx, job.ID, "Execution cancelled, node skipped", models.WarnLogLevel)
}

// fail records a failed attempt. On the last attempt, or when the error
// rules out a retry, the job moves to the DLQ and the node result becomes
// final. The returned error tells the runtime whether to retry. An attempt
// cut short by runtime shutdown leaves no trail: the runtime hands the job
// out again.
func (p *NodeProcessor) fail(ctx context.Context, job *queue.Job, data models.JobData, cause error) error {
	if ctx.Err() != nil && !queue.IsUnrecoverable(cause) {
		p.logger.Warnf("Job %s interrupted: %v", job.ID, cause)
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	attempt := job.AttemptsMade + 1
	final := job.IsFinalAttempt() || queue.IsUnrecoverable(cause)
	p.logger.Errorf("Job %s failed (attempt %d/%d): %s", job.ID, attempt, job.Attempts, msg)

	if err := p.queues.UpdateJobStatus(ctx, job.ID, models.FailedJobStatus, &models.JobPatch{Error: &msg, AttemptsMade: &attempt}); err != nil {
		p.logger.Errorf("Failed to record failure of job %s: %v", job.ID, err)
	}
	if err := p.queues.AddJobLog(ctx, job.ID, fmt.Sprintf("Attempt %d failed: %s", attempt, msg), models.ErrorLogLevel); err != nil {
		p.logger.Errorf("Failed to log failure of job %s: %v", job.ID, err)
	}
	if data.IsNodeJob() {
		updated, err := p.executions.UpdateNodeResult(ctx, data.ExecutionID, models.NodeResult{
			NodeID: data.NodeID,
			Status: models.ErrorNodeStatus,
			Error:  msg,
			Final:  final,
		})
		if err != nil {
			p.logger.Errorf("Failed to record error of node %s: %v", data.NodeID, err)
		} else if final {
			defer func() {
				if err := p.executions.Settle(ctx, updated); err != nil {
					p.logger.Errorf("Failed to settle execution %s: %v", data.ExecutionID, err)
				}
			}()
		}
	}
	if final {
		if err := p.queues.MoveToDeadLetterQueue(ctx, job.ID, job.Queue, msg); err != nil {
			p.logger.Errorf("Failed to move job %s to the DLQ: %v", job.ID, err)
		}
	}
	return cause
}

// dependencyInputs collects the outputs of the job's dependencies. waiting
// names the first dependency still in progress; an error means a dependency
// failed for good.
func dependencyInputs(exec models.Execution, dependsOn []string) (inputs map[string]any, waiting string, err error) {
	for _, dep := range dependsOn {
		r, ok := exec.NodeResults[dep]
		if !ok {
			return nil, dep, nil
		}
		switch r.Status {
		case models.CompleteNodeStatus:
			if inputs == nil {
				inputs = make(map[string]any, len(dependsOn))
			}
			inputs[dep] = r.Output
		case models.ErrorNodeStatus:
			if r.Final {
				return nil, "", fmt.Errorf("dependency %s failed: %s", dep, r.Error)
			}
			return nil, dep, nil
		default:
			return nil, dep, nil
		}
	}
	return inputs, "", nil
}

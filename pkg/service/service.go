package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/genflow/pkg/graph"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the services.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	// ErrWorkflowContainsCycles fails a run whose graph is not a DAG.
	ErrWorkflowContainsCycles = errors.New("workflow contains cycles")
	// ErrInvalidWorkflow fails a run whose graph references unknown nodes.
	ErrInvalidWorkflow = errors.New("invalid workflow graph")
	// ErrExecutionFinished rejects changes to a terminal execution.
	ErrExecutionFinished = errors.New("execution already finished")
)

// WorkflowService is the entry point used by the CLI and HTTP layers: it
// stores graphs and starts, inspects and cancels executions.
type WorkflowService struct {
	store      storage.Store
	executions *ExecutionService
	queues     *QueueManager
	logger     Logger
}

func NewWorkflowService(store storage.Store, executions *ExecutionService, queues *QueueManager, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:      store,
		executions: executions,
		queues:     queues,
		logger:     logger,
	}
}

// CreateWorkflow validates and saves a workflow graph.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, name string, nodes []models.Node, edges []models.Edge) (string, error) {
	if name == "" {
		return "", errors.New("workflow name cannot be empty")
	}
	if len(name) > 100 {
		return "", errors.New("workflow name too long (max 100 characters)")
	}
	if err := graph.Validate(nodes, edges); err != nil {
		return "", errors.Wrap(ErrInvalidWorkflow, err.Error())
	}
	for _, n := range nodes {
		if _, err := models.QueueForNodeType(n.Type); err != nil {
			return "", errors.Wrap(ErrInvalidWorkflow, err.Error())
		}
	}
	now := time.Now()
	id, err := s.store.SaveWorkflow(ctx, models.Workflow{
		Name:      name,
		Nodes:     nodes,
		Edges:     edges,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", err
	}
	s.logger.Infof("Created workflow '%s' with ID %s (%d nodes, %d edges)", name, id, len(nodes), len(edges))
	return id, nil
}

func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *WorkflowService) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	return s.store.ListWorkflows(ctx)
}

// StartExecution creates a pending execution and enqueues its orchestration job.
func (s *WorkflowService) StartExecution(ctx context.Context, workflowID string) (executionID, jobID string, err error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return "", "", fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	executionID, err = s.executions.Create(ctx, workflowID, "")
	if err != nil {
		return "", "", err
	}
	jobID, err = s.queues.EnqueueWorkflow(ctx, executionID, workflowID)
	if err != nil {
		if errU := s.executions.UpdateExecutionStatus(ctx, executionID, models.FailedExecutionStatus, err.Error()); errU != nil {
			s.logger.Errorf("Failed to mark execution %s failed: %v", executionID, errU)
		}
		return "", "", err
	}
	s.logger.Infof("Started execution %s of workflow %s (job %s)", executionID, workflowID, jobID)
	return executionID, jobID, nil
}

// CancelExecution moves a running execution to cancelled. Node jobs already
// in flight finish; later ones are skipped.
func (s *WorkflowService) CancelExecution(ctx context.Context, id string) error {
	exec, err := s.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return errors.Wrapf(ErrExecutionFinished, "execution %s is %s", id, exec.Status)
	}
	if err := s.executions.UpdateExecutionStatus(ctx, id, models.CancelledExecutionStatus, ""); err != nil {
		return err
	}
	s.logger.Infof("Cancelled execution %s", id)
	return nil
}

func (s *WorkflowService) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	return s.executions.Get(ctx, id)
}

// RegisterProcessors attaches the orchestrator and node processors to their
// queues.
func RegisterProcessors(rt queue.Runtime, orchestrator *Orchestrator, processors map[models.QueueName]*NodeProcessor) error {
	if err := rt.OnProcess(models.WorkflowOrchestrationQueue, orchestrator.Process); err != nil {
		return err
	}
	for name, p := range processors {
		if name == models.WorkflowOrchestrationQueue {
			continue
		}
		if err := rt.OnProcess(name, p.Process); err != nil {
			return err
		}
	}
	return nil
}

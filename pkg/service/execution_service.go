package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/storage"
)

// ExecutionService manages the state of workflow runs. Node result writes
// are read-modify-write cycles on a locked row so concurrent node jobs of
// the same execution never drop each other's results.
type ExecutionService struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewExecutionService(store storage.Store, logger Logger) *ExecutionService {
	return &ExecutionService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Create stores a new pending execution of the workflow.
func (es *ExecutionService) Create(ctx context.Context, workflowID, parentExecutionID string) (string, error) {
	now := es.now()
	id, err := es.store.CreateExecution(ctx, models.Execution{
		WorkflowID:        workflowID,
		ParentExecutionID: parentExecutionID,
		Status:            models.PendingExecutionStatus,
		NodeResults:       map[string]models.NodeResult{},
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		es.logger.Errorf("Failed to create execution of workflow %s: %v", workflowID, err)
		return "", fmt.Errorf("failed to create execution: %w", err)
	}
	return id, nil
}

func (es *ExecutionService) Get(ctx context.Context, id string) (models.Execution, error) {
	exec, err := es.store.GetExecution(ctx, id)
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return exec, nil
}

func (es *ExecutionService) UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errMsg string) error {
	if err := es.store.UpdateExecutionStatus(ctx, id, status, errMsg); err != nil {
		es.logger.Errorf("Failed to update execution %s to %s: %v", id, status, err)
		return fmt.Errorf("failed to update execution %s: %w", id, err)
	}
	es.logger.Debugf("Execution %s is now %s", id, status)
	return nil
}

// UpdateNodeResult replaces one node result and recomputes the cost fields.
// It returns the execution as committed.
func (es *ExecutionService) UpdateNodeResult(ctx context.Context, id string, r models.NodeResult) (models.Execution, error) {
	r.UpdatedAt = es.now()
	return es.mutate(ctx, id, func(exec *models.Execution) {
		exec.UpsertNodeResult(r)
	})
}

// PrepareRun marks the given nodes pending and records the cost estimate.
// Results of other nodes are kept, so a retried fan-out does not erase
// work already done.
func (es *ExecutionService) PrepareRun(ctx context.Context, id string, nodeIDs []string, estimated float64) (models.Execution, error) {
	now := es.now()
	return es.mutate(ctx, id, func(exec *models.Execution) {
		if exec.NodeResults == nil {
			exec.NodeResults = make(map[string]models.NodeResult, len(nodeIDs))
		}
		for _, nodeID := range nodeIDs {
			exec.NodeResults[nodeID] = models.NodeResult{
				NodeID:    nodeID,
				Status:    models.PendingNodeStatus,
				UpdatedAt: now,
			}
		}
		exec.CostSummary.Estimated = estimated
		exec.RecomputeCost()
	})
}

// UpdateCostSummary merges the patch into the cost summary. Actual and
// variance always follow the node results.
func (es *ExecutionService) UpdateCostSummary(ctx context.Context, id string, patch models.CostSummaryPatch) (models.Execution, error) {
	return es.mutate(ctx, id, func(exec *models.Execution) {
		if patch.Estimated != nil {
			exec.CostSummary.Estimated = *patch.Estimated
		}
		exec.RecomputeCost()
	})
}

func (es *ExecutionService) mutate(ctx context.Context, id string, apply func(*models.Execution)) (exec models.Execution, err error) {
	txStore, err := es.store.Begin()
	if err != nil {
		es.logger.Errorf("Failed to begin transaction for execution %s: %v", id, err)
		return models.Execution{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				es.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				es.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	exec, err = txStore.LockExecution(ctx, id)
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to lock execution %s: %w", id, err)
	}
	apply(&exec)
	exec.UpdatedAt = es.now()
	if err = txStore.SaveExecutionResults(ctx, exec); err != nil {
		es.logger.Errorf("Failed to save results of execution %s: %v", id, err)
		return models.Execution{}, fmt.Errorf("failed to save execution %s: %w", id, err)
	}
	return exec, nil
}

// Settle moves the execution to its final status once every node result is
// terminal. Cancelled executions are left alone; a failed one becomes
// completed when retried nodes have all succeeded.
func (es *ExecutionService) Settle(ctx context.Context, exec models.Execution) error {
	if exec.Status == models.CancelledExecutionStatus {
		return nil
	}
	done, failed := exec.Settled()
	if !done {
		return nil
	}
	if len(failed) == 0 {
		if exec.Status == models.CompletedExecutionStatus {
			return nil
		}
		es.logger.Infof("Execution %s completed (total cost %.4f)", exec.ID, exec.TotalCost)
		return es.UpdateExecutionStatus(ctx, exec.ID, models.CompletedExecutionStatus, "")
	}
	if exec.Status == models.FailedExecutionStatus {
		return nil
	}
	msg := fmt.Sprintf("nodes failed: %s", strings.Join(failed, ", "))
	es.logger.Warnf("Execution %s failed: %s", exec.ID, msg)
	return es.UpdateExecutionStatus(ctx, exec.ID, models.FailedExecutionStatus, msg)
}

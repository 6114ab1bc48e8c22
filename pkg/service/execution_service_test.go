package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionService(t *testing.T) {
	ctx := context.Background()

	t.Run("AtMostOneResultPerNode", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		execID := h.newRun(t, "A")
		for _, status := range []models.NodeResultStatus{models.ProcessingNodeStatus, models.ErrorNodeStatus, models.CompleteNodeStatus} {
			_, err := h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "A", Status: status})
			require.NoError(t, err)
		}
		exec := h.execution(t, execID)
		require.Len(t, exec.NodeResults, 1)
		assert.Equal(t, models.CompleteNodeStatus, exec.NodeResults["A"].Status)
	})

	t.Run("CostIsIdempotent", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		execID := h.newRun(t, "A", "B")
		estimate := 1.0
		_, err := h.executions.UpdateCostSummary(ctx, execID, models.CostSummaryPatch{Estimated: &estimate})
		require.NoError(t, err)

		done := models.NodeResult{NodeID: "A", Status: models.CompleteNodeStatus, Cost: 0.25}
		_, err = h.executions.UpdateNodeResult(ctx, execID, done)
		require.NoError(t, err)
		first := h.execution(t, execID)
		_, err = h.executions.UpdateNodeResult(ctx, execID, done)
		require.NoError(t, err)
		second := h.execution(t, execID)

		assert.InDelta(t, 0.25, first.TotalCost, 1e-9)
		assert.Equal(t, first.TotalCost, second.TotalCost)
		assert.Equal(t, first.CostSummary, second.CostSummary)
		assert.InDelta(t, -0.75, second.CostSummary.Variance, 1e-9)

		_, err = h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "B", Status: models.CompleteNodeStatus, Cost: 1.5})
		require.NoError(t, err)
		exec := h.execution(t, execID)
		assert.InDelta(t, 1.75, exec.TotalCost, 1e-9)
		assert.InDelta(t, 1.75, exec.CostSummary.Actual, 1e-9)
		assert.InDelta(t, 0.75, exec.CostSummary.Variance, 1e-9)
	})

	t.Run("ConcurrentNodeUpdatesArePreserved", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		var ids []string
		for i := 0; i < 20; i++ {
			ids = append(ids, fmt.Sprintf("n%d", i))
		}
		execID := h.newRun(t, ids...)

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: id, Status: models.CompleteNodeStatus, Cost: 1})
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		exec := h.execution(t, execID)
		assert.Len(t, exec.NodeResults, 20)
		assert.InDelta(t, 20.0, exec.TotalCost, 1e-9)
		for _, r := range exec.NodeResults {
			assert.Equal(t, models.CompleteNodeStatus, r.Status)
		}
	})

	t.Run("SaveDoesNotTouchStatus", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		execID := h.newRun(t, "A")
		require.NoError(t, h.executions.UpdateExecutionStatus(ctx, execID, models.CancelledExecutionStatus, ""))
		_, err := h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "A", Status: models.CompleteNodeStatus})
		require.NoError(t, err)
		assert.Equal(t, models.CancelledExecutionStatus, h.execution(t, execID).Status)
	})

	t.Run("Settle", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())

		execID := h.newRun(t, "A", "B")
		exec, err := h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "A", Status: models.CompleteNodeStatus})
		require.NoError(t, err)
		require.NoError(t, h.executions.Settle(ctx, exec))
		assert.Equal(t, models.RunningExecutionStatus, h.execution(t, execID).Status)

		exec, err = h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "B", Status: models.ErrorNodeStatus, Error: "x"})
		require.NoError(t, err)
		require.NoError(t, h.executions.Settle(ctx, exec))
		assert.Equal(t, models.RunningExecutionStatus, h.execution(t, execID).Status, "retrying error is not terminal")

		exec, err = h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "B", Status: models.ErrorNodeStatus, Error: "x", Final: true})
		require.NoError(t, err)
		require.NoError(t, h.executions.Settle(ctx, exec))
		assert.Equal(t, models.FailedExecutionStatus, h.execution(t, execID).Status)

		exec, err = h.executions.UpdateNodeResult(ctx, execID, models.NodeResult{NodeID: "B", Status: models.CompleteNodeStatus})
		require.NoError(t, err)
		exec.Status = models.FailedExecutionStatus
		require.NoError(t, h.executions.Settle(ctx, exec))
		assert.Equal(t, models.CompletedExecutionStatus, h.execution(t, execID).Status)
	})
}

func TestWorkflowService(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateValidates", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		_, err := h.workflows.CreateWorkflow(ctx, "", nil, nil)
		assert.EqualError(t, err, "workflow name cannot be empty")

		_, err = h.workflows.CreateWorkflow(ctx, "bad", []models.Node{{ID: "A", Type: models.ImageGenNodeType}},
			[]models.Edge{{Source: "A", Target: "Z"}})
		assert.Error(t, err)

		_, err = h.workflows.CreateWorkflow(ctx, "bad", []models.Node{{ID: "A", Type: "hologram"}}, nil)
		assert.Error(t, err)

		id, err := h.workflows.CreateWorkflow(ctx, "ok", []models.Node{{ID: "A", Type: models.ImageGenNodeType}}, nil)
		require.NoError(t, err)
		wf, err := h.workflows.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "ok", wf.Name)
	})

	t.Run("StartUnknownWorkflow", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		_, _, err := h.workflows.StartExecution(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("EnqueueFailureMarksRecordFailed", func(t *testing.T) {
		rt := newRecordingRuntime()
		rt.enqueueErr = assert.AnError
		h := newHarness(storage.NewMockStore(), rt)
		wfID := h.saveWorkflow(t, nil, nil)

		_, _, err := h.workflows.StartExecution(ctx, wfID)
		require.Error(t, err)
		stats, err := h.store.JobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
	})

	t.Run("CancelFinishedExecution", func(t *testing.T) {
		h := newHarness(storage.NewMockStore(), newRecordingRuntime())
		execID := h.newRun(t, "A")
		require.NoError(t, h.executions.UpdateExecutionStatus(ctx, execID, models.CompletedExecutionStatus, ""))
		err := h.workflows.CancelExecution(ctx, execID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already finished")
	})
}

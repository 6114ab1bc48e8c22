package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/genflow/internal/metrics"
	"github.com/ignatij/genflow/pkg/provider"
)

// PollConfig controls how long a node waits on a provider operation and how
// the wait maps onto job progress.
type PollConfig struct {
	Interval      time.Duration
	MaxAttempts   int
	StartProgress int
	EndProgress   int
}

// Budget is the longest time a poll loop can take.
func (c PollConfig) Budget() time.Duration {
	return c.Interval * time.Duration(c.MaxAttempts)
}

func (c PollConfig) progressAt(attempt int) int {
	if c.MaxAttempts <= 0 {
		return c.EndProgress
	}
	span := c.EndProgress - c.StartProgress
	return c.StartProgress + span*attempt/c.MaxAttempts
}

// JobResult is the outcome of running one node.
type JobResult struct {
	Success        bool
	Output         map[string]any
	OperationID    string
	DurationMetric float64
	Cost           float64
	Error          string
}

// Map renders the result for the job record.
func (r JobResult) Map() map[string]any {
	m := map[string]any{
		"success": r.Success,
		"cost":    r.Cost,
	}
	if r.Output != nil {
		m["output"] = r.Output
	}
	if r.OperationID != "" {
		m["operationId"] = r.OperationID
	}
	if r.DurationMetric > 0 {
		m["durationMetric"] = r.DurationMetric
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// PollForCompletion polls the operation until it reaches a terminal status
// or the attempt budget runs out. Terminal failures and timeouts come back
// as unsuccessful results; transport errors come back as errors so the job
// is retried.
func PollForCompletion(ctx context.Context, p provider.Provider, nodeType, opID string, cfg PollConfig, progress func(int)) (JobResult, error) {
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res, err := p.PollStatus(ctx, opID)
		if err != nil {
			metrics.RecordProviderPoll(nodeType, "error")
			return JobResult{}, fmt.Errorf("failed to poll operation %s: %w", opID, err)
		}
		metrics.RecordProviderPoll(nodeType, string(res.Status))

		switch res.Status {
		case provider.SucceededStatus:
			return JobResult{
				Success:        true,
				Output:         res.Output,
				OperationID:    opID,
				DurationMetric: res.DurationMetric,
			}, nil
		case provider.FailedStatus:
			msg := res.Error
			if msg == "" {
				msg = "operation failed"
			}
			return JobResult{OperationID: opID, Error: msg}, nil
		case provider.CanceledStatus:
			return JobResult{OperationID: opID, Error: "operation was canceled"}, nil
		}

		if progress != nil {
			progress(cfg.progressAt(attempt))
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return JobResult{}, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	return JobResult{
		OperationID: opID,
		Error:       fmt.Sprintf("operation %s timed out after %d polls", opID, cfg.MaxAttempts),
	}, nil
}

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

const (
	// DefaultStallThreshold is how long a record may go without an update
	// before it counts as stalled.
	DefaultStallThreshold = 15 * time.Minute
	// DefaultRecoveryInterval is the period of the background sweep.
	DefaultRecoveryInterval = 5 * time.Minute

	defaultDLQPageSize = 50
	// successorKey is set on a record whose payload was resubmitted.
	successorKey = "resubmittedAs"
)

// RecoveryService repairs job records left behind by crashes and lost
// runtime entries, and manages the dead-letter queue.
type RecoveryService struct {
	jobs       storage.JobStore
	executions *ExecutionService
	queues     *QueueManager
	runtime    queue.Runtime
	logger     Logger

	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewRecoveryService(jobs storage.JobStore, executions *ExecutionService, queues *QueueManager, runtime queue.Runtime, logger Logger) *RecoveryService {
	return &RecoveryService{
		jobs:       jobs,
		executions: executions,
		queues:     queues,
		runtime:    runtime,
		logger:     logger,
		threshold:  DefaultStallThreshold,
		interval:   DefaultRecoveryInterval,
		now:        time.Now,
	}
}

// WithThreshold overrides the stall threshold and sweep interval. Zero
// values keep the defaults.
func (rs *RecoveryService) WithThreshold(threshold, interval time.Duration) *RecoveryService {
	if threshold > 0 {
		rs.threshold = threshold
	}
	if interval > 0 {
		rs.interval = interval
	}
	return rs
}

// WithClock replaces the time source.
func (rs *RecoveryService) WithClock(now func() time.Time) *RecoveryService {
	rs.now = now
	return rs
}

// Start runs a sweep immediately and then on every interval until ctx is
// done.
func (rs *RecoveryService) Start(ctx context.Context) {
	rs.sweep(ctx)
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.sweep(ctx)
		}
	}
}

func (rs *RecoveryService) sweep(ctx context.Context) {
	n, err := rs.RecoverStalledJobs(ctx)
	if err != nil {
		rs.logger.Errorf("Stalled job sweep failed: %v", err)
		return
	}
	if n > 0 {
		rs.logger.Infof("Recovered %d stalled jobs", n)
	}
}

// RecoverStalledJobs resubmits every unfinished record that has not been
// updated within the threshold and is no longer held by the runtime.
func (rs *RecoveryService) RecoverStalledJobs(ctx context.Context) (int, error) {
	stalled, err := rs.jobs.FindStalledJobs(ctx, rs.now().Add(-rs.threshold))
	if err != nil {
		return 0, errors.Wrap(err, "failed to find stalled jobs")
	}
	recovered := 0
	for _, job := range stalled {
		ok, err := rs.recoverJob(ctx, job, "stalled")
		if err != nil {
			rs.logger.Errorf("Failed to recover job %s: %v", job.ID, err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// RecoverExecution resubmits every unfinished job of one execution. An
// unknown execution yields storage.ErrNotFound.
func (rs *RecoveryService) RecoverExecution(ctx context.Context, executionID string) (int, error) {
	if _, err := rs.executions.Get(ctx, executionID); err != nil {
		return 0, err
	}
	jobs, err := rs.jobs.FindIncompleteJobs(ctx, executionID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to find jobs of execution %s", executionID)
	}
	recovered := 0
	for _, job := range jobs {
		ok, err := rs.recoverJob(ctx, job, "execution")
		if err != nil {
			rs.logger.Errorf("Failed to recover job %s of execution %s: %v", job.ID, executionID, err)
			continue
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		rs.logger.Infof("Recovered %d jobs of execution %s", recovered, executionID)
	}
	return recovered, nil
}

func (rs *RecoveryService) recoverJob(ctx context.Context, job models.Job, reason string) (bool, error) {
	if _, done := job.Result[successorKey]; done {
		return false, nil
	}
	held, err := rs.runtime.Has(ctx, job.QueueName, job.ID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up job %s in the runtime", job.ID)
	}
	if held {
		return false, nil
	}
	if err := rs.runtime.Remove(ctx, job.QueueName, job.ID); err != nil {
		rs.logger.Warnf("Failed to remove runtime entry of job %s: %v", job.ID, err)
	}

	newID, err := rs.queues.Resubmit(ctx, job.Data)
	if err != nil {
		return false, err
	}
	if err := rs.queues.UpdateJobStatus(ctx, job.ID, models.RecoveredJobStatus, &models.JobPatch{Result: map[string]any{successorKey: newID}}); err != nil {
		return false, err
	}
	if err := rs.queues.AddJobLog(ctx, job.ID, "Job recovered after stall detection", models.WarnLogLevel); err != nil {
		return false, err
	}
	metrics.RecordRecovered(reason)
	rs.logger.Infof("Job %s (%s) resubmitted as %s", job.ID, job.QueueName, newID)
	return true, nil
}

// RetryFromDLQ resubmits a dead-lettered job and clears its DLQ flag.
func (rs *RecoveryService) RetryFromDLQ(ctx context.Context, jobID string) (string, error) {
	job, err := rs.jobs.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if err != nil || !job.MovedToDLQ {
		return "", errors.Wrapf(storage.ErrNotFound, "job %s not found in DLQ", jobID)
	}

	if job.Data.IsNodeJob() {
		rs.reopenNode(ctx, job.Data)
	} else {
		rs.reopenExecution(ctx, job.Data.ExecutionID)
	}

	newID, err := rs.queues.Resubmit(ctx, job.Data)
	if err != nil {
		return "", err
	}
	if err := rs.jobs.SetJobDLQ(ctx, jobID, false, models.PendingJobStatus); err != nil {
		return "", errors.Wrapf(err, "failed to clear DLQ flag of job %s", jobID)
	}
	if err := rs.queues.UpdateJobStatus(ctx, jobID, models.PendingJobStatus, &models.JobPatch{Result: map[string]any{successorKey: newID}}); err != nil {
		return "", err
	}
	if err := rs.queues.AddJobLog(ctx, jobID, fmt.Sprintf("Retried from DLQ as %s", newID), models.InfoLogLevel); err != nil {
		return "", err
	}
	metrics.RecordRecovered("dlq")
	rs.logger.Infof("Job %s retried from DLQ as %s", jobID, newID)
	return newID, nil
}

// reopenNode puts a dead node back to pending so dependants wait for the
// retry instead of failing on the old error.
func (rs *RecoveryService) reopenNode(ctx context.Context, data models.JobData) {
	if _, err := rs.executions.UpdateNodeResult(ctx, data.ExecutionID, models.NodeResult{
		NodeID: data.NodeID,
		Status: models.PendingNodeStatus,
	}); err != nil {
		rs.logger.Warnf("Failed to reset node %s of execution %s: %v", data.NodeID, data.ExecutionID, err)
	}
	rs.reopenExecution(ctx, data.ExecutionID)
}

func (rs *RecoveryService) reopenExecution(ctx context.Context, executionID string) {
	exec, err := rs.executions.Get(ctx, executionID)
	if err != nil {
		rs.logger.Warnf("Failed to load execution %s: %v", executionID, err)
		return
	}
	if exec.Status != models.FailedExecutionStatus {
		return
	}
	if err := rs.executions.UpdateExecutionStatus(ctx, executionID, models.RunningExecutionStatus, ""); err != nil {
		rs.logger.Warnf("Failed to reopen execution %s: %v", executionID, err)
	}
}

func (rs *RecoveryService) GetJobStats(ctx context.Context) (models.JobStats, error) {
	stats, err := rs.jobs.JobStats(ctx)
	if err != nil {
		return models.JobStats{}, errors.Wrap(err, "failed to compute job stats")
	}
	return stats, nil
}

// GetDLQJobs pages the DLQ newest first. A non-positive limit means 50.
func (rs *RecoveryService) GetDLQJobs(ctx context.Context, limit, offset int) ([]models.Job, int, error) {
	if limit <= 0 {
		limit = defaultDLQPageSize
	}
	if offset < 0 {
		offset = 0
	}
	jobs, total, err := rs.jobs.ListDLQJobs(ctx, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list DLQ jobs")
	}
	return jobs, total, nil
}

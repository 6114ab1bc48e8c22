package service

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/ignatij/genflow/internal/metrics"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/pkg/errors"
)

// QueueManager owns job submission: every enqueue writes a job record
// before handing the payload to the runtime, so the record store always
// knows about work the runtime may lose.
type QueueManager struct {
	jobs    storage.JobStore
	runtime queue.Runtime
	logger  Logger
	now     func() time.Time
	newID   func() string
}

func NewQueueManager(jobs storage.JobStore, runtime queue.Runtime, logger Logger) *QueueManager {
	return &QueueManager{
		jobs:    jobs,
		runtime: runtime,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// EnqueueWorkflow submits the orchestration job of an execution.
func (m *QueueManager) EnqueueWorkflow(ctx context.Context, executionID, workflowID string) (string, error) {
	return m.enqueue(ctx, models.WorkflowOrchestrationQueue, models.JobData{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
	})
}

// EnqueueNode submits one node job to the queue of its node type.
func (m *QueueManager) EnqueueNode(ctx context.Context, executionID, workflowID, nodeID string, nodeType models.NodeType, nodeData map[string]any, dependsOn []string) (string, error) {
	q, err := models.QueueForNodeType(nodeType)
	if err != nil {
		return "", err
	}
	return m.enqueue(ctx, q, models.JobData{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		NodeData:    nodeData,
		DependsOn:   dependsOn,
	})
}

// Resubmit enqueues a copy of an existing payload under a new job id.
func (m *QueueManager) Resubmit(ctx context.Context, data models.JobData) (string, error) {
	if data.IsNodeJob() {
		return m.EnqueueNode(ctx, data.ExecutionID, data.WorkflowID, data.NodeID, data.NodeType, data.NodeData, data.DependsOn)
	}
	return m.EnqueueWorkflow(ctx, data.ExecutionID, data.WorkflowID)
}

func (m *QueueManager) enqueue(ctx context.Context, q models.QueueName, data models.JobData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode job data")
	}
	id := m.newID()
	now := m.now()
	job := models.Job{
		ID:          id,
		QueueName:   q,
		ExecutionID: data.ExecutionID,
		NodeID:      data.NodeID,
		Status:      models.PendingJobStatus,
		Data:        data,
		Logs: []models.JobLog{{
			Timestamp: now,
			Message:   fmt.Sprintf("Job enqueued on %s", q),
			Level:     models.InfoLogLevel,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return "", errors.Wrapf(err, "failed to create job record for %s", q)
	}
	if err := m.runtime.Enqueue(ctx, q, id, payload); err != nil {
		msg := err.Error()
		if errU := m.jobs.UpdateJob(ctx, id, models.FailedJobStatus, &models.JobPatch{Error: &msg}); errU != nil {
			m.logger.Errorf("Failed to mark job %s failed after enqueue error: %v", id, errU)
		}
		return "", errors.Wrapf(err, "failed to enqueue job %s on %s", id, q)
	}
	metrics.RecordJobEnqueued(string(q))
	if data.IsNodeJob() {
		m.logger.Debugf("Enqueued node %s (%s) of execution %s as job %s", data.NodeID, data.NodeType, data.ExecutionID, id)
	} else {
		m.logger.Debugf("Enqueued orchestration of execution %s as job %s", data.ExecutionID, id)
	}
	return id, nil
}

// LiveNodeJobs maps each node of the execution to a job that can still
// run it or already did. Dead-lettered records, records superseded by
// recovery and records the runtime never accepted do not count.
func (m *QueueManager) LiveNodeJobs(ctx context.Context, executionID string) (map[string]string, error) {
	jobs, err := m.jobs.ListExecutionJobs(ctx, executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs of execution %s", executionID)
	}
	live := make(map[string]string)
	for _, j := range jobs {
		if j.NodeID == "" || j.MovedToDLQ || j.Status == models.RecoveredJobStatus {
			continue
		}
		// a failed record that never made an attempt was rejected on enqueue
		if j.Status == models.FailedJobStatus && j.AttemptsMade == 0 {
			continue
		}
		live[j.NodeID] = j.ID
	}
	return live, nil
}

// UpdateJobStatus sets the record status and merges the patch.
func (m *QueueManager) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, patch *models.JobPatch) error {
	if err := m.jobs.UpdateJob(ctx, jobID, status, patch); err != nil {
		return errors.Wrapf(err, "failed to update job %s to %s", jobID, status)
	}
	return nil
}

// AddJobLog appends a timestamped entry to the job's log.
func (m *QueueManager) AddJobLog(ctx context.Context, jobID, message string, level models.LogLevel) error {
	if level == "" {
		level = models.InfoLogLevel
	}
	entry := models.JobLog{Timestamp: m.now(), Message: message, Level: level}
	if err := m.jobs.AppendJobLog(ctx, jobID, entry); err != nil {
		return errors.Wrapf(err, "failed to append log to job %s", jobID)
	}
	return nil
}

// MoveToDeadLetterQueue flags the record as failed and parked for manual
// retry.
func (m *QueueManager) MoveToDeadLetterQueue(ctx context.Context, jobID string, origin models.QueueName, errMsg string) error {
	if err := m.jobs.SetJobDLQ(ctx, jobID, true, models.FailedJobStatus); err != nil {
		return errors.Wrapf(err, "failed to move job %s to the DLQ", jobID)
	}
	if err := m.AddJobLog(ctx, jobID, fmt.Sprintf("Moved to DLQ from %s: %s", origin, errMsg), models.ErrorLogLevel); err != nil {
		return err
	}
	metrics.RecordDLQMove(string(origin))
	m.logger.Warnf("Job %s from %s moved to DLQ: %s", jobID, origin, errMsg)
	return nil
}

// DecodeJobData reads the payload of a runtime delivery.
func DecodeJobData(job *queue.Job) (models.JobData, error) {
	var data models.JobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return models.JobData{}, queue.Unrecoverable(errors.Wrapf(err, "failed to decode job %s", job.ID))
	}
	return data, nil
}

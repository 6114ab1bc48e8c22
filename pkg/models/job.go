package models

import "time"

type JobStatus string

const (
	PendingJobStatus   JobStatus = "pending"
	ActiveJobStatus    JobStatus = "active"
	CompletedJobStatus JobStatus = "completed"
	FailedJobStatus    JobStatus = "failed"
	DelayedJobStatus   JobStatus = "delayed"
	WaitingJobStatus   JobStatus = "waiting"
	StalledJobStatus   JobStatus = "stalled"
	RecoveredJobStatus JobStatus = "recovered"
)

type LogLevel string

const (
	InfoLogLevel  LogLevel = "info"
	WarnLogLevel  LogLevel = "warn"
	ErrorLogLevel LogLevel = "error"
)

// JobLog is one entry of a job's append-only log.
type JobLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// JobData is the payload carried by a queued job. Orchestration jobs only
// set ExecutionID and WorkflowID.
type JobData struct {
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	NodeID      string         `json:"nodeId,omitempty"`
	NodeType    NodeType       `json:"nodeType,omitempty"`
	NodeData    map[string]any `json:"nodeData,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
}

// IsNodeJob reports whether the payload targets a single node.
func (d JobData) IsNodeJob() bool {
	return d.NodeID != ""
}

// Job is the persisted record of one enqueued unit of work.
type Job struct {
	ID           string         `json:"id" db:"id"`                     // Runtime job id
	QueueName    QueueName      `json:"queue_name" db:"queue_name"`     // Queue the job was sent to
	ExecutionID  string         `json:"execution_id" db:"execution_id"` // Owning run
	NodeID       string         `json:"node_id,omitempty" db:"node_id"` // Empty for orchestration jobs
	Status       JobStatus      `json:"status" db:"status"`
	Data         JobData        `json:"data"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty" db:"error"`
	AttemptsMade int            `json:"attempts_made" db:"attempts_made"`
	Progress     int            `json:"progress" db:"progress"`
	Logs         []JobLog       `json:"logs"`
	MovedToDLQ   bool           `json:"moved_to_dlq" db:"moved_to_dlq"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// JobPatch holds the optional fields merged by a status update.
type JobPatch struct {
	Result       map[string]any
	Error        *string
	AttemptsMade *int
	Progress     *int
}

// Apply merges the patch and the new status into the job.
func (j *Job) Apply(status JobStatus, patch *JobPatch, now time.Time) {
	j.Status = status
	j.UpdatedAt = now
	if status == CompletedJobStatus || status == FailedJobStatus {
		j.CompletedAt = &now
	}
	if patch == nil {
		return
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	if patch.AttemptsMade != nil {
		j.AttemptsMade = *patch.AttemptsMade
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
}

// JobStats aggregates job records by status.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Recovered int `json:"recovered"`
	InDLQ     int `json:"in_dlq"`
}

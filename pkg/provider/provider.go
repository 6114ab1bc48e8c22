// Package provider describes the opaque generation services node jobs call.
package provider

import "context"

type Status string

const (
	PendingStatus   Status = "pending"
	RunningStatus   Status = "running"
	SucceededStatus Status = "succeeded"
	FailedStatus    Status = "failed"
	CanceledStatus  Status = "canceled"
)

// IsTerminal reports whether polling can stop.
func (s Status) IsTerminal() bool {
	return s == SucceededStatus || s == FailedStatus || s == CanceledStatus
}

// Params are the materialised node parameters sent on dispatch.
type Params map[string]any

// PollResult is the envelope returned by a status check.
type PollResult struct {
	Status Status         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	// DurationMetric is the provider-reported processing time in seconds.
	DurationMetric float64 `json:"durationMetric,omitempty"`
}

// Provider is a generation service for one node-type family.
type Provider interface {
	Dispatch(ctx context.Context, params Params) (operationID string, err error)
	PollStatus(ctx context.Context, operationID string) (PollResult, error)
}

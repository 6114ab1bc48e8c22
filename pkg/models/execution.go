package models

import (
	"sort"
	"time"
)

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "pending"
	RunningExecutionStatus   ExecutionStatus = "running"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
	CancelledExecutionStatus ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further node work is meaningful.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case CompletedExecutionStatus, FailedExecutionStatus, CancelledExecutionStatus:
		return true
	}
	return false
}

type NodeResultStatus string

const (
	PendingNodeStatus    NodeResultStatus = "pending"
	ProcessingNodeStatus NodeResultStatus = "processing"
	CompleteNodeStatus   NodeResultStatus = "complete"
	ErrorNodeStatus      NodeResultStatus = "error"
)

// NodeResult is the latest known state of one node within an execution.
type NodeResult struct {
	NodeID string           `json:"nodeId"`
	Status NodeResultStatus `json:"status"`
	Output map[string]any   `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
	Cost   float64          `json:"cost"`
	// Final marks an error that will not be retried.
	Final     bool      `json:"final,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CostSummary struct {
	Estimated float64 `json:"estimated"`
	Actual    float64 `json:"actual"`
	Variance  float64 `json:"variance"`
}

// CostSummaryPatch updates the estimate; actual and variance are derived.
type CostSummaryPatch struct {
	Estimated *float64
}

// Execution is one run of a workflow.
type Execution struct {
	ID                string                `json:"id" db:"id"`
	WorkflowID        string                `json:"workflow_id" db:"workflow_id"`
	ParentExecutionID string                `json:"parent_execution_id,omitempty" db:"parent_execution_id"`
	Status            ExecutionStatus       `json:"status" db:"status"`
	Error             string                `json:"error,omitempty" db:"error"`
	NodeResults       map[string]NodeResult `json:"node_results"`
	TotalCost         float64               `json:"total_cost" db:"total_cost"`
	CostSummary       CostSummary           `json:"cost_summary"`
	CreatedAt         time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at" db:"updated_at"`
}

// UpsertNodeResult replaces the result for the node and recomputes cost.
func (e *Execution) UpsertNodeResult(r NodeResult) {
	if e.NodeResults == nil {
		e.NodeResults = make(map[string]NodeResult)
	}
	e.NodeResults[r.NodeID] = r
	e.RecomputeCost()
}

// RecomputeCost derives TotalCost and the actual/variance pair from the
// node results.
func (e *Execution) RecomputeCost() {
	var total float64
	for _, r := range e.NodeResults {
		total += r.Cost
	}
	e.TotalCost = total
	e.CostSummary.Actual = total
	e.CostSummary.Variance = total - e.CostSummary.Estimated
}

// Settled reports whether every node result is terminal, and if so which
// nodes errored. An error that is still being retried is not terminal.
func (e *Execution) Settled() (done bool, failed []string) {
	if len(e.NodeResults) == 0 {
		return false, nil
	}
	for id, r := range e.NodeResults {
		switch r.Status {
		case CompleteNodeStatus:
		case ErrorNodeStatus:
			if !r.Final {
				return false, nil
			}
			failed = append(failed, id)
		default:
			return false, nil
		}
	}
	sort.Strings(failed)
	return true, failed
}

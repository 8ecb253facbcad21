package types

import "time"

// ExecutionStatus tracks the lifecycle of one function invocation.
type ExecutionStatus string

const (
	ExecutionStarted ExecutionStatus = "STARTED"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailure ExecutionStatus = "FAILURE"
)

// ExecutionRecord is one function invocation's audit entry.
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	Service     string          `json:"service"`
	UserID      string          `json:"user_id,omitempty"`
	TriggerType string          `json:"trigger_type"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	OutputsJSON string          `json:"outputs_json,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

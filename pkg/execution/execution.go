// Package execution records per-invocation audit entries in the database
// so a function run can be traced after the compute instance is gone.
package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	shared "github.com/ripixel/stridesync-server/pkg"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// ExecutionOptions carries optional metadata for LogStart.
type ExecutionOptions struct {
	UserID      string
	TriggerType string
}

// LogStart writes a STARTED execution record and returns its ID.
func LogStart(ctx context.Context, db shared.Database, serviceName string, opts ExecutionOptions) (string, error) {
	execID := uuid.NewString()
	record := &types.ExecutionRecord{
		ExecutionID: execID,
		Service:     serviceName,
		UserID:      opts.UserID,
		TriggerType: opts.TriggerType,
		Status:      types.ExecutionStarted,
		StartedAt:   time.Now(),
	}
	if err := db.SetExecution(ctx, record); err != nil {
		return execID, err
	}
	return execID, nil
}

// LogSuccess marks the execution finished with its outputs.
func LogSuccess(ctx context.Context, db shared.Database, execID string, outputs interface{}) error {
	return db.UpdateExecution(ctx, execID, map[string]interface{}{
		"status":       string(types.ExecutionSuccess),
		"outputs_json": marshalOutputs(outputs),
		"finished_at":  time.Now(),
	})
}

// LogFailure marks the execution failed, keeping whatever partial outputs exist.
func LogFailure(ctx context.Context, db shared.Database, execID string, handlerErr error, outputs interface{}) error {
	return db.UpdateExecution(ctx, execID, map[string]interface{}{
		"status":       string(types.ExecutionFailure),
		"error":        handlerErr.Error(),
		"outputs_json": marshalOutputs(outputs),
		"finished_at":  time.Now(),
	})
}

func marshalOutputs(outputs interface{}) string {
	if outputs == nil {
		return ""
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return ""
	}
	return string(data)
}

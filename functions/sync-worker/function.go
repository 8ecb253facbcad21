package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/ripixel/stridesync-server/pkg"
	"github.com/ripixel/stridesync-server/pkg/bootstrap"
	"github.com/ripixel/stridesync-server/pkg/framework"
	infrapubsub "github.com/ripixel/stridesync-server/pkg/infrastructure/pubsub"
	"github.com/ripixel/stridesync-server/pkg/sync"
	"github.com/ripixel/stridesync-server/pkg/types"
)

var (
	svc     *bootstrap.Service
	svcOnce gosync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("ProcessSyncChunk", ProcessSyncChunk)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	svcOnce.Do(func() {
		svc, svcErr = bootstrap.NewService(ctx)
		if svcErr != nil {
			slog.Error("Failed to initialize service", "error", svcErr)
		}
	})
	return svc, svcErr
}

// ProcessSyncChunk is the entry point
func ProcessSyncChunk(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("sync-worker", svc, chunkHandler)(ctx, e)
}

// chunkHandler processes exactly one page of the session, then hands
// the baton to the next invocation by republishing. Looping here would
// reintroduce the wall-clock ceiling the chunking exists to avoid.
func chunkHandler(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
	var msg types.PubSubMessage
	if err := e.DataAs(&msg); err != nil {
		return nil, fmt.Errorf("event.DataAs: %v", err)
	}

	var chunk types.SyncChunkEvent
	if err := json.Unmarshal(msg.Message.Data, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk event: %v", err)
	}
	if chunk.UserID == "" || chunk.SessionID == "" {
		return nil, fmt.Errorf("chunk event missing user_id or session_id")
	}

	runner := sync.NewRunner(fwCtx.Service, fwCtx.Service.Notify)
	result, err := runner.RunChunk(ctx, fwCtx.Logger, chunk.UserID, chunk.SessionID)
	if err != nil {
		// The session document already carries the classified failure;
		// returning the error here routes it to Sentry and the
		// execution record. Redelivery of this event is harmless:
		// RunChunk never claims a failed session, so the retry sees the
		// terminal state and acks without replaying the chunk.
		return map[string]interface{}{"session_id": chunk.SessionID}, err
	}

	outputs := map[string]interface{}{
		"session_id": chunk.SessionID,
		"status":     string(result.Session.Status),
		"pages_done": result.Session.PagesDone,
		"done":       result.Done,
	}

	if result.Done || result.NextCursor == nil {
		return outputs, nil
	}

	ce, err := infrapubsub.NewCloudEvent("sync-worker", infrapubsub.EventTypeSyncChunk, types.SyncChunkEvent{
		UserID:    chunk.UserID,
		SessionID: chunk.SessionID,
	})
	if err != nil {
		return outputs, fmt.Errorf("build continuation event: %w", err)
	}
	if _, err := fwCtx.Service.Pub.PublishCloudEvent(ctx, shared.TopicSyncChunk, ce); err != nil {
		return outputs, fmt.Errorf("publish continuation: %w", err)
	}

	fwCtx.Logger.Info("Continuation published",
		"session_id", chunk.SessionID,
		"next_page", result.NextCursor.Page,
		"pages_done", result.Session.PagesDone,
	)
	return outputs, nil
}

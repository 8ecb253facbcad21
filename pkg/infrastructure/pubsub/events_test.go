package pubsub

import (
	"encoding/json"
	"testing"

	"github.com/ripixel/stridesync-server/pkg/types"
)

func TestNewCloudEventCarriesIdentity(t *testing.T) {
	first, err := NewCloudEvent("sync-worker", EventTypeSyncChunk, types.SyncChunkEvent{
		UserID:    "user-1",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("NewCloudEvent failed: %v", err)
	}

	if first.ID() == "" {
		t.Error("event must carry an id")
	}
	if first.Time().IsZero() {
		t.Error("event must carry a timestamp")
	}
	if first.Type() != EventTypeSyncChunk || first.Source() != "sync-worker" {
		t.Errorf("type/source = %s/%s", first.Type(), first.Source())
	}

	var payload types.SyncChunkEvent
	if err := json.Unmarshal(first.Data(), &payload); err != nil {
		t.Fatalf("invalid event data: %v", err)
	}
	if payload.SessionID != "sess-1" {
		t.Errorf("payload = %+v", payload)
	}

	second, err := NewCloudEvent("sync-worker", EventTypeSyncChunk, types.SyncChunkEvent{
		UserID:    "user-1",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("NewCloudEvent failed: %v", err)
	}
	if first.ID() == second.ID() {
		t.Error("two continuation events for the same session must not share an id")
	}
}

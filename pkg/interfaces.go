package shared

import (
	"context"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// --- Persistence Interfaces ---

type Database interface {
	// Users
	GetUser(ctx context.Context, id string) (*types.UserRecord, error)
	UpdateUser(ctx context.Context, id string, data map[string]interface{}) error

	// Executions
	SetExecution(ctx context.Context, record *types.ExecutionRecord) error
	UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error

	// Sync Sessions (sub-collection of users)
	CreateSession(ctx context.Context, session *types.SyncSession) error
	GetSession(ctx context.Context, userID, sessionID string) (*types.SyncSession, error)
	UpdateSession(ctx context.Context, userID, sessionID string, data map[string]interface{}) error
	// TransactSession reads the session and applies the update map fn
	// returns in one atomic step, so two invocations racing for the same
	// session cannot both see the pre-claim snapshot. fn returning a nil
	// map skips the write; fn returning an error aborts.
	TransactSession(ctx context.Context, userID, sessionID string, fn func(*types.SyncSession) (map[string]interface{}, error)) (*types.SyncSession, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*types.SyncSession, error)

	// Persisted Runs (sub-collection of users, doc id = source activity id)
	ExistingRunIDs(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error)
	SetRuns(ctx context.Context, userID string, runs []*types.PersistedRun) error
	SetRun(ctx context.Context, userID string, run *types.PersistedRun) error
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}

// --- Notification Interfaces ---

type NotificationService interface {
	SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error
}

package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// --- Mock Database ---
type MockDatabase struct {
	GetUserFunc         func(ctx context.Context, id string) (*types.UserRecord, error)
	UpdateUserFunc      func(ctx context.Context, id string, data map[string]interface{}) error
	SetExecutionFunc    func(ctx context.Context, record *types.ExecutionRecord) error
	UpdateExecutionFunc func(ctx context.Context, id string, data map[string]interface{}) error
	CreateSessionFunc   func(ctx context.Context, session *types.SyncSession) error
	GetSessionFunc      func(ctx context.Context, userID, sessionID string) (*types.SyncSession, error)
	UpdateSessionFunc   func(ctx context.Context, userID, sessionID string, data map[string]interface{}) error
	TransactSessionFunc func(ctx context.Context, userID, sessionID string, fn func(*types.SyncSession) (map[string]interface{}, error)) (*types.SyncSession, error)
	ListSessionsFunc    func(ctx context.Context, userID string, limit int) ([]*types.SyncSession, error)
	ExistingRunIDsFunc  func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error)
	SetRunsFunc         func(ctx context.Context, userID string, runs []*types.PersistedRun) error
	SetRunFunc          func(ctx context.Context, userID string, run *types.PersistedRun) error
}

func (m *MockDatabase) GetUser(ctx context.Context, id string) (*types.UserRecord, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	return nil, fmt.Errorf("user not found")
}
func (m *MockDatabase) UpdateUser(ctx context.Context, id string, data map[string]interface{}) error {
	if m.UpdateUserFunc != nil {
		return m.UpdateUserFunc(ctx, id, data)
	}
	return nil
}
func (m *MockDatabase) SetExecution(ctx context.Context, record *types.ExecutionRecord) error {
	if m.SetExecutionFunc != nil {
		return m.SetExecutionFunc(ctx, record)
	}
	return nil
}
func (m *MockDatabase) UpdateExecution(ctx context.Context, id string, data map[string]interface{}) error {
	if m.UpdateExecutionFunc != nil {
		return m.UpdateExecutionFunc(ctx, id, data)
	}
	return nil
}
func (m *MockDatabase) CreateSession(ctx context.Context, session *types.SyncSession) error {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, session)
	}
	return nil
}
func (m *MockDatabase) GetSession(ctx context.Context, userID, sessionID string) (*types.SyncSession, error) {
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx, userID, sessionID)
	}
	return nil, fmt.Errorf("session not found")
}
func (m *MockDatabase) UpdateSession(ctx context.Context, userID, sessionID string, data map[string]interface{}) error {
	if m.UpdateSessionFunc != nil {
		return m.UpdateSessionFunc(ctx, userID, sessionID, data)
	}
	return nil
}
func (m *MockDatabase) TransactSession(ctx context.Context, userID, sessionID string, fn func(*types.SyncSession) (map[string]interface{}, error)) (*types.SyncSession, error) {
	if m.TransactSessionFunc != nil {
		return m.TransactSessionFunc(ctx, userID, sessionID, fn)
	}
	return nil, fmt.Errorf("session not found")
}
func (m *MockDatabase) ListSessions(ctx context.Context, userID string, limit int) ([]*types.SyncSession, error) {
	if m.ListSessionsFunc != nil {
		return m.ListSessionsFunc(ctx, userID, limit)
	}
	return nil, nil
}
func (m *MockDatabase) ExistingRunIDs(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
	if m.ExistingRunIDsFunc != nil {
		return m.ExistingRunIDsFunc(ctx, userID, sourceIDs)
	}
	return map[string]bool{}, nil
}
func (m *MockDatabase) SetRuns(ctx context.Context, userID string, runs []*types.PersistedRun) error {
	if m.SetRunsFunc != nil {
		return m.SetRunsFunc(ctx, userID, runs)
	}
	return nil
}
func (m *MockDatabase) SetRun(ctx context.Context, userID string, run *types.PersistedRun) error {
	if m.SetRunFunc != nil {
		return m.SetRunFunc(ctx, userID, run)
	}
	return nil
}

// --- Mock Publisher ---
type MockPublisher struct {
	PublishCloudEventFunc func(ctx context.Context, topic string, e event.Event) (string, error)
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	if m.PublishCloudEventFunc != nil {
		return m.PublishCloudEventFunc(ctx, topic, e)
	}
	return "msg-id", nil
}

// --- Mock Storage ---
type MockBlobStore struct {
	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, error)
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	return nil
}
func (m *MockBlobStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	return []byte("mock-data"), nil
}

// --- Mock Notifications ---
type MockNotificationService struct {
	SendPushNotificationFunc func(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error
}

func (m *MockNotificationService) SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error {
	if m.SendPushNotificationFunc != nil {
		return m.SendPushNotificationFunc(ctx, userID, title, body, tokens, data)
	}
	return nil
}

// --- In-memory session store ---

// SessionStore is a MockDatabase helper that keeps sessions in a map so
// multi-chunk tests can exercise claim/park/resume against real state.
// Access is serialized by a mutex and TransactSession holds it across
// the read and the write, mirroring the transactional adapter.
type SessionStore struct {
	mu       sync.Mutex
	Sessions map[string]*types.SyncSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{Sessions: map[string]*types.SyncSession{}}
}

func (s *SessionStore) Install(db *MockDatabase) {
	db.CreateSessionFunc = func(ctx context.Context, session *types.SyncSession) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		copied := *session
		s.Sessions[session.SessionID] = &copied
		return nil
	}
	db.GetSessionFunc = func(ctx context.Context, userID, sessionID string) (*types.SyncSession, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		session, ok := s.Sessions[sessionID]
		if !ok {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		copied := *session
		return &copied, nil
	}
	db.UpdateSessionFunc = func(ctx context.Context, userID, sessionID string, data map[string]interface{}) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		session, ok := s.Sessions[sessionID]
		if !ok {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		applySessionUpdate(session, data)
		return nil
	}
	db.TransactSessionFunc = func(ctx context.Context, userID, sessionID string, fn func(*types.SyncSession) (map[string]interface{}, error)) (*types.SyncSession, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		session, ok := s.Sessions[sessionID]
		if !ok {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		copied := *session
		updates, err := fn(&copied)
		if err != nil {
			return nil, err
		}
		if updates != nil {
			applySessionUpdate(session, updates)
		}
		return &copied, nil
	}
}

// applySessionUpdate mirrors how the Firestore adapter applies dotted
// update maps, but against the in-memory struct.
func applySessionUpdate(session *types.SyncSession, data map[string]interface{}) {
	for key, value := range data {
		switch key {
		case "status":
			session.Status = types.SessionStatus(value.(string))
		case "updated_at":
			session.UpdatedAt = value.(time.Time)
		case "cancel_requested":
			session.CancelRequested = value.(bool)
		case "failed_stage":
			session.FailedStage = value.(string)
		case "failure_reason":
			session.FailureReason = value.(string)
		case "pages_done":
			session.PagesDone = value.(int)
		case "cursor":
			if value == nil {
				session.Cursor = nil
				continue
			}
			m := value.(map[string]interface{})
			session.Cursor = &types.Cursor{
				Mode:    types.CursorMode(m["mode"].(string)),
				Page:    m["page"].(int),
				PerPage: m["per_page"].(int),
				After:   m["after"].(int64),
				Before:  m["before"].(int64),
			}
		case "counters":
			m := value.(map[string]interface{})
			session.Counters = types.SessionCounters{
				Fetched:  m["fetched"].(int),
				Enriched: m["enriched"].(int),
				Saved:    m["saved"].(int),
				Skipped:  m["skipped"].(int),
				Failed:   m["failed"].(int),
			}
		}
	}
}

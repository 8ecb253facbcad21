package types

import "time"

// SessionStatus is the persisted state of a sync session. The running
// states double as a lock: an invocation that finds a session in one of
// them must not advance it unless the claim has gone stale.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionFetching   SessionStatus = "fetching"
	SessionEnriching  SessionStatus = "enriching"
	SessionPersisting SessionStatus = "persisting"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status can never be advanced again
// (failed sessions may still be explicitly resumed).
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Running reports whether an invocation currently owns the session.
func (s SessionStatus) Running() bool {
	return s == SessionFetching || s == SessionEnriching || s == SessionPersisting
}

// CursorMode selects the upstream pagination scheme.
type CursorMode string

const (
	CursorModePage   CursorMode = "page"
	CursorModeWindow CursorMode = "window"
)

// Cursor is opaque pagination state. Page mode carries a 1-based page
// index; window mode carries epoch-second after/before bounds and
// advances After past each consumed page.
type Cursor struct {
	Mode    CursorMode `json:"mode"`
	Page    int        `json:"page,omitempty"`
	PerPage int        `json:"per_page"`
	After   int64      `json:"after,omitempty"`
	Before  int64      `json:"before,omitempty"`
}

// SessionCounters accumulate across chunks. Fetched counts qualifying
// items only; termination is decided by the raw page size, never these.
type SessionCounters struct {
	Fetched  int `json:"fetched"`
	Enriched int `json:"enriched"`
	Saved    int `json:"saved"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// SyncSession is the persisted, resumable state of one user's sync run.
// It is owned exclusively by the chunk runner and mutated only between
// chunk boundaries.
type SyncSession struct {
	SessionID       string          `json:"session_id"`
	UserID          string          `json:"user_id"`
	Status          SessionStatus   `json:"status"`
	Cursor          *Cursor         `json:"cursor,omitempty"`
	Counters        SessionCounters `json:"counters"`
	PagesDone       int             `json:"pages_done"`
	FailedStage     string          `json:"failed_stage,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SyncWindow describes the requested time range for a new session.
// Zero value means "all time" (page-mode cursor from page 1).
type SyncWindow struct {
	// RelativeDays syncs the trailing N days when > 0.
	RelativeDays int `json:"relative_days,omitempty"`
	// After/Before are absolute epoch-second bounds.
	After  int64 `json:"after,omitempty"`
	Before int64 `json:"before,omitempty"`
}

// SyncRequest is the trigger surface input.
type SyncRequest struct {
	Action    string      `json:"action"` // start | resume | cancel | status
	UserID    string      `json:"userId"`
	SessionID string      `json:"sessionId,omitempty"`
	Window    *SyncWindow `json:"window,omitempty"`
}

// SyncResponse is the trigger surface output. A nil NextCursor is the
// authoritative "fully complete" signal.
type SyncResponse struct {
	SessionID   string          `json:"sessionId"`
	Status      SessionStatus   `json:"status"`
	Progress    SessionCounters `json:"progress"`
	NextCursor  *Cursor         `json:"nextCursor"`
	FailedStage string          `json:"failedStage,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// SyncChunkEvent is the Pub/Sub continuation payload consumed by the
// sync worker.
type SyncChunkEvent struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

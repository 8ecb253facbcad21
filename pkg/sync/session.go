package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	shared "github.com/ripixel/stridesync-server/pkg"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// Sessions manages the persisted sync session state machine. All
// mutations happen between chunk boundaries; the running statuses double
// as an ownership lock with a staleness escape hatch.
type Sessions struct {
	DB shared.Database
	// StaleAfter is how long a running status may go without an update
	// before another invocation may reclaim the session.
	StaleAfter time.Duration
}

func NewSessions(db shared.Database, staleAfter time.Duration) *Sessions {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Sessions{DB: db, StaleAfter: staleAfter}
}

// Create persists a new pending session with its initial cursor.
func (s *Sessions) Create(ctx context.Context, userID string, window *types.SyncWindow, perPage int) (*types.SyncSession, error) {
	now := time.Now()
	session := &types.SyncSession{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Status:    types.SessionPending,
		Cursor:    NewCursor(window, perPage, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.DB.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Claim takes ownership of a session for one chunk. It succeeds for
// pending sessions, failed sessions when resume is set, and running
// sessions whose last update is older than the staleness threshold
// (crashed owner). Cancellation requests are honoured here, at the chunk
// boundary, never mid-chunk.
//
// The read and the claiming write run in one transaction: two
// invocations racing over the same pending session serialize, and the
// loser observes the winner's running status instead of the shared
// snapshot.
func (s *Sessions) Claim(ctx context.Context, userID, sessionID string, resume bool) (*types.SyncSession, error) {
	now := time.Now()
	var claimErr error
	var cancelled bool

	session, err := s.DB.TransactSession(ctx, userID, sessionID, func(cur *types.SyncSession) (map[string]interface{}, error) {
		// The transaction may retry; start each attempt clean.
		claimErr = nil
		cancelled = false

		if cur.CancelRequested && !cur.Status.Terminal() {
			claimErr = ErrSessionTerminal
			cancelled = true
			return map[string]interface{}{
				"status":     string(types.SessionCancelled),
				"updated_at": now,
			}, nil
		}

		switch {
		case cur.Status == types.SessionPending:
			// first chunk, or parked between chunks
		case cur.Status == types.SessionFailed:
			// Only an explicit resume re-enters a failed session. A
			// redelivered continuation event lands here and must not
			// replay the failed chunk.
			if !resume {
				claimErr = ErrSessionTerminal
				return nil, nil
			}
		case cur.Status.Running():
			if now.Sub(cur.UpdatedAt) < s.StaleAfter {
				claimErr = ErrSessionBusy
				return nil, nil
			}
			// stale claim: previous owner timed out or crashed mid-chunk
		default:
			claimErr = ErrSessionTerminal
			return nil, nil
		}

		return map[string]interface{}{
			"status":         string(types.SessionFetching),
			"updated_at":     now,
			"failed_stage":   "",
			"failure_reason": "",
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	if claimErr != nil {
		if cancelled {
			session.Status = types.SessionCancelled
			session.UpdatedAt = now
		}
		return session, claimErr
	}

	session.Status = types.SessionFetching
	session.UpdatedAt = now
	session.FailedStage = ""
	session.FailureReason = ""
	return session, nil
}

// MarkStage advances the in-chunk status (fetching → enriching →
// persisting) so a stale-claim observer knows how far the owner got.
func (s *Sessions) MarkStage(ctx context.Context, session *types.SyncSession, status types.SessionStatus) error {
	return s.transition(ctx, session, status, nil)
}

// Park saves the advanced cursor and counters at a chunk boundary and
// releases ownership so the next invocation can claim the session.
func (s *Sessions) Park(ctx context.Context, session *types.SyncSession, cursor *types.Cursor, counters types.SessionCounters) error {
	session.Cursor = cursor
	session.Counters = counters
	session.PagesDone++
	return s.transition(ctx, session, types.SessionPending, map[string]interface{}{
		"cursor": map[string]interface{}{
			"mode":     string(cursor.Mode),
			"page":     cursor.Page,
			"per_page": cursor.PerPage,
			"after":    cursor.After,
			"before":   cursor.Before,
		},
		"counters":   countersMap(counters),
		"pages_done": session.PagesDone,
	})
}

// Complete records the terminal success state with final counters.
func (s *Sessions) Complete(ctx context.Context, session *types.SyncSession, counters types.SessionCounters) error {
	session.Counters = counters
	session.Cursor = nil
	session.PagesDone++
	return s.transition(ctx, session, types.SessionCompleted, map[string]interface{}{
		"cursor":     nil,
		"counters":   countersMap(counters),
		"pages_done": session.PagesDone,
	})
}

// Fail records the failing stage and a short, sanitized reason. The
// cursor is left untouched so a resume re-enters at the same page.
func (s *Sessions) Fail(ctx context.Context, session *types.SyncSession, stage, reason string, counters types.SessionCounters) error {
	session.Counters = counters
	session.FailedStage = stage
	session.FailureReason = reason
	return s.transition(ctx, session, types.SessionFailed, map[string]interface{}{
		"failed_stage":   stage,
		"failure_reason": reason,
		"counters":       countersMap(counters),
	})
}

// RequestCancel flags the session for cooperative cancellation; the flag
// is sampled at the next chunk boundary.
func (s *Sessions) RequestCancel(ctx context.Context, userID, sessionID string) (*types.SyncSession, error) {
	session, err := s.DB.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.Status.Terminal() {
		return session, nil
	}

	// A parked session has no in-flight chunk; cancel it immediately.
	if session.Status == types.SessionPending {
		session.CancelRequested = true
		if err := s.transition(ctx, session, types.SessionCancelled, map[string]interface{}{
			"cancel_requested": true,
		}); err != nil {
			return nil, err
		}
		return session, nil
	}

	session.CancelRequested = true
	if err := s.DB.UpdateSession(ctx, userID, sessionID, map[string]interface{}{
		"cancel_requested": true,
		"updated_at":       time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}
	return session, nil
}

func (s *Sessions) transition(ctx context.Context, session *types.SyncSession, status types.SessionStatus, extra map[string]interface{}) error {
	now := time.Now()
	data := map[string]interface{}{
		"status":     string(status),
		"updated_at": now,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.DB.UpdateSession(ctx, session.UserID, session.SessionID, data); err != nil {
		return fmt.Errorf("failed to transition session to %s: %w", status, err)
	}
	session.Status = status
	session.UpdatedAt = now
	return nil
}

func countersMap(c types.SessionCounters) map[string]interface{} {
	return map[string]interface{}{
		"fetched":  c.Fetched,
		"enriched": c.Enriched,
		"saved":    c.Saved,
		"skipped":  c.Skipped,
		"failed":   c.Failed,
	}
}

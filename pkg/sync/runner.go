package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/ripixel/stridesync-server/pkg"
	"github.com/ripixel/stridesync-server/pkg/bootstrap"
	"github.com/ripixel/stridesync-server/pkg/infrastructure/oauth"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// PageFetcher retrieves one page per call.
type PageFetcher interface {
	FetchPage(ctx context.Context, logger *slog.Logger, cursor *types.Cursor) (*Page, error)
}

// ActivityEnricher augments a page of activities, best-effort.
type ActivityEnricher interface {
	Enrich(ctx context.Context, logger *slog.Logger, items []types.RawActivity) []types.EnrichedActivity
}

// RunPersister idempotently upserts one page of enriched activities.
type RunPersister interface {
	Persist(ctx context.Context, logger *slog.Logger, userID string, items []types.EnrichedActivity) (PersistResult, error)
}

// ChunkResult is what one invocation hands back to its trigger. A nil
// NextCursor is the authoritative completion signal.
type ChunkResult struct {
	Session    *types.SyncSession
	NextCursor *types.Cursor
	Done       bool
}

// Runner drives exactly one chunk per call: claim → fetch one page →
// enrich → persist → save cursor/counters → yield. Doing more per call
// is deliberately not supported; the one-page bound is what keeps every
// invocation far inside the compute environment's wall-clock limit.
type Runner struct {
	Svc       *bootstrap.Service
	Sessions  *Sessions
	Enricher  ActivityEnricher
	Persister RunPersister
	Notifier  shared.NotificationService
	// NewFetcher builds a per-user fetcher; split out so tests can
	// substitute a fake without a token source.
	NewFetcher func(userID string) PageFetcher
}

// NewRunner wires the production pipeline from the service container.
func NewRunner(svc *bootstrap.Service, notifier shared.NotificationService) *Runner {
	cfg := svc.Config
	return &Runner{
		Svc:       svc,
		Sessions:  NewSessions(svc.DB, cfg.StaleClaimAfter),
		Enricher:  NewEnricher(cfg.WeatherBaseURL, cfg.WeatherAPIKey, nil, cfg.EnrichmentWorkers),
		Persister: NewPersister(svc.DB, cfg.OverwriteExisting),
		Notifier:  notifier,
		NewFetcher: func(userID string) PageFetcher {
			tokenSource := oauth.NewFirestoreTokenSource(svc, userID)
			client := oauth.NewClientWithUsageTracking(tokenSource, svc, userID)
			return NewFetcher(cfg.StravaBaseURL, client, cfg.FetchRetryMax)
		},
	}
}

// SessionManager exposes session lifecycle operations (cancel, status)
// that sit outside the chunk pipeline.
func (r *Runner) SessionManager() *Sessions {
	return r.Sessions
}

// Start creates a new session for the request window and immediately
// runs its first chunk.
func (r *Runner) Start(ctx context.Context, logger *slog.Logger, userID string, window *types.SyncWindow) (*ChunkResult, error) {
	session, err := r.Sessions.Create(ctx, userID, window, r.Svc.Config.PerPage)
	if err != nil {
		return nil, err
	}
	logger.Info("Sync session created", "session_id", session.SessionID, "cursor_mode", session.Cursor.Mode)
	return r.runChunk(ctx, logger, userID, session.SessionID, false)
}

// RunChunk processes one chunk of the given session and returns. Failed
// sessions are not claimable here; a redelivered continuation event must
// not replay a recorded failure.
func (r *Runner) RunChunk(ctx context.Context, logger *slog.Logger, userID, sessionID string) (*ChunkResult, error) {
	return r.runChunk(ctx, logger, userID, sessionID, false)
}

// Resume explicitly re-enters a failed session at its saved cursor.
func (r *Runner) Resume(ctx context.Context, logger *slog.Logger, userID, sessionID string) (*ChunkResult, error) {
	return r.runChunk(ctx, logger, userID, sessionID, true)
}

func (r *Runner) runChunk(ctx context.Context, logger *slog.Logger, userID, sessionID string, resume bool) (*ChunkResult, error) {
	logger = logger.With("session_id", sessionID)

	session, err := r.Sessions.Claim(ctx, userID, sessionID, resume)
	if err != nil {
		if errors.Is(err, ErrSessionTerminal) || errors.Is(err, ErrSessionBusy) {
			logger.Info("Session not claimable", "status", session.Status, "reason", err.Error())
			return &ChunkResult{Session: session, Done: session.Status.Terminal()}, nil
		}
		return nil, err
	}

	cursor := session.Cursor
	if cursor == nil {
		// A claimed session without a cursor has nothing left to do.
		if err := r.Sessions.Complete(ctx, session, session.Counters); err != nil {
			return nil, err
		}
		return &ChunkResult{Session: session, Done: true}, nil
	}
	counters := session.Counters

	// --- Fetch ---
	fetcher := r.NewFetcher(userID)
	page, err := fetcher.FetchPage(ctx, logger, cursor)
	if err != nil {
		return r.failChunk(ctx, logger, session, counters, err)
	}
	counters.Fetched += len(page.Items)
	logger.Info("Page fetched",
		"raw_count", page.RawCount,
		"qualifying", len(page.Items),
		"per_page", cursor.PerPage,
	)

	r.archiveRawPage(ctx, logger, session, page)

	// --- Enrich ---
	if err := r.Sessions.MarkStage(ctx, session, types.SessionEnriching); err != nil {
		return nil, err
	}
	enriched := r.Enricher.Enrich(ctx, logger, page.Items)
	for _, e := range enriched {
		if e.Weather != nil || e.Place != nil {
			counters.Enriched++
		}
	}

	// --- Persist ---
	if err := r.Sessions.MarkStage(ctx, session, types.SessionPersisting); err != nil {
		return nil, err
	}
	result, err := r.Persister.Persist(ctx, logger, userID, enriched)
	counters.Saved += result.Saved
	counters.Skipped += result.Skipped
	counters.Failed += result.Failed
	if err != nil {
		return r.failChunk(ctx, logger, session, counters, err)
	}
	logger.Info("Page persisted",
		"saved", result.Saved,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)

	// --- Advance ---
	next := AdvanceCursor(cursor, page.RawCount, page.LastStart)
	if next == nil {
		if err := r.Sessions.Complete(ctx, session, counters); err != nil {
			return nil, err
		}
		logger.Info("Sync session completed",
			"pages", session.PagesDone,
			"saved", counters.Saved,
			"skipped", counters.Skipped,
		)
		r.notifyTerminal(ctx, logger, session)
		return &ChunkResult{Session: session, Done: true}, nil
	}

	if err := r.Sessions.Park(ctx, session, next, counters); err != nil {
		return nil, err
	}
	return &ChunkResult{Session: session, NextCursor: next, Done: false}, nil
}

// failChunk classifies the stage error, records it on the session, and
// reports partial progress instead of surfacing a raw error chain.
func (r *Runner) failChunk(ctx context.Context, logger *slog.Logger, session *types.SyncSession, counters types.SessionCounters, cause error) (*ChunkResult, error) {
	stage, reason := classify(cause)
	logger.Error("Chunk failed", "stage", stage, "reason", reason, "error", cause)

	if err := r.Sessions.Fail(ctx, session, stage, reason, counters); err != nil {
		return nil, err
	}
	r.notifyTerminal(ctx, logger, session)
	return &ChunkResult{Session: session, Done: true}, cause
}

// classify maps a stage error to (stage, user-safe reason). Raw upstream
// payloads never reach the session document or the trigger response.
func classify(err error) (string, string) {
	var authErr *AuthError
	if errors.As(err, &authErr) || errors.Is(err, oauth.ErrReauthRequired) {
		return StageCredentials, "re-authentication required"
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.StatusCode == 429 {
			return StageFetching, "upstream rate limit not clearing"
		}
		return StageFetching, fmt.Sprintf("upstream unavailable (status %d)", upErr.StatusCode)
	}

	var persErr *PersistenceError
	if errors.As(err, &persErr) {
		return StagePersisting, "storage unavailable"
	}

	return StageFetching, "unexpected error"
}

// archiveRawPage keeps the raw upstream payload for diagnostics when an
// artifact bucket is configured. Best-effort only.
func (r *Runner) archiveRawPage(ctx context.Context, logger *slog.Logger, session *types.SyncSession, page *Page) {
	bucket := r.Svc.Config.ArtifactBucket
	if bucket == "" || len(page.RawBody) == 0 {
		return
	}
	object := fmt.Sprintf("sync/%s/%s/page-%d.json", session.UserID, session.SessionID, session.PagesDone+1)
	if err := r.Svc.Store.Write(ctx, bucket, object, page.RawBody); err != nil {
		logger.Warn("Failed to archive raw page", "object", object, "error", err)
	}
}

// notifyTerminal pushes a best-effort completion or failure notice.
func (r *Runner) notifyTerminal(ctx context.Context, logger *slog.Logger, session *types.SyncSession) {
	if r.Notifier == nil {
		return
	}

	user, err := r.Svc.DB.GetUser(ctx, session.UserID)
	if err != nil || user == nil || len(user.FcmTokens) == 0 {
		return
	}

	var title, body string
	switch session.Status {
	case types.SessionCompleted:
		title = "Sync complete"
		body = fmt.Sprintf("%d runs saved, %d already up to date.", session.Counters.Saved, session.Counters.Skipped)
	case types.SessionFailed:
		title = "Sync failed"
		body = session.FailureReason
	default:
		return
	}

	data := map[string]string{
		"session_id": session.SessionID,
		"status":     string(session.Status),
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Notifier.SendPushNotification(notifyCtx, session.UserID, title, body, user.FcmTokens, data); err != nil {
		logger.Warn("Failed to send sync notification", "error", err)
	}
}

package syncapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/go-chi/chi/v5"

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

	router     http.Handler
	routerOnce gosync.Once
)

func init() {
	functions.HTTP("SyncAPI", SyncAPI)
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

// SyncAPI is the HTTP entry point
func SyncAPI(w http.ResponseWriter, r *http.Request) {
	svc, err := initService(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(errorResponse{Error: "Internal server error"})
		return
	}

	routerOnce.Do(func() {
		router = framework.WrapHTTP("sync-api", svc, NewRouter(&API{
			Svc:    svc,
			Runner: sync.NewRunner(svc, svc.Notify),
			Logger: bootstrap.NewLogger("sync-api"),
		}))
	})
	router.ServeHTTP(w, r)
}

// API carries the handler dependencies; tests construct it directly
// with a fake runner.
type API struct {
	Svc    *bootstrap.Service
	Runner ChunkRunner
	Logger *slog.Logger
}

// ChunkRunner is the slice of sync.Runner the API needs.
type ChunkRunner interface {
	Start(ctx context.Context, logger *slog.Logger, userID string, window *types.SyncWindow) (*sync.ChunkResult, error)
	Resume(ctx context.Context, logger *slog.Logger, userID, sessionID string) (*sync.ChunkResult, error)
	SessionManager() *sync.Sessions
}

// NewRouter builds the chi router for the sync surface.
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Post("/sync", api.HandleSync)
	r.Get("/sync/sessions", api.HandleListSessions)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSync dispatches a sync action: start, resume, cancel or status.
func (api *API) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")

	var req types.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	logger := api.Logger
	if fwCtx := framework.FromContext(ctx); fwCtx != nil {
		logger = fwCtx.Logger
	}
	logger = logger.With("user_id", req.UserID, "action", req.Action)

	switch req.Action {
	case "start":
		api.handleStart(ctx, w, logger, &req)
	case "resume":
		api.handleResume(ctx, w, logger, &req)
	case "cancel":
		api.handleCancel(ctx, w, logger, &req)
	case "status":
		api.handleStatus(ctx, w, logger, &req)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action: %q", req.Action))
	}
}

func (api *API) handleStart(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, req *types.SyncRequest) {
	result, err := api.Runner.Start(ctx, logger, req.UserID, req.Window)
	api.respondChunk(ctx, w, logger, req.UserID, result, err)
}

func (api *API) handleResume(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, req *types.SyncRequest) {
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required for resume")
		return
	}
	result, err := api.Runner.Resume(ctx, logger, req.UserID, req.SessionID)
	api.respondChunk(ctx, w, logger, req.UserID, result, err)
}

func (api *API) handleCancel(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, req *types.SyncRequest) {
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required for cancel")
		return
	}
	session, err := api.Runner.SessionManager().RequestCancel(ctx, req.UserID, req.SessionID)
	if err != nil {
		logger.Error("Cancel failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (api *API) handleStatus(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, req *types.SyncRequest) {
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required for status")
		return
	}
	session, err := api.Svc.DB.GetSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		logger.Warn("Session lookup failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// HandleListSessions returns a user's recent sync sessions, newest first.
// GET /sync/sessions?userId=...
func (api *API) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	sessions, err := api.Svc.DB.ListSessions(r.Context(), userID, 20)
	if err != nil {
		api.Logger.Error("Failed to list sessions", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]*types.SyncResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// respondChunk turns a chunk outcome into the wire response and, when a
// continuation remains, hands it to the background worker.
func (api *API) respondChunk(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, userID string, result *sync.ChunkResult, err error) {
	if err != nil && result == nil {
		logger.Error("Chunk run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	// A result alongside an error means the failure was classified and
	// recorded on the session; the response carries stage + reason, never
	// the raw upstream error. The next cursor comes from the session
	// itself: nil only once the sync is genuinely complete, preserved on
	// a failed-but-resumable session.
	resp := sessionResponse(result.Session)

	if !result.Done && result.NextCursor != nil {
		api.publishContinuation(ctx, logger, userID, result.Session.SessionID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// publishContinuation pushes the next chunk onto the worker topic so the
// remainder of the sync proceeds without the client polling /sync.
func (api *API) publishContinuation(ctx context.Context, logger *slog.Logger, userID, sessionID string) {
	if !api.Svc.Config.EnablePublish {
		return
	}
	ce, err := infrapubsub.NewCloudEvent("sync-api", infrapubsub.EventTypeSyncChunk, types.SyncChunkEvent{
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		logger.Warn("Failed to build continuation event", "error", err)
		return
	}
	if _, err := api.Svc.Pub.PublishCloudEvent(ctx, shared.TopicSyncChunk, ce); err != nil {
		logger.Warn("Failed to publish continuation", "session_id", sessionID, "error", err)
	}
}

func sessionResponse(s *types.SyncSession) *types.SyncResponse {
	return &types.SyncResponse{
		SessionID:   s.SessionID,
		Status:      s.Status,
		Progress:    s.Counters,
		NextCursor:  s.Cursor,
		FailedStage: s.FailedStage,
		Reason:      s.FailureReason,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

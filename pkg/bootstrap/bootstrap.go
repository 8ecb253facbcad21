package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"

	shared "github.com/ripixel/stridesync-server/pkg"
	"github.com/ripixel/stridesync-server/pkg/infrastructure/database"
	"github.com/ripixel/stridesync-server/pkg/infrastructure/notifications"
	infrapubsub "github.com/ripixel/stridesync-server/pkg/infrastructure/pubsub"
	infrasentry "github.com/ripixel/stridesync-server/pkg/infrastructure/sentry"
	infrastorage "github.com/ripixel/stridesync-server/pkg/infrastructure/storage"
)

// Config holds standard configuration for all services. It is read once
// here and passed by dependency injection; nothing else reads the
// environment directly.
type Config struct {
	ProjectID      string
	EnablePublish  bool
	ArtifactBucket string

	SentryDSN   string
	Environment string
	Release     string

	// Upstream activity API
	StravaBaseURL      string
	StravaTokenURL     string
	StravaClientID     string
	StravaClientSecret string

	// Weather/geocoding provider
	WeatherBaseURL string
	WeatherAPIKey  string

	// Pipeline tuning
	PerPage           int
	EnrichmentWorkers int
	FetchRetryMax     int
	StaleClaimAfter   time.Duration
	OverwriteExisting bool
}

// Service holds initialized dependencies
type Service struct {
	DB     shared.Database
	Store  shared.BlobStore
	Pub    shared.Publisher
	Notify shared.NotificationService // nil when FCM is unavailable
	Config *Config
}

// LoadConfig reads configuration from environment variables
func LoadConfig() *Config {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	return &Config{
		ProjectID:      projectID,
		EnablePublish:  os.Getenv("ENABLE_PUBLISH") == "true",
		ArtifactBucket: os.Getenv("GCS_ARTIFACT_BUCKET"),

		SentryDSN:   os.Getenv("SENTRY_DSN"),
		Environment: envOr("ENVIRONMENT", "production"),
		Release:     os.Getenv("RELEASE"),

		StravaBaseURL:      envOr("STRAVA_BASE_URL", "https://www.strava.com/api/v3"),
		StravaTokenURL:     envOr("STRAVA_TOKEN_URL", "https://www.strava.com/oauth/token"),
		StravaClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),

		WeatherBaseURL: envOr("WEATHER_BASE_URL", "https://api.openweathermap.org"),
		WeatherAPIKey:  os.Getenv("WEATHER_API_KEY"),

		PerPage:           envInt("SYNC_PER_PAGE", 50),
		EnrichmentWorkers: envInt("ENRICHMENT_WORKERS", 4),
		FetchRetryMax:     envInt("FETCH_RETRY_MAX", 3),
		StaleClaimAfter:   time.Duration(envInt("STALE_CLAIM_MINUTES", 10)) * time.Minute,
		OverwriteExisting: os.Getenv("SYNC_OVERWRITE_EXISTING") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// GetSlogHandlerOptions returns standard handler options for GCP
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component

	// Check if component is overridden in the record attributes
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false // stop
		}
		return true
	})

	if comp != "" {
		newMsg := fmt.Sprintf("[%s] %s", comp, r.Message)
		newRecord := slog.NewRecord(r.Time, r.Level, newMsg, r.PC)
		// Keep the component attribute in the structured payload
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

// InitLogger configures structured logging with Cloud Logging compatible keys
func InitLogger() {
	opts := GetSlogHandlerOptions(slog.LevelInfo)
	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(&ComponentHandler{Handler: handler})
	slog.SetDefault(logger)
}

// NewLogger creates a configured logger instance
func NewLogger(serviceName string) *slog.Logger {
	logLevelStr := os.Getenv("LOG_LEVEL")
	var level slog.Level
	switch strings.ToLower(logLevelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := GetSlogHandlerOptions(level)
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// NewService initializes all standard dependencies
func NewService(ctx context.Context) (*Service, error) {
	InitLogger()
	cfg := LoadConfig()

	slog.Info("Initializing service", "project_id", cfg.ProjectID)

	// Sentry (no-op without a DSN)
	if err := infrasentry.Init(infrasentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	}, slog.Default()); err != nil {
		slog.Warn("Sentry init failed, continuing without error tracking", "error", err)
	}

	// Firestore
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		slog.Error("Firestore init failed", "error", err)
		return nil, fmt.Errorf("firestore init: %w", err)
	}

	// Pub/Sub
	var pubAdapter shared.Publisher
	if cfg.EnablePublish {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			slog.Error("PubSub init failed", "error", err)
			return nil, fmt.Errorf("pubsub init: %w", err)
		}
		pubAdapter = &infrapubsub.PubSubAdapter{Client: psClient}
		slog.Info("Pub/Sub: REAL (ENABLE_PUBLISH=true)")
	} else {
		pubAdapter = &infrapubsub.LogPublisher{}
		slog.Info("Pub/Sub: MOCK (LogPublisher)")
	}

	// Storage
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		slog.Error("Storage init failed", "error", err)
		return nil, fmt.Errorf("storage init: %w", err)
	}

	// Firebase Messaging. Callers tolerate a nil notifier, so a failure
	// here disables push notifications rather than the whole service.
	var notifier shared.NotificationService
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		slog.Warn("Firebase init failed, push notifications disabled", "error", err)
	} else {
		fcm, err := notifications.NewFCMAdapter(ctx, fbApp, fsClient)
		if err != nil {
			slog.Warn("FCM init failed, push notifications disabled", "error", err)
		} else {
			notifier = fcm
		}
	}

	return &Service{
		DB:     database.NewFirestoreAdapter(fsClient),
		Pub:    pubAdapter,
		Store:  &infrastorage.StorageAdapter{Client: gcsClient},
		Notify: notifier,
		Config: cfg,
	}, nil
}

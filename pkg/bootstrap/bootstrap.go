package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/analysis"
	"github.com/clipforge/server/pkg/infrastructure/database"
	"github.com/clipforge/server/pkg/infrastructure/oauth"
	infrapubsub "github.com/clipforge/server/pkg/infrastructure/pubsub"
	infrasentry "github.com/clipforge/server/pkg/infrastructure/sentry"
	infrastorage "github.com/clipforge/server/pkg/infrastructure/storage"
	"github.com/clipforge/server/pkg/pipeline"
	"github.com/clipforge/server/pkg/queue"
)

// Service holds initialized dependencies
type Service struct {
	DB       shared.Database
	Counter  shared.StageCounterStore
	Store    shared.BlobStore
	Pub      shared.Publisher
	Paths    shared.PathResolver
	Queue    queue.Queue
	Analysis *analysis.Services
	Engine   *pipeline.Engine
	Config   *Config
	Logger   *slog.Logger

	// Local is the in-process queue when QUEUE_BACKEND=memory; the caller
	// starts and stops it.
	Local *queue.MemoryQueue

	closers []func()
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
	comp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			comp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: comp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false
		}
		return true
	})
	if comp == "" {
		return h.Handler.Handle(ctx, r)
	}

	// The component attribute stays in the structured payload as well.
	prefixed := slog.NewRecord(r.Time, r.Level, fmt.Sprintf("[%s] %s", comp, r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		prefixed.AddAttrs(a)
		return true
	})
	return h.Handler.Handle(ctx, prefixed)
}

// ParseLevel maps LOG_LEVEL values onto slog levels; anything unknown is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a configured logger instance
func NewLogger(serviceName string) *slog.Logger {
	opts := GetSlogHandlerOptions(ParseLevel(os.Getenv("LOG_LEVEL")))
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// NewService initializes all standard dependencies and the pipeline engine.
func NewService(ctx context.Context, serviceName string) (*Service, error) {
	logger := NewLogger(serviceName)
	slog.SetDefault(logger)
	cfg := LoadConfig()

	logger.Info("Initializing service",
		"project_id", cfg.ProjectID,
		"database", cfg.DatabaseBackend,
		"queue", cfg.QueueBackend,
		"environment", cfg.Environment)

	if err := infrasentry.Init(infrasentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  serviceName,
	}, logger); err != nil {
		// Reporting is best effort; the service still runs without it.
		logger.Warn("Sentry init failed", "error", err)
	}

	svc := &Service{Config: cfg, Logger: logger}
	if err := svc.wire(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) wire(ctx context.Context) error {
	cfg := s.Config
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	switch cfg.DatabaseBackend {
	case BackendMemory:
		s.DB = database.NewMemoryAdapter()
		s.Counter = pipeline.NewMemoryStageCounter()
		s.Logger.Info("Database: MEMORY (DATABASE_BACKEND=memory)")
	case BackendFirestore, "":
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			s.Logger.Error("Firestore init failed", "error", err)
			return fmt.Errorf("firestore init: %w", err)
		}
		s.closers = append(s.closers, func() { _ = fsClient.Close() })
		adapter := database.NewFirestoreAdapter(fsClient)
		s.DB = adapter
		s.Counter = adapter
	default:
		return fmt.Errorf("unknown DATABASE_BACKEND %q", cfg.DatabaseBackend)
	}

	if cfg.EnablePublish {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			s.Logger.Error("PubSub init failed", "error", err)
			return fmt.Errorf("pubsub init: %w", err)
		}
		adapter := &infrapubsub.PubSubAdapter{Client: psClient}
		s.closers = append(s.closers, func() {
			adapter.Stop()
			_ = psClient.Close()
		})
		s.Pub = adapter
		s.Logger.Info("Pub/Sub: REAL (ENABLE_PUBLISH=true)")
	} else {
		s.Pub = &infrapubsub.LogPublisher{Logger: s.Logger}
		s.Logger.Info("Pub/Sub: MOCK (LogPublisher)")
	}

	if cfg.GCSArtifactBucket != "" || cfg.GCSMediaBucket != "" {
		gcsClient, err := storage.NewClient(ctx, opts...)
		if err != nil {
			s.Logger.Error("Storage init failed", "error", err)
			return fmt.Errorf("storage init: %w", err)
		}
		s.closers = append(s.closers, func() { _ = gcsClient.Close() })
		s.Store = &infrastorage.StorageAdapter{Client: gcsClient}
	}
	if cfg.GCSMediaBucket != "" {
		s.Paths = infrastorage.GCSPathResolver{Bucket: cfg.GCSMediaBucket}
	}

	switch cfg.QueueBackend {
	case BackendPubSub:
		if !cfg.EnablePublish {
			s.Logger.Warn("QUEUE_BACKEND=pubsub without ENABLE_PUBLISH: jobs are only logged")
		}
		s.Queue = queue.NewPubSubQueue(s.Pub)
	case BackendMemory, "":
		s.Local = queue.NewMemoryQueue(s.Logger)
		s.Queue = s.Local
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	client, err := analysis.NewClient(s.analysisHTTPClient(), s.Logger)
	if err != nil {
		return fmt.Errorf("analysis client init: %w", err)
	}
	s.Analysis = analysis.NewServices(client, cfg.Analysis)

	s.Engine = pipeline.NewEngine(pipeline.Deps{
		DB:       s.DB,
		Counter:  s.Counter,
		Queue:    s.Queue,
		Services: s.Analysis,
		Paths:    s.Paths,
		Blobs:    s.Store,
		Logger:   s.Logger,
	}, cfg.Pipeline)
	if s.Local != nil {
		s.Engine.RegisterWorkers(s.Local)
	}
	return nil
}

// analysisHTTPClient authenticates with client credentials when configured.
// Per-request deadlines come from the endpoints, so the client has none.
func (s *Service) analysisHTTPClient() *http.Client {
	cfg := s.Config
	if cfg.OAuthClientID == "" || cfg.OAuthTokenURL == "" {
		return oauth.NewClient(nil, 0)
	}
	s.Logger.Info("Analysis services: OAuth client credentials", "token_url", cfg.OAuthTokenURL)
	return oauth.NewClient(oauth.NewClientCredentialsSource(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL), 0)
}

// Close releases cloud clients in reverse order of creation.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

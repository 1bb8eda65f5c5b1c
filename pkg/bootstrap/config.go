package bootstrap

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/analysis"
	"github.com/clipforge/server/pkg/pipeline"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

const (
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
	BackendPubSub    = "pubsub"
)

// Config holds standard configuration for all services
type Config struct {
	ProjectID         string
	Environment       string
	Release           string
	EnablePublish     bool
	GCSArtifactBucket string
	GCSMediaBucket    string
	CredentialsFile   string
	SentryDSN         string
	Port              string

	// DatabaseBackend is firestore (default) or memory.
	DatabaseBackend string
	// QueueBackend is memory (default) or pubsub.
	QueueBackend string

	Analysis          analysis.Config
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string

	Pipeline pipeline.Config
}

// LoadConfig reads configuration from environment variables
func LoadConfig() *Config {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	pipe := pipeline.DefaultConfig()
	pipe.HighlightThreshold = envFloat("HIGHLIGHT_THRESHOLD", pipe.HighlightThreshold)
	pipe.MaxClipsPerStream = envInt("MAX_CLIPS_PER_STREAM", pipe.MaxClipsPerStream)
	pipe.StreamFailureThreshold = envFloat("STREAM_FAILURE_THRESHOLD", pipe.StreamFailureThreshold)
	pipe.CompleteWhenClipsResolved = os.Getenv("COMPLETE_WHEN_CLIPS_RESOLVED") == "true"
	pipe.ArtifactBucket = os.Getenv("GCS_ARTIFACT_BUCKET")
	for _, stage := range types.Stages {
		p := pipe.Policies[stage]
		p.Concurrency = envInt(strings.ToUpper(string(stage))+"_CONCURRENCY", p.Concurrency)
		pipe.Policies[stage] = p
	}

	return &Config{
		ProjectID:         projectID,
		Environment:       envString("ENVIRONMENT", "development"),
		Release:           os.Getenv("RELEASE"),
		EnablePublish:     os.Getenv("ENABLE_PUBLISH") == "true",
		GCSArtifactBucket: os.Getenv("GCS_ARTIFACT_BUCKET"),
		GCSMediaBucket:    os.Getenv("GCS_MEDIA_BUCKET"),
		CredentialsFile:   os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_FILE"),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		Port:              envString("PORT", "8080"),
		DatabaseBackend:   strings.ToLower(envString("DATABASE_BACKEND", BackendFirestore)),
		QueueBackend:      strings.ToLower(envString("QUEUE_BACKEND", BackendMemory)),
		Analysis: analysis.Config{
			TranscriptionURL: envString("ASR_SERVICE_URL", "http://localhost:8001"),
			VisionURL:        envString("VISION_SERVICE_URL", "http://localhost:8002"),
			ScoringURL:       envString("SCORING_SERVICE_URL", "http://localhost:8003"),
			RenderURL:        envString("RENDER_SERVICE_URL", "http://localhost:8004"),
			PollInterval:     envDuration("POLL_INTERVAL", analysis.DefaultPollInterval),
			MaxAttempts:      envInt("POLL_MAX_ATTEMPTS", analysis.DefaultMaxAttempts),
			RenderTimeout:    envDuration("RENDER_TIMEOUT", analysis.DefaultRenderTimeout),
		},
		OAuthClientID:     os.Getenv("ANALYSIS_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("ANALYSIS_OAUTH_CLIENT_SECRET"),
		OAuthTokenURL:     os.Getenv("ANALYSIS_OAUTH_TOKEN_URL"),
		Pipeline:          pipe,
	}
}

// IsDev reports whether the process runs outside a deployed environment.
func (c *Config) IsDev() bool {
	return c.Environment == "" || c.Environment == "development" || c.Environment == "local"
}

func envString(key, fallback string) string {
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
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", v)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Ignoring invalid number setting", "key", key, "value", v)
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("10s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("Ignoring invalid duration setting", "key", key, "value", v)
	return fallback
}

// StageConcurrency is the worker limit for stage.
func (c *Config) StageConcurrency(stage types.Stage) int {
	if p, ok := c.Pipeline.Policies[stage]; ok && p.Concurrency > 0 {
		return p.Concurrency
	}
	return queue.DefaultPolicies()[stage].Concurrency
}

package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/server/pkg/infrastructure/database"
	"github.com/clipforge/server/pkg/pipeline"
	"github.com/clipforge/server/pkg/types"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("DATABASE_BACKEND", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("HIGHLIGHT_THRESHOLD", "")

	cfg := LoadConfig()
	assert.Equal(t, "clipforge-project", cfg.ProjectID)
	assert.Equal(t, BackendFirestore, cfg.DatabaseBackend)
	assert.Equal(t, BackendMemory, cfg.QueueBackend)
	assert.Equal(t, pipeline.DefaultHighlightThreshold, cfg.Pipeline.HighlightThreshold)
	assert.False(t, cfg.Pipeline.CompleteWhenClipsResolved)
	assert.Equal(t, 30, cfg.Analysis.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Analysis.PollInterval)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("HIGHLIGHT_THRESHOLD", "0.85")
	t.Setenv("MAX_CLIPS_PER_STREAM", "4")
	t.Setenv("STREAM_FAILURE_THRESHOLD", "not-a-number")
	t.Setenv("COMPLETE_WHEN_CLIPS_RESOLVED", "true")
	t.Setenv("POLL_INTERVAL", "2")
	t.Setenv("RENDER_TIMEOUT", "90s")
	t.Setenv("VISION_CONCURRENCY", "7")
	t.Setenv("GCS_ARTIFACT_BUCKET", "artifacts")
	t.Setenv("QUEUE_BACKEND", "PubSub")

	cfg := LoadConfig()
	assert.Equal(t, 0.85, cfg.Pipeline.HighlightThreshold)
	assert.Equal(t, 4, cfg.Pipeline.MaxClipsPerStream)
	assert.Equal(t, pipeline.DefaultStreamFailureThreshold, cfg.Pipeline.StreamFailureThreshold)
	assert.True(t, cfg.Pipeline.CompleteWhenClipsResolved)
	assert.Equal(t, 2*time.Second, cfg.Analysis.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Analysis.RenderTimeout)
	assert.Equal(t, 7, cfg.StageConcurrency(types.StageVision))
	assert.Equal(t, 5, cfg.StageConcurrency(types.StageTranscription))
	assert.Equal(t, "artifacts", cfg.Pipeline.ArtifactBucket)
	assert.Equal(t, BackendPubSub, cfg.QueueBackend)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestComponentHandler_PrefixesMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&ComponentHandler{Handler: slog.NewJSONHandler(&buf, GetSlogHandlerOptions(slog.LevelInfo))})

	logger.With("component", "tracker").Info("stage resolved", "stream_id", "s1")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[tracker] stage resolved", entry["message"])
	assert.Equal(t, "INFO", entry["severity"])
	assert.Equal(t, "tracker", entry["component"])
	assert.Equal(t, "s1", entry["stream_id"])
}

func TestNewService_MemoryBackends(t *testing.T) {
	t.Setenv("DATABASE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("ENABLE_PUBLISH", "")
	t.Setenv("GCS_ARTIFACT_BUCKET", "")
	t.Setenv("GCS_MEDIA_BUCKET", "")
	t.Setenv("SENTRY_DSN", "")

	svc, err := NewService(context.Background(), "test")
	require.NoError(t, err)
	defer svc.Close()

	assert.IsType(t, &database.MemoryAdapter{}, svc.DB)
	assert.IsType(t, &pipeline.MemoryStageCounter{}, svc.Counter)
	require.NotNil(t, svc.Local)
	assert.Equal(t, svc.Local, svc.Queue)
	assert.Nil(t, svc.Store)
	assert.Nil(t, svc.Paths)
	require.NotNil(t, svc.Engine)
	require.NotNil(t, svc.Analysis)
	assert.Equal(t, "transcription", svc.Analysis.Transcription.Name)
}

func TestNewService_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("DATABASE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "kafka")
	t.Setenv("ENABLE_PUBLISH", "")
	t.Setenv("GCS_ARTIFACT_BUCKET", "")
	t.Setenv("GCS_MEDIA_BUCKET", "")

	_, err := NewService(context.Background(), "test")
	assert.ErrorContains(t, err, "QUEUE_BACKEND")
}

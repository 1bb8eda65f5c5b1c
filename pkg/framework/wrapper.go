package framework

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/clipforge/server/pkg/bootstrap"
	infrasentry "github.com/clipforge/server/pkg/infrastructure/sentry"
	"github.com/clipforge/server/pkg/queue"
)

const sentryFlushTimeout = 2 * time.Second

// FrameworkContext contains dependencies injected by the framework
type FrameworkContext struct {
	Service     *bootstrap.Service
	Logger      *slog.Logger
	ExecutionID string
}

// HandlerFunc is the signature for a cloud function handler
type HandlerFunc func(ctx context.Context, e event.Event, fwCtx *FrameworkContext) (interface{}, error)

// WrapCloudEvent wraps a handler with an execution-scoped logger and error
// reporting. Handles both HTTP and Pub/Sub triggers.
func WrapCloudEvent(serviceName string, svc *bootstrap.Service, handler HandlerFunc) func(context.Context, event.Event) error {
	return func(ctx context.Context, e event.Event) error {
		meta := extractEventMetadata(e)

		triggerType := "pubsub"
		if e.Type() == "google.cloud.functions.http" {
			triggerType = "http"
		}

		opts := bootstrap.GetSlogHandlerOptions(bootstrap.ParseLevel(os.Getenv("LOG_LEVEL")))
		logger := slog.New(&bootstrap.ComponentHandler{Handler: slog.NewJSONHandler(os.Stdout, opts)}).
			With("service", serviceName)

		execID := uuid.NewString()
		logger = logger.With("execution_id", execID, "trigger", triggerType)
		for _, key := range []string{"stream_id", "chunk_id", "stage", "job_id"} {
			if v := meta[key]; v != "" {
				logger = logger.With(key, v)
			}
		}
		logger.Info("Function started")

		fwCtx := &FrameworkContext{
			Service:     svc,
			Logger:      logger,
			ExecutionID: execID,
		}

		defer infrasentry.RecoverAndCapture(logger)
		outputs, handlerErr := handler(ctx, e, fwCtx)

		if handlerErr != nil {
			logger.Error("Function failed", "error", handlerErr)
			tags := infrasentry.Tags{"service": serviceName, "execution_id": execID}
			for k, v := range meta {
				tags[k] = v
			}
			infrasentry.CaptureException(handlerErr, tags, logger)
			infrasentry.Flush(sentryFlushTimeout)
			return handlerErr
		}

		status := "success"
		if outputsMap, ok := outputs.(map[string]interface{}); ok {
			if s, ok := outputsMap["status"].(string); ok && s != "" {
				status = s
			}
		}
		logger.Info("Function completed", "status", status)
		return nil
	}
}

// extractEventMetadata pulls the job identity out of a stage job event,
// whether it arrives wrapped in a Pub/Sub push envelope or bare.
func extractEventMetadata(e event.Event) map[string]string {
	meta := make(map[string]string)
	d, err := queue.DecodeDelivery(e)
	if err != nil {
		return meta
	}
	meta["stream_id"] = d.Job.StreamID
	meta["stage"] = string(d.Job.Stage)
	meta["job_id"] = d.Job.JobID
	if d.Job.ChunkID != "" {
		meta["chunk_id"] = d.Job.ChunkID
	}
	return meta
}

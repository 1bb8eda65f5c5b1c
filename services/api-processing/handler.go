// Package processing is the HTTP surface of the orchestrator: it starts,
// cancels and reports on stream processing, and receives completion
// callbacks from the analysis services.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/pipeline"
	"github.com/clipforge/server/pkg/types"
)

// maxWebhookBody bounds callback payloads; stage results are small JSON documents.
const maxWebhookBody = 1 << 20

// Orchestrator is the part of the pipeline coordinator the API drives.
type Orchestrator interface {
	Start(ctx context.Context, streamID string) error
	Cancel(ctx context.Context, streamID string) error
	Progress(ctx context.Context, streamID string) (*pipeline.Progress, error)
}

// Notifier hands a pushed stage result to the poll loop awaiting it.
type Notifier interface {
	Notify(stage types.Stage, id string, body []byte) bool
}

type Handler struct {
	orchestrator Orchestrator
	notifier     Notifier
	logger       *slog.Logger
}

func NewHandler(orchestrator Orchestrator, notifier Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orchestrator: orchestrator,
		notifier:     notifier,
		logger:       logger.With("component", "api_processing"),
	}
}

// Routes mounts the processing API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.health)
	r.Route("/processing", func(r chi.Router) {
		r.Post("/streams/{id}/start", h.startStream)
		r.Get("/streams/{id}/status", h.streamStatus)
		r.Post("/streams/{id}/cancel", h.cancelStream)
		r.Post("/webhooks/{stage}/{id}", h.webhook)
	})
	return r
}

type statusResponse struct {
	StreamID string             `json:"streamId"`
	Status   types.StreamStatus `json:"status"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) startStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orchestrator.Start(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Stream processing started", "stream_id", id)
	writeJSON(w, http.StatusAccepted, statusResponse{StreamID: id, Status: types.StreamStatusProcessing})
}

func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := h.orchestrator.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) cancelStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orchestrator.Cancel(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Stream processing cancelled", "stream_id", id)
	writeJSON(w, http.StatusAccepted, statusResponse{StreamID: id, Status: types.StreamStatusFailed})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	stage := types.Stage(chi.URLParam(r, "stage"))
	id := chi.URLParam(r, "id")
	if !stage.Valid() {
		h.writeError(w, r, shared.NewValidationError("stage", "unknown stage %q", stage))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, r, shared.NewValidationError("body", "unreadable callback body: %v", err))
		return
	}
	if !json.Valid(body) {
		h.writeError(w, r, shared.NewValidationError("body", "callback body is not JSON"))
		return
	}

	if !h.notifier.Notify(stage, id, body) {
		// Nothing is polling for this id; the poll loop may already have
		// finished, in which case the result was read from the status endpoint.
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending request for " + id})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	} else {
		h.logger.Warn("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrStatusConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

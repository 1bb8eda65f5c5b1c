package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	shared "github.com/clipforge/server/pkg"
	infrasentry "github.com/clipforge/server/pkg/infrastructure/sentry"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

// FailureHandler records failed stage work and applies the retry and stream
// abort policy. A terminal failure still resolves the barrier so siblings are
// never blocked by it.
type FailureHandler struct {
	db        shared.Database
	tracker   *Tracker
	threshold float64
	logger    *slog.Logger
}

func NewFailureHandler(db shared.Database, tracker *Tracker, threshold float64, logger *slog.Logger) *FailureHandler {
	return &FailureHandler{
		db:        db,
		tracker:   tracker,
		threshold: threshold,
		logger:    logger.With("component", "failures"),
	}
}

// HandleChunkFailure is called when a per-chunk stage job fails. It returns
// queue.ErrRetry while a retryable error still has attempts left. Nothing is
// recorded when ctx is already done: the job is being shut down, not failing.
func (h *FailureHandler) HandleChunkFailure(ctx context.Context, job types.StageJob, cause error) error {
	logger := h.logger.With("stream_id", job.StreamID, "chunk_id", job.ChunkID, "stage", job.Stage, "attempt", job.Attempt)

	if ctx.Err() != nil {
		logger.Warn("Chunk job interrupted, leaving state for redelivery", "error", cause)
		return ctx.Err()
	}

	retries, err := h.db.IncrementChunkRetry(ctx, job.ChunkID, cause.Error())
	if err != nil {
		return fmt.Errorf("record failure of chunk %s: %w", job.ChunkID, err)
	}

	if shared.IsRetryable(cause) && !job.LastAttempt() {
		logger.Warn("Chunk stage failed, will retry", "retry_count", retries, "error", cause)
		return queue.ErrRetry
	}

	now := time.Now()
	if _, err := advanceChunk(ctx, h.db, job.ChunkID, types.ChunkStatusFailed, func(c *types.Chunk) {
		c.FailedStage = job.Stage
		c.ErrorMessage = cause.Error()
		c.UpdatedAt = now
	}); err != nil {
		return err
	}
	logger.Error("Chunk stage failed", "retry_count", retries, "error", cause)

	if _, err := h.tracker.ResolveFailed(ctx, job); err != nil {
		return err
	}
	return nil
}

// HandleStreamJobFailure applies the same policy to the stream-wide scoring job.
func (h *FailureHandler) HandleStreamJobFailure(ctx context.Context, job types.StageJob, cause error) error {
	logger := h.logger.With("stream_id", job.StreamID, "stage", job.Stage, "attempt", job.Attempt)

	if ctx.Err() != nil {
		logger.Warn("Stream job interrupted, leaving state for redelivery", "error", cause)
		return ctx.Err()
	}

	if shared.IsRetryable(cause) && !job.LastAttempt() {
		logger.Warn("Stream stage failed, will retry", "error", cause)
		return queue.ErrRetry
	}
	logger.Error("Stream stage failed", "error", cause)

	if _, err := h.tracker.ResolveFailed(ctx, job); err != nil {
		return err
	}
	return nil
}

// HandleClipFailure records a failed render. The clip stays rendering while
// a retry is pending and moves to failed otherwise.
func (h *FailureHandler) HandleClipFailure(ctx context.Context, job types.StageJob, cause error) error {
	logger := h.logger.With("stream_id", job.StreamID, "clip_id", job.ClipID, "attempt", job.Attempt)

	if ctx.Err() != nil {
		logger.Warn("Render job interrupted, leaving state for redelivery", "error", cause)
		return ctx.Err()
	}

	retries, err := h.db.IncrementClipRetry(ctx, job.ClipID, cause.Error())
	if err != nil {
		return fmt.Errorf("record failure of clip %s: %w", job.ClipID, err)
	}

	if shared.IsRetryable(cause) && !job.LastAttempt() {
		logger.Warn("Render failed, will retry", "retry_count", retries, "error", cause)
		return queue.ErrRetry
	}

	now := time.Now()
	if err := updateClip(ctx, h.db, job.ClipID, types.ClipStatusFailed, func(c *types.Clip) {
		c.ErrorMessage = cause.Error()
		c.UpdatedAt = now
	}); err != nil {
		return err
	}
	logger.Error("Render failed", "retry_count", retries, "error", cause)

	if _, err := h.tracker.ResolveFailed(ctx, job); err != nil {
		return err
	}
	return nil
}

// HandleExhausted records a job whose last attempt ended in an error that no
// stage handler absorbed, such as a storage failure while persisting its
// result. A member whose result was already stored resolves as a success.
func (h *FailureHandler) HandleExhausted(ctx context.Context, job types.StageJob, cause error) error {
	switch job.Stage {
	case types.StageScoring:
		return h.HandleStreamJobFailure(ctx, job, cause)

	case types.StageRendering:
		clip, err := h.db.GetClip(ctx, job.ClipID)
		if err != nil {
			return fmt.Errorf("get clip %s: %w", job.ClipID, err)
		}
		if clip.Status == types.ClipStatusRendered {
			_, err := h.tracker.resolve(ctx, job, false, nil)
			return err
		}
		return h.HandleClipFailure(ctx, job, cause)

	default:
		chunk, err := h.db.GetChunk(ctx, job.ChunkID)
		if err != nil {
			return fmt.Errorf("get chunk %s: %w", job.ChunkID, err)
		}
		if done, ok := stageTarget[job.Stage]; ok && chunk.Status != types.ChunkStatusFailed && !chunk.Status.CanAdvanceTo(done) {
			_, err := h.tracker.resolve(ctx, job, false, nil)
			return err
		}
		return h.HandleChunkFailure(ctx, job, cause)
	}
}

// Evaluate applies the stream failure policy to a resolved stage. It returns
// a *shared.StreamAbort when the failed fraction exceeds the threshold, a
// *shared.PartialFailure when some members failed, and nil otherwise.
func (h *FailureHandler) Evaluate(streamID string, stage types.Stage, tally types.StageTally) error {
	if tally.Total == 0 || tally.Failed == 0 {
		return nil
	}
	if float64(tally.Failed)/float64(tally.Total) > h.threshold {
		return &shared.StreamAbort{
			StreamID:  streamID,
			Stage:     stage,
			Failed:    tally.Failed,
			Total:     tally.Total,
			Threshold: h.threshold,
		}
	}
	return &shared.PartialFailure{
		StreamID: streamID,
		Stage:    stage,
		Failed:   tally.Failed,
		Total:    tally.Total,
	}
}

// ReportPartial logs a partial failure and sends it to Sentry as a warning.
func (h *FailureHandler) ReportPartial(err error) {
	var partial *shared.PartialFailure
	if !errors.As(err, &partial) {
		return
	}
	h.logger.Warn("Stage completed with failures", "stream_id", partial.StreamID, "stage", partial.Stage, "failed", partial.Failed, "total", partial.Total)
	infrasentry.CaptureMessage(partial.Error(), sentry.LevelWarning, infrasentry.StreamTags(partial.StreamID, partial.Stage), h.logger)
}

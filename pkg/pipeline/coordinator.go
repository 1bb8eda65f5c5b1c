package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/clipforge/server/pkg"
	infrasentry "github.com/clipforge/server/pkg/infrastructure/sentry"
	"github.com/clipforge/server/pkg/types"
)

// CancelledMessage is the error message stored on a cancelled stream.
const CancelledMessage = "cancelled"

// Coordinator is the per-stream state machine:
//
//	downloaded -> processing(transcription -> vision -> scoring) -> processed -> completed
//
// with failed reachable from processing. Every stream status change is a
// compare-and-swap against the expected current status.
type Coordinator struct {
	db         shared.Database
	dispatcher *Dispatcher
	failures   *FailureHandler
	factory    *ClipFactory
	selector   Selector
	cfg        Config
	logger     *slog.Logger
}

func NewCoordinator(db shared.Database, dispatcher *Dispatcher, failures *FailureHandler, factory *ClipFactory, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		dispatcher: dispatcher,
		failures:   failures,
		factory:    factory,
		selector:   Selector{MaxClips: cfg.MaxClipsPerStream},
		cfg:        cfg,
		logger:     logger.With("component", "coordinator"),
	}
}

// Start validates a downloaded stream and dispatches transcription.
func (c *Coordinator) Start(ctx context.Context, streamID string) error {
	logger := c.logger.With("stream_id", streamID)

	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", streamID, err)
	}
	if stream.Status != types.StreamStatusDownloaded {
		return shared.NewValidationError("status", "stream %s is %s, expected %s", streamID, stream.Status, types.StreamStatusDownloaded)
	}

	chunks, err := c.db.ListChunksByStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("list chunks for %s: %w", streamID, err)
	}
	if len(chunks) == 0 {
		verr := shared.NewValidationError("chunks", "stream %s has no chunks", streamID)
		if err := c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusDownloaded, types.StreamStatusFailed, func(s *types.Stream) {
			s.ErrorMessage = verr.Error()
			s.UpdatedAt = time.Now()
		}); err != nil {
			logger.Warn("Failed to mark chunkless stream failed", "error", err)
		}
		return verr
	}

	now := time.Now()
	err = c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusDownloaded, types.StreamStatusProcessing, func(s *types.Stream) {
		s.Stage = types.StageTranscription
		s.ErrorMessage = ""
		s.ProcessingStartedAt = &now
		s.ProcessingCompletedAt = nil
		s.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("start stream %s: %w", streamID, err)
	}
	logger.Info("Stream processing started", "chunks", len(chunks))

	if _, err := c.dispatcher.DispatchChunks(ctx, streamID, types.StageTranscription); err != nil {
		c.Fail(ctx, streamID, err)
		return err
	}
	return nil
}

// OnStageResolved applies the failure policy to a finished stage and
// dispatches the next one.
func (c *Coordinator) OnStageResolved(ctx context.Context, streamID string, stage types.Stage, tally types.StageTally) error {
	if verdict := c.failures.Evaluate(streamID, stage, tally); verdict != nil {
		var abort *shared.StreamAbort
		if errors.As(verdict, &abort) {
			c.Fail(ctx, streamID, abort)
			return nil
		}
		c.failures.ReportPartial(verdict)
	}

	switch stage {
	case types.StageTranscription:
		ok, err := c.advance(ctx, streamID, types.StageVision)
		if err != nil || !ok {
			return err
		}
		if _, err := c.dispatcher.DispatchChunks(ctx, streamID, types.StageVision); err != nil {
			c.Fail(ctx, streamID, err)
		}
		return nil

	case types.StageVision:
		ok, err := c.advance(ctx, streamID, types.StageScoring)
		if err != nil || !ok {
			return err
		}
		if err := c.dispatcher.DispatchScoring(ctx, streamID); err != nil {
			c.Fail(ctx, streamID, err)
		}
		return nil

	case types.StageScoring:
		// A successful scoring stage arrives through OnScoringResolved.
		c.Fail(ctx, streamID, fmt.Errorf("scoring stage produced no result"))
		return nil

	default:
		return fmt.Errorf("unexpected stage resolution %s for stream %s", stage, streamID)
	}
}

// OnScoringResolved selects highlights, creates their clips, dispatches
// renders for new clips and marks the stream processed.
func (c *Coordinator) OnScoringResolved(ctx context.Context, streamID string, result *types.ScoringResult) error {
	logger := c.logger.With("stream_id", streamID)

	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", streamID, err)
	}
	if stream.Status != types.StreamStatusProcessing {
		logger.Info("Stream no longer processing, skipping clip selection", "status", stream.Status)
		return nil
	}

	chunks, err := c.db.ListChunksByStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("list chunks for %s: %w", streamID, err)
	}
	byID := make(map[string]*types.Chunk, len(chunks))
	for _, ch := range chunks {
		if ch.Status != types.ChunkStatusFailed {
			byID[ch.ID] = ch
		}
	}

	threshold := c.cfg.ThresholdFor(ctx, stream)
	candidates := c.selector.Select(result.Chunks, byID, threshold)
	logger.Info("Highlights selected", "candidates", len(candidates), "scored_chunks", len(result.Chunks), "threshold", threshold)

	var created []*types.Clip
	for _, cand := range candidates {
		clip, isNew, err := c.factory.CreateClip(ctx, cand)
		if err != nil {
			logger.Error("Failed to create clip", "chunk_id", cand.Chunk.ID, "error", err)
			tags := infrasentry.StreamTags(streamID, types.StageScoring)
			tags["chunk_id"] = cand.Chunk.ID
			infrasentry.CaptureException(err, tags, logger)
			continue
		}
		if isNew {
			created = append(created, clip)
		}
	}

	for _, ch := range chunks {
		if ch.Status != types.ChunkStatusScored {
			continue
		}
		if _, err := advanceChunk(ctx, c.db, ch.ID, types.ChunkStatusCompleted, nil); err != nil {
			logger.Warn("Failed to complete chunk", "chunk_id", ch.ID, "error", err)
		}
	}

	now := time.Now()
	err = c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusProcessing, types.StreamStatusProcessed, func(s *types.Stream) {
		if len(created) > 0 {
			s.Stage = types.StageRendering
		} else {
			s.Stage = ""
		}
		s.ProcessingCompletedAt = &now
		s.UpdatedAt = now
	})
	if errors.Is(err, shared.ErrStatusConflict) {
		logger.Info("Stream left processing during clip selection")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark stream %s processed: %w", streamID, err)
	}
	logger.Info("Stream processed", "clips", len(created))

	if _, err := c.dispatcher.DispatchRenders(ctx, streamID, created); err != nil {
		logger.Error("Failed to dispatch renders", "error", err)
		infrasentry.CaptureException(err, infrasentry.StreamTags(streamID, types.StageRendering), logger)
		return err
	}
	return nil
}

// OnRenderingResolved runs once every dispatched clip has rendered or failed.
func (c *Coordinator) OnRenderingResolved(ctx context.Context, streamID string, tally types.StageTally) error {
	logger := c.logger.With("stream_id", streamID)
	if tally.Failed > 0 {
		c.failures.ReportPartial(&shared.PartialFailure{
			StreamID: streamID,
			Stage:    types.StageRendering,
			Failed:   tally.Failed,
			Total:    tally.Total,
		})
	}
	// Clearing the stage marks the rendering barrier as handled.
	to := types.StreamStatusProcessed
	if c.cfg.CompleteWhenClipsResolved {
		to = types.StreamStatusCompleted
	}
	err := c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusProcessed, to, func(s *types.Stream) {
		s.Stage = ""
		s.UpdatedAt = time.Now()
	})
	if errors.Is(err, shared.ErrStatusConflict) {
		logger.Info("Stream not processed, leaving status", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish rendering for stream %s: %w", streamID, err)
	}
	if to == types.StreamStatusCompleted {
		logger.Info("Stream completed", "clips", tally.Total, "failed", tally.Failed)
	} else {
		logger.Info("All clips resolved", "rendered", tally.Resolved-tally.Failed, "failed", tally.Failed)
	}
	return nil
}

// Fail moves a processing stream to failed with cause as its error message.
// A stream that already left processing is left untouched.
func (c *Coordinator) Fail(ctx context.Context, streamID string, cause error) {
	logger := c.logger.With("stream_id", streamID)

	err := c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusProcessing, types.StreamStatusFailed, func(s *types.Stream) {
		s.ErrorMessage = cause.Error()
		s.UpdatedAt = time.Now()
	})
	if errors.Is(err, shared.ErrStatusConflict) {
		logger.Info("Stream already left processing, not failing", "cause", cause)
		return
	}
	if err != nil {
		logger.Error("Failed to mark stream failed", "cause", cause, "error", err)
		return
	}

	logger.Error("Stream failed", "error", cause)
	var stage types.Stage
	var abort *shared.StreamAbort
	if errors.As(cause, &abort) {
		stage = abort.Stage
	}
	infrasentry.CaptureException(cause, infrasentry.StreamTags(streamID, stage), logger)
}

// Cancel stops a processing stream. Jobs already queued observe the status
// change and stop at their next check.
func (c *Coordinator) Cancel(ctx context.Context, streamID string) error {
	err := c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusProcessing, types.StreamStatusFailed, func(s *types.Stream) {
		s.ErrorMessage = CancelledMessage
		s.UpdatedAt = time.Now()
	})
	if err != nil {
		return fmt.Errorf("cancel stream %s: %w", streamID, err)
	}
	c.logger.Info("Stream cancelled", "stream_id", streamID)
	return nil
}

// advance records the next stage on a processing stream. It reports false
// when the stream is no longer processing, in which case nothing is dispatched.
func (c *Coordinator) advance(ctx context.Context, streamID string, next types.Stage) (bool, error) {
	err := c.db.UpdateStreamStatus(ctx, streamID, types.StreamStatusProcessing, types.StreamStatusProcessing, func(s *types.Stream) {
		s.Stage = next
		s.UpdatedAt = time.Now()
	})
	if errors.Is(err, shared.ErrStatusConflict) {
		c.logger.Info("Stream no longer processing, not dispatching", "stream_id", streamID, "stage", next)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance stream %s to %s: %w", streamID, next, err)
	}
	return true, nil
}

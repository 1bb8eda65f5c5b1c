package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/analysis"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

// Worker executes one delivery of a stage job. Analysis failures are routed
// to the failure handler and only surface as queue.ErrRetry; other returned
// errors are infrastructure problems the queue should redeliver on.
type Worker struct {
	db       shared.Database
	services AnalysisService
	tracker  *Tracker
	failures *FailureHandler
	factory  *ClipFactory
	logger   *slog.Logger
}

func NewWorker(db shared.Database, services AnalysisService, tracker *Tracker, failures *FailureHandler, factory *ClipFactory, logger *slog.Logger) *Worker {
	return &Worker{
		db:       db,
		services: services,
		tracker:  tracker,
		failures: failures,
		factory:  factory,
		logger:   logger.With("component", "worker"),
	}
}

// Handle routes job by stage. Its signature matches queue.Handler. On the
// last attempt an unabsorbed error is recorded as a terminal failure so the
// stage barrier still resolves.
func (w *Worker) Handle(ctx context.Context, job types.StageJob) error {
	err := w.route(ctx, job)
	if err == nil || errors.Is(err, queue.ErrRetry) || !job.LastAttempt() || ctx.Err() != nil {
		return err
	}

	logger := w.logger.With("stream_id", job.StreamID, "stage", job.Stage, "job_id", job.JobID, "attempt", job.Attempt)
	logger.Error("Stage job failed on its last attempt", "error", err)
	if ferr := w.failures.HandleExhausted(ctx, job, err); ferr != nil {
		return fmt.Errorf("%w (recording final failure: %v)", err, ferr)
	}
	return nil
}

func (w *Worker) route(ctx context.Context, job types.StageJob) error {
	logger := w.logger.With("stream_id", job.StreamID, "stage", job.Stage, "job_id", job.JobID, "attempt", job.Attempt)

	stream, err := w.db.GetStream(ctx, job.StreamID)
	if errors.Is(err, shared.ErrNotFound) {
		logger.Warn("Stream not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get stream %s: %w", job.StreamID, err)
	}
	if !w.accepts(stream, job.Stage) {
		logger.Info("Stream not accepting stage work, dropping job", "status", stream.Status)
		return nil
	}

	switch job.Stage {
	case types.StageTranscription:
		return w.transcribe(ctx, stream, job)
	case types.StageVision:
		return w.analyze(ctx, job)
	case types.StageScoring:
		return w.score(ctx, job)
	case types.StageRendering:
		return w.factory.Render(ctx, job)
	default:
		logger.Error("Unknown stage, dropping job")
		return nil
	}
}

func (w *Worker) accepts(stream *types.Stream, stage types.Stage) bool {
	if stage == types.StageRendering {
		return stream.Status == types.StreamStatusProcessed || stream.Status == types.StreamStatusCompleted
	}
	return stream.Status == types.StreamStatusProcessing
}

func (w *Worker) transcribe(ctx context.Context, stream *types.Stream, job types.StageJob) error {
	if err := w.tracker.MarkStarted(ctx, job.ChunkID); err != nil {
		return err
	}
	tr, err := w.services.Transcribe(ctx, analysis.TranscribeRequest{
		ChunkID:   job.ChunkID,
		StreamID:  job.StreamID,
		AudioPath: job.InputPath,
		Language:  stream.Language,
	})
	if err != nil {
		return w.failures.HandleChunkFailure(ctx, job, err)
	}
	_, err = w.tracker.RecordTranscript(ctx, job, tr)
	return err
}

func (w *Worker) analyze(ctx context.Context, job types.StageJob) error {
	v, err := w.services.AnalyzeVision(ctx, analysis.VisionRequest{
		ChunkID:   job.ChunkID,
		StreamID:  job.StreamID,
		VideoPath: job.InputPath,
	})
	if err != nil {
		return w.failures.HandleChunkFailure(ctx, job, err)
	}
	_, err = w.tracker.RecordVision(ctx, job, v)
	return err
}

// score submits every analyzed chunk's transcript and vision result as one batch.
func (w *Worker) score(ctx context.Context, job types.StageJob) error {
	chunks, err := w.db.ListChunksByStream(ctx, job.StreamID)
	if err != nil {
		return fmt.Errorf("list chunks for %s: %w", job.StreamID, err)
	}

	req := &types.ScoreBatchRequest{StreamID: job.StreamID}
	for _, ch := range chunks {
		if ch.Status != types.ChunkStatusAnalyzed {
			continue
		}
		req.Chunks = append(req.Chunks, types.ChunkFeatures{
			ChunkID:    ch.ID,
			StartTime:  ch.StartTime,
			EndTime:    ch.EndTime,
			Duration:   ch.Duration,
			Transcript: ch.Transcript,
			Vision:     ch.Vision,
		})
	}
	if len(req.Chunks) == 0 {
		return w.failures.HandleStreamJobFailure(ctx, job, shared.NewValidationError("chunks", "stream %s has no analyzed chunks to score", job.StreamID))
	}

	result, err := w.services.ScoreBatch(ctx, req)
	if err != nil {
		return w.failures.HandleStreamJobFailure(ctx, job, err)
	}
	_, err = w.tracker.RecordScoring(ctx, job, result)
	return err
}

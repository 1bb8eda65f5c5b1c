package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/infrastructure/storage"
	"github.com/clipforge/server/pkg/types"
)

// casAttempts bounds the re-read loop around a conditional status update.
const casAttempts = 5

// Tracker persists stage results, resolves the stage barrier and hands the
// single firing resolution to the listener.
type Tracker struct {
	db       shared.Database
	counter  AtomicStageCounter
	blobs    shared.BlobStore
	bucket   string
	listener StageListener
	logger   *slog.Logger
}

func NewTracker(db shared.Database, counter AtomicStageCounter, blobs shared.BlobStore, bucket string, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:      db,
		counter: counter,
		blobs:   blobs,
		bucket:  bucket,
		logger:  logger.With("component", "tracker"),
	}
}

// SetListener installs the receiver of barrier resolutions.
func (t *Tracker) SetListener(l StageListener) {
	t.listener = l
}

// MarkStarted moves a pending chunk to processing. Chunks already past
// pending are left alone.
func (t *Tracker) MarkStarted(ctx context.Context, chunkID string) error {
	_, err := advanceChunk(ctx, t.db, chunkID, types.ChunkStatusProcessing, nil)
	return err
}

func (t *Tracker) RecordTranscript(ctx context.Context, job types.StageJob, tr *types.Transcript) (types.StageTally, error) {
	now := time.Now()
	if _, err := advanceChunk(ctx, t.db, job.ChunkID, types.ChunkStatusTranscribed, func(c *types.Chunk) {
		c.Transcript = tr
		c.ErrorMessage = ""
		c.UpdatedAt = now
	}); err != nil {
		return types.StageTally{}, err
	}
	t.archive(ctx, job, tr)
	return t.resolve(ctx, job, false, nil)
}

func (t *Tracker) RecordVision(ctx context.Context, job types.StageJob, v *types.VisionAnalysis) (types.StageTally, error) {
	now := time.Now()
	if _, err := advanceChunk(ctx, t.db, job.ChunkID, types.ChunkStatusAnalyzed, func(c *types.Chunk) {
		c.Vision = v
		c.ErrorMessage = ""
		c.UpdatedAt = now
	}); err != nil {
		return types.StageTally{}, err
	}
	t.archive(ctx, job, v)
	return t.resolve(ctx, job, false, nil)
}

// RecordScoring stores each chunk's score and resolves the stream-wide
// scoring barrier. Scores for unknown or failed chunks are skipped.
func (t *Tracker) RecordScoring(ctx context.Context, job types.StageJob, result *types.ScoringResult) (types.StageTally, error) {
	now := time.Now()
	for _, cs := range result.Chunks {
		score := cs.Score
		breakdown := cs.Breakdown
		advanced, err := advanceChunk(ctx, t.db, cs.ChunkID, types.ChunkStatusScored, func(c *types.Chunk) {
			c.HighlightScore = &score
			c.ScoreBreakdown = breakdown
			c.UpdatedAt = now
		})
		if errors.Is(err, shared.ErrNotFound) {
			t.logger.Warn("Score for unknown chunk", "stream_id", job.StreamID, "chunk_id", cs.ChunkID)
			continue
		}
		if err != nil {
			return types.StageTally{}, err
		}
		if !advanced {
			t.logger.Debug("Chunk not advanced to scored", "stream_id", job.StreamID, "chunk_id", cs.ChunkID)
		}
	}
	t.archive(ctx, job, result)
	return t.resolve(ctx, job, false, result)
}

func (t *Tracker) RecordRender(ctx context.Context, job types.StageJob, out *types.RenderOutput) (types.StageTally, error) {
	now := time.Now()
	err := updateClip(ctx, t.db, job.ClipID, types.ClipStatusRendered, func(c *types.Clip) {
		c.OutputPath = out.OutputPath
		c.ThumbnailPath = out.ThumbnailPath
		c.FileSize = out.FileSize
		c.ErrorMessage = ""
		c.UpdatedAt = now
	})
	if err != nil {
		return types.StageTally{}, err
	}
	return t.resolve(ctx, job, false, nil)
}

// ResolveFailed counts a terminally failed member toward the barrier.
func (t *Tracker) ResolveFailed(ctx context.Context, job types.StageJob) (types.StageTally, error) {
	return t.resolve(ctx, job, true, nil)
}

func (t *Tracker) resolve(ctx context.Context, job types.StageJob, failed bool, result *types.ScoringResult) (types.StageTally, error) {
	logger := t.logger.With("stream_id", job.StreamID, "stage", job.Stage, "member", job.MemberID())

	tally, err := t.counter.ResolveStage(ctx, job.StreamID, job.Stage, job.MemberID(), failed)
	if err != nil {
		return tally, fmt.Errorf("resolve %s barrier for %s: %w", job.Stage, job.MemberID(), err)
	}
	if tally.Duplicate {
		pending, err := t.awaitingNextStage(ctx, job, tally)
		if err != nil {
			return tally, err
		}
		if !pending {
			logger.Info("Duplicate stage resolution ignored", "resolved", tally.Resolved, "total", tally.Total)
			return tally, nil
		}
		// The barrier fired earlier but its listener never moved the stream on.
		logger.Warn("Stage barrier complete without a stage transition, notifying again", "total", tally.Total, "failed", tally.Failed)
	} else {
		logger.Debug("Stage member resolved", "resolved", tally.Resolved, "total", tally.Total, "failed", tally.Failed)
		if !tally.Fired {
			return tally, nil
		}
		logger.Info("Stage barrier reached", "total", tally.Total, "failed", tally.Failed)
	}

	if t.listener == nil {
		return tally, nil
	}
	switch {
	case job.Stage == types.StageRendering:
		err = t.listener.OnRenderingResolved(ctx, job.StreamID, tally)
	case job.Stage == types.StageScoring && result != nil && tally.Failed == 0:
		err = t.listener.OnScoringResolved(ctx, job.StreamID, result)
	default:
		err = t.listener.OnStageResolved(ctx, job.StreamID, job.Stage, tally)
	}
	return tally, err
}

// awaitingNextStage reports whether a complete barrier still has the stream
// parked on job's stage, which means the firing notification did not succeed.
func (t *Tracker) awaitingNextStage(ctx context.Context, job types.StageJob, tally types.StageTally) (bool, error) {
	if !tally.Complete() || t.listener == nil {
		return false, nil
	}
	stream, err := t.db.GetStream(ctx, job.StreamID)
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get stream %s: %w", job.StreamID, err)
	}
	if stream.Stage != job.Stage {
		return false, nil
	}
	if job.Stage == types.StageRendering {
		return stream.Status == types.StreamStatusProcessed, nil
	}
	return stream.Status == types.StreamStatusProcessing, nil
}

func (t *Tracker) archive(ctx context.Context, job types.StageJob, payload interface{}) {
	if t.blobs == nil || t.bucket == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn("Failed to encode stage result", "stage", job.Stage, "error", err)
		return
	}
	object := storage.ResultObject(job.StreamID, string(job.Stage), job.MemberID())
	if err := t.blobs.Write(ctx, t.bucket, object, data); err != nil {
		t.logger.Warn("Failed to archive stage result", "stage", job.Stage, "object", object, "error", err)
	}
}

// advanceChunk moves a chunk forward to status, re-reading on conflict. It
// reports false without error when the chunk is already at or past status.
func advanceChunk(ctx context.Context, db shared.Database, id string, to types.ChunkStatus, mutate func(*types.Chunk)) (bool, error) {
	for i := 0; i < casAttempts; i++ {
		chunk, err := db.GetChunk(ctx, id)
		if err != nil {
			return false, fmt.Errorf("get chunk %s: %w", id, err)
		}
		if !chunk.Status.CanAdvanceTo(to) {
			return false, nil
		}
		err = db.UpdateChunkStatus(ctx, id, chunk.Status, to, mutate)
		if errors.Is(err, shared.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("update chunk %s to %s: %w", id, to, err)
		}
		return true, nil
	}
	return false, fmt.Errorf("update chunk %s to %s: %w after %d attempts", id, to, shared.ErrStatusConflict, casAttempts)
}

// updateClip moves a rendering clip to status. A clip that already left
// rendering is left untouched.
func updateClip(ctx context.Context, db shared.Database, id string, to types.ClipStatus, mutate func(*types.Clip)) error {
	err := db.UpdateClipStatus(ctx, id, types.ClipStatusRendering, to, mutate)
	if errors.Is(err, shared.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update clip %s to %s: %w", id, to, err)
	}
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

// Dispatcher fans stage work out onto the queue. It initialises the stage
// barrier before the first job is enqueued and never waits for results.
type Dispatcher struct {
	db      shared.Database
	counter AtomicStageCounter
	queue   queue.Queue
	paths   shared.PathResolver
	cfg     Config
	logger  *slog.Logger
}

func NewDispatcher(db shared.Database, counter AtomicStageCounter, q queue.Queue, paths shared.PathResolver, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		db:      db,
		counter: counter,
		queue:   q,
		paths:   paths,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
	}
}

// DispatchChunks enqueues one job per surviving chunk, in start-time order,
// each delayed by its index times the stage's delay increment.
func (d *Dispatcher) DispatchChunks(ctx context.Context, streamID string, stage types.Stage) (int, error) {
	if !stage.PerChunk() {
		return 0, fmt.Errorf("stage %s is not dispatched per chunk", stage)
	}
	chunks, err := d.db.ListChunksByStream(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("list chunks for %s: %w", streamID, err)
	}

	surviving := make([]*types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Status != types.ChunkStatusFailed {
			surviving = append(surviving, c)
		}
	}
	if len(surviving) == 0 {
		return 0, shared.NewValidationError("chunks", "stream %s has no chunks to process for %s", streamID, stage)
	}

	if err := d.counter.InitStage(ctx, streamID, stage, len(surviving)); err != nil {
		return 0, fmt.Errorf("init %s barrier: %w", stage, err)
	}

	policy := d.cfg.policy(stage)
	for i, c := range surviving {
		job := types.StageJob{
			StreamID:  streamID,
			ChunkID:   c.ID,
			InputPath: d.inputPath(stage, c),
		}
		if _, err := d.queue.Enqueue(ctx, stage, job, policy.Options(i)); err != nil {
			return i, fmt.Errorf("enqueue %s job for chunk %s: %w", stage, c.ID, err)
		}
	}

	d.logger.Info("Dispatched stage", "stream_id", streamID, "stage", stage, "jobs", len(surviving), "skipped_failed", len(chunks)-len(surviving))
	return len(surviving), nil
}

// DispatchScoring enqueues the single stream-wide scoring job.
func (d *Dispatcher) DispatchScoring(ctx context.Context, streamID string) error {
	if err := d.counter.InitStage(ctx, streamID, types.StageScoring, 1); err != nil {
		return fmt.Errorf("init scoring barrier: %w", err)
	}
	job := types.StageJob{StreamID: streamID}
	if _, err := d.queue.Enqueue(ctx, types.StageScoring, job, d.cfg.policy(types.StageScoring).Options(0)); err != nil {
		return fmt.Errorf("enqueue scoring job for %s: %w", streamID, err)
	}
	d.logger.Info("Dispatched stage", "stream_id", streamID, "stage", types.StageScoring, "jobs", 1)
	return nil
}

// DispatchRenders enqueues one render job per clip. The barrier total is the
// number of clips passed in.
func (d *Dispatcher) DispatchRenders(ctx context.Context, streamID string, clips []*types.Clip) (int, error) {
	if len(clips) == 0 {
		return 0, nil
	}
	if err := d.counter.InitStage(ctx, streamID, types.StageRendering, len(clips)); err != nil {
		return 0, fmt.Errorf("init rendering barrier: %w", err)
	}

	policy := d.cfg.policy(types.StageRendering)
	for i, clip := range clips {
		job := types.StageJob{
			StreamID:  streamID,
			ChunkID:   clip.ChunkID,
			ClipID:    clip.ID,
			InputPath: d.resolve(clip.SourcePath),
		}
		if _, err := d.queue.Enqueue(ctx, types.StageRendering, job, policy.Options(i)); err != nil {
			return i, fmt.Errorf("enqueue render job for clip %s: %w", clip.ID, err)
		}
	}
	d.logger.Info("Dispatched stage", "stream_id", streamID, "stage", types.StageRendering, "jobs", len(clips))
	return len(clips), nil
}

func (d *Dispatcher) inputPath(stage types.Stage, c *types.Chunk) string {
	if stage == types.StageTranscription && c.AudioPath != "" {
		return d.resolve(c.AudioPath)
	}
	return d.resolve(c.FilePath)
}

func (d *Dispatcher) resolve(path string) string {
	if d.paths == nil {
		return path
	}
	return d.paths.Resolve(path)
}

package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/testing/mocks"
	"github.com/clipforge/server/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig removes stagger delays and shortens backoff so queue-driven
// tests finish quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	policies := queue.DefaultPolicies()
	for stage, p := range policies {
		p.DelayIncrement = 0
		p.Backoff = queue.Backoff{Kind: queue.BackoffFixed, Delay: time.Millisecond}
		policies[stage] = p
	}
	cfg.Policies = policies
	return cfg
}

// recordingQueue captures enqueued jobs without running them.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

type enqueued struct {
	Stage types.Stage
	Job   types.StageJob
	Opts  queue.Options
}

func (q *recordingQueue) Enqueue(ctx context.Context, stage types.Stage, job types.StageJob, opts queue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	job.Stage = stage
	job.JobID = fmt.Sprintf("job-%d", len(q.jobs)+1)
	job.Attempt = 1
	job.MaxAttempts = opts.Attempts
	q.jobs = append(q.jobs, enqueued{Stage: stage, Job: job, Opts: opts})
	return job.JobID, nil
}

func (q *recordingQueue) byStage(stage types.Stage) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, e := range q.jobs {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

// countingListener counts barrier notifications.
type countingListener struct {
	mu       sync.Mutex
	resolved map[types.Stage]int
	tallies  []types.StageTally
	scoring  []*types.ScoringResult
}

func (l *countingListener) OnStageResolved(ctx context.Context, streamID string, stage types.Stage, tally types.StageTally) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved == nil {
		l.resolved = make(map[types.Stage]int)
	}
	l.resolved[stage]++
	l.tallies = append(l.tallies, tally)
	return nil
}

func (l *countingListener) OnScoringResolved(ctx context.Context, streamID string, result *types.ScoringResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scoring = append(l.scoring, result)
	return nil
}

func (l *countingListener) OnRenderingResolved(ctx context.Context, streamID string, tally types.StageTally) error {
	return l.OnStageResolved(ctx, streamID, types.StageRendering, tally)
}

func (l *countingListener) count(stage types.Stage) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved[stage]
}

// seedStream stores a downloaded stream with n consecutive 30 second chunks
// named <id>-c1..<id>-cn.
func seedStream(t *testing.T, db *mocks.MockDatabase, id string, n int) []*types.Chunk {
	t.Helper()
	ctx := context.Background()
	stream := &types.Stream{ID: id, Title: "stream " + id, Status: types.StreamStatusDownloaded, Language: "en"}
	var chunks []*types.Chunk
	for i := 0; i < n; i++ {
		c := &types.Chunk{
			ID:        fmt.Sprintf("%s-c%d", id, i+1),
			StreamID:  id,
			Index:     i,
			StartTime: float64(i * 30),
			EndTime:   float64((i + 1) * 30),
			Duration:  30,
			FilePath:  fmt.Sprintf("chunks/%s/%d.mp4", id, i),
			AudioPath: fmt.Sprintf("chunks/%s/%d.wav", id, i),
			Status:    types.ChunkStatusPending,
		}
		require.NoError(t, db.SetChunk(ctx, c))
		stream.ChunkIDs = append(stream.ChunkIDs, c.ID)
		chunks = append(chunks, c)
	}
	require.NoError(t, db.SetStream(ctx, stream))
	return chunks
}

func setChunkStatus(t *testing.T, db *mocks.MockDatabase, id string, status types.ChunkStatus) {
	t.Helper()
	c, err := db.GetChunk(context.Background(), id)
	require.NoError(t, err)
	c.Status = status
	require.NoError(t, db.SetChunk(context.Background(), c))
}

func setStreamStatus(t *testing.T, db *mocks.MockDatabase, id string, status types.StreamStatus, stage types.Stage) {
	t.Helper()
	s, err := db.GetStream(context.Background(), id)
	require.NoError(t, err)
	s.Status = status
	s.Stage = stage
	require.NoError(t, db.SetStream(context.Background(), s))
}

type harness struct {
	db       *mocks.MockDatabase
	counter  *MemoryStageCounter
	queue    *recordingQueue
	services *mocks.MockAnalysisService
	blobs    *mocks.MockBlobStore
	engine   *Engine
}

// newHarness builds an engine over a recording queue; jobs are run by hand
// with run.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		db:       mocks.NewMockDatabase(),
		counter:  NewMemoryStageCounter(),
		queue:    &recordingQueue{},
		services: &mocks.MockAnalysisService{},
		blobs:    &mocks.MockBlobStore{},
	}
	h.engine = NewEngine(Deps{
		DB:       h.db,
		Counter:  h.counter,
		Queue:    h.queue,
		Services: h.services,
		Blobs:    h.blobs,
		Logger:   discardLogger(),
	}, cfg)
	return h
}

// run executes every queued job of stage through the worker.
func (h *harness) run(t *testing.T, stage types.Stage) {
	t.Helper()
	for _, e := range h.queue.byStage(stage) {
		require.NoError(t, h.engine.Worker.Handle(context.Background(), e.Job))
	}
}

func (h *harness) stream(t *testing.T, id string) *types.Stream {
	t.Helper()
	s, err := h.db.GetStream(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) chunk(t *testing.T, id string) *types.Chunk {
	t.Helper()
	c, err := h.db.GetChunk(context.Background(), id)
	require.NoError(t, err)
	return c
}

func scoresFor(streamID string, scores ...float64) *types.ScoringResult {
	result := &types.ScoringResult{StreamID: streamID}
	for i, s := range scores {
		result.Chunks = append(result.Chunks, types.ChunkScore{
			ChunkID: fmt.Sprintf("%s-c%d", streamID, i+1),
			Score:   s,
		})
	}
	return result
}

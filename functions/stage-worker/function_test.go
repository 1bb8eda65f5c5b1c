package stageworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/analysis"
	"github.com/clipforge/server/pkg/framework"
	"github.com/clipforge/server/pkg/pipeline"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/testing/mocks"
	"github.com/clipforge/server/pkg/types"
)

func fwCtx() *framework.FrameworkContext {
	return &framework.FrameworkContext{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ExecutionID: "exec-1",
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

// fixture runs a real engine over a Pub/Sub queue whose publisher is recorded,
// so each published job can be fed back to the function as a push delivery.
type fixture struct {
	db       *mocks.MockDatabase
	pub      *mocks.MockPublisher
	services *mocks.MockAnalysisService
	engine   *pipeline.Engine
	runner   *runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       mocks.NewMockDatabase(),
		pub:      &mocks.MockPublisher{},
		services: &mocks.MockAnalysisService{},
	}
	q := queue.NewPubSubQueue(f.pub)
	f.engine = pipeline.NewEngine(pipeline.Deps{
		DB:       f.db,
		Counter:  pipeline.NewMemoryStageCounter(),
		Queue:    q,
		Services: f.services,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, pipeline.DefaultConfig())

	f.runner = &runner{
		work:    f.engine.Worker.Handle,
		requeue: q,
		limits:  map[types.Stage]*semaphore.Weighted{},
		now:     time.Now,
		sleep:   noSleep,
	}
	for _, stage := range types.Stages {
		f.runner.limits[stage] = semaphore.NewWeighted(1)
	}
	return f
}

func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	stream := &types.Stream{ID: "s1", Status: types.StreamStatusDownloaded}
	for i := 0; i < n; i++ {
		c := &types.Chunk{
			ID:        fmt.Sprintf("s1-c%d", i+1),
			StreamID:  "s1",
			Index:     i,
			StartTime: float64(i * 30),
			EndTime:   float64((i + 1) * 30),
			Duration:  30,
			FilePath:  fmt.Sprintf("chunks/s1/%d.mp4", i),
			Status:    types.ChunkStatusPending,
		}
		require.NoError(t, f.db.SetChunk(ctx, c))
		stream.ChunkIDs = append(stream.ChunkIDs, c.ID)
	}
	require.NoError(t, f.db.SetStream(ctx, stream))
}

// drain delivers every published job, including ones published while
// draining, and returns the status each delivery reported.
func (f *fixture) drain(t *testing.T) []string {
	t.Helper()
	var statuses []string
	for i := 0; i < len(f.pub.Published); i++ {
		push, err := mocks.PushEvent(f.pub.Published[i].Event)
		require.NoError(t, err)
		out, err := f.runner.handle(context.Background(), push, fwCtx())
		require.NoError(t, err)
		statuses = append(statuses, out.(map[string]interface{})["status"].(string))
	}
	return statuses
}

func TestProcessStageJob_DrivesStreamThroughStages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	f.services.ScoreBatchFunc = func(ctx context.Context, req *types.ScoreBatchRequest) (*types.ScoringResult, error) {
		return &types.ScoringResult{StreamID: req.StreamID, Chunks: []types.ChunkScore{
			{ChunkID: "s1-c1", Score: 0.9},
			{ChunkID: "s1-c2", Score: 0.2},
		}}, nil
	}

	require.NoError(t, f.engine.Coordinator.Start(context.Background(), "s1"))
	statuses := f.drain(t)

	// 2 transcription, 2 vision, 1 scoring, 1 render.
	assert.Equal(t, []string{"done", "done", "done", "done", "done", "done"}, statuses)
	assert.Equal(t, "topic-stage-transcription", f.pub.Published[0].Topic)
	assert.Equal(t, "topic-stage-rendering", f.pub.Published[5].Topic)

	stream, err := f.db.GetStream(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusProcessed, stream.Status)

	clips, err := f.db.ListClipsByStream(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, types.ClipStatusRendered, clips[0].Status)
}

func TestProcessStageJob_RetryableFailureIsRepublished(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	var calls int32
	f.services.TranscribeFunc = func(ctx context.Context, req analysis.TranscribeRequest) (*types.Transcript, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &shared.ExternalServiceError{Service: "transcription", StatusCode: 503, Retryable: true}
		}
		return &types.Transcript{ChunkID: req.ChunkID}, nil
	}

	require.NoError(t, f.engine.Coordinator.Start(context.Background(), "s1"))
	statuses := f.drain(t)
	assert.Equal(t, "requeued", statuses[0])

	var retried types.StageJob
	require.NoError(t, f.pub.Published[1].Event.DataAs(&retried))
	assert.Equal(t, types.StageTranscription, retried.Stage)
	assert.Equal(t, 2, retried.Attempt)

	chunk, err := f.db.GetChunk(context.Background(), "s1-c1")
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.RetryCount)

	stream, err := f.db.GetStream(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusProcessed, stream.Status)
}

func TestProcessStageJob_PersistentStorageErrorFailsChunkOnLastAttempt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	f.db.UpdateChunkStatusFunc = func(ctx context.Context, id string, from, to types.ChunkStatus, mutate func(*types.Chunk)) error {
		if to == types.ChunkStatusTranscribed {
			return errors.New("write quota exceeded")
		}
		return f.db.MemoryAdapter.UpdateChunkStatus(ctx, id, from, to, mutate)
	}

	require.NoError(t, f.engine.Coordinator.Start(context.Background(), "s1"))
	statuses := f.drain(t)
	assert.Equal(t, []string{"requeued", "requeued", "done"}, statuses)

	chunk, err := f.db.GetChunk(context.Background(), "s1-c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusFailed, chunk.Status)
	assert.Equal(t, types.StageTranscription, chunk.FailedStage)

	// The only chunk failed, so the barrier fires and the stream aborts.
	stream, err := f.db.GetStream(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusFailed, stream.Status)
}

func TestRunner_ExhaustedJobIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.runner.work = func(ctx context.Context, job types.StageJob) error {
		return errors.New("firestore unavailable")
	}
	_, err := queue.NewPubSubQueue(f.pub).Enqueue(context.Background(), types.StageVision,
		types.StageJob{StreamID: "s1", ChunkID: "c1", Attempt: 3}, queue.Options{Attempts: 3})
	require.NoError(t, err)

	statuses := f.drain(t)
	assert.Equal(t, []string{"exhausted"}, statuses)
}

func TestRunner_WithoutRedelivererReturnsError(t *testing.T) {
	f := newFixture(t)
	f.runner.requeue = nil
	boom := errors.New("boom")
	f.runner.work = func(ctx context.Context, job types.StageJob) error { return boom }
	_, err := queue.NewPubSubQueue(f.pub).Enqueue(context.Background(), types.StageScoring,
		types.StageJob{StreamID: "s1"}, queue.Options{Attempts: 3})
	require.NoError(t, err)

	push, err := mocks.PushEvent(f.pub.Published[0].Event)
	require.NoError(t, err)
	_, err = f.runner.handle(context.Background(), push, fwCtx())
	assert.ErrorIs(t, err, boom)
}

func TestRunner_WaitsUntilNotBefore(t *testing.T) {
	f := newFixture(t)
	var waited time.Duration
	f.runner.sleep = func(ctx context.Context, d time.Duration) error {
		waited = d
		return nil
	}
	f.runner.work = func(ctx context.Context, job types.StageJob) error { return nil }

	_, err := queue.NewPubSubQueue(f.pub).Enqueue(context.Background(), types.StageVision,
		types.StageJob{StreamID: "s1", ChunkID: "c1"}, queue.Options{Attempts: 3, Delay: time.Hour})
	require.NoError(t, err)
	now := time.Now()
	f.runner.now = func() time.Time { return now }
	f.drain(t)

	assert.Greater(t, waited, 59*time.Minute)
	assert.LessOrEqual(t, waited, time.Hour)
}

func TestRunner_DropsUndecodableEvents(t *testing.T) {
	f := newFixture(t)
	e := event.New()
	e.SetID("1")
	e.SetSource("test")
	e.SetType("com.clipforge.stage.job")
	require.NoError(t, e.SetData("application/json", map[string]string{"stage": "mastering"}))

	out, err := f.runner.handle(context.Background(), e, fwCtx())
	require.NoError(t, err)
	assert.Equal(t, "dropped", out.(map[string]interface{})["status"])
}

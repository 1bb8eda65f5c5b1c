package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/testing/mocks"
	"github.com/clipforge/server/pkg/types"
)

func TestMemoryStageCounter_FiresOnceUnderContention(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryStageCounter()
	const n = 50
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageVision, n))

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < n; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(member string) {
				defer wg.Done()
				tally, err := counter.ResolveStage(ctx, "s1", types.StageVision, member, false)
				assert.NoError(t, err)
				if tally.Fired {
					mu.Lock()
					fired++
					mu.Unlock()
				}
			}(fmt.Sprintf("c%d", i))
		}
	}
	wg.Wait()

	assert.Equal(t, 1, fired)
	snap := counter.Snapshot("s1", types.StageVision)
	require.NotNil(t, snap)
	assert.Len(t, snap.Resolved, n)
	assert.True(t, snap.Fired)
}

func TestMemoryStageCounter_InitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryStageCounter()
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageScoring, 1))
	_, err := counter.ResolveStage(ctx, "s1", types.StageScoring, "s1", false)
	require.NoError(t, err)

	require.NoError(t, counter.InitStage(ctx, "s1", types.StageScoring, 1))
	tally, err := counter.ResolveStage(ctx, "s1", types.StageScoring, "s1", false)
	require.NoError(t, err)
	assert.True(t, tally.Duplicate)
	assert.False(t, tally.Fired)
}

func TestMemoryStageCounter_Errors(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryStageCounter()

	_, err := counter.ResolveStage(ctx, "missing", types.StageVision, "c1", false)
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	var verr *shared.ValidationError
	assert.True(t, errors.As(counter.InitStage(ctx, "s1", types.StageVision, 0), &verr))
}

func newTrackerFixture(t *testing.T, chunks int) (*Tracker, *mocks.MockDatabase, *MemoryStageCounter, *countingListener, *mocks.MockBlobStore) {
	t.Helper()
	db := mocks.NewMockDatabase()
	seedStream(t, db, "s1", chunks)
	counter := NewMemoryStageCounter()
	blobs := &mocks.MockBlobStore{}
	tracker := NewTracker(db, counter, blobs, "artifacts", discardLogger())
	listener := &countingListener{}
	tracker.SetListener(listener)
	return tracker, db, counter, listener, blobs
}

func TestTracker_ConcurrentCompletionsTriggerOnce(t *testing.T) {
	ctx := context.Background()
	const n = 25
	tracker, db, counter, listener, _ := newTrackerFixture(t, n)
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageTranscription, n))

	order := rand.Perm(n)
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(chunkID string) {
			defer wg.Done()
			job := types.StageJob{Stage: types.StageTranscription, StreamID: "s1", ChunkID: chunkID}
			_, err := tracker.RecordTranscript(ctx, job, &types.Transcript{ChunkID: chunkID, Text: "hello"})
			assert.NoError(t, err)
		}(fmt.Sprintf("s1-c%d", i+1))
	}
	wg.Wait()

	assert.Equal(t, 1, listener.count(types.StageTranscription))
	chunks, err := db.ListChunksByStream(ctx, "s1")
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, types.ChunkStatusTranscribed, c.Status, c.ID)
		require.NotNil(t, c.Transcript)
	}
}

func TestTracker_DuplicateDeliveryCountsOnce(t *testing.T) {
	ctx := context.Background()
	tracker, _, counter, listener, _ := newTrackerFixture(t, 2)
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageTranscription, 2))

	job := types.StageJob{Stage: types.StageTranscription, StreamID: "s1", ChunkID: "s1-c1"}
	first, err := tracker.RecordTranscript(ctx, job, &types.Transcript{ChunkID: "s1-c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Resolved)

	again, err := tracker.RecordTranscript(ctx, job, &types.Transcript{ChunkID: "s1-c1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, again.Resolved)
	assert.Equal(t, 0, listener.count(types.StageTranscription))

	_, err = tracker.RecordTranscript(ctx, types.StageJob{Stage: types.StageTranscription, StreamID: "s1", ChunkID: "s1-c2"}, &types.Transcript{})
	require.NoError(t, err)
	assert.Equal(t, 1, listener.count(types.StageTranscription))
}

func TestTracker_ChunkStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	tracker, db, counter, _, _ := newTrackerFixture(t, 1)
	setChunkStatus(t, db, "s1-c1", types.ChunkStatusAnalyzed)
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageTranscription, 1))

	job := types.StageJob{Stage: types.StageTranscription, StreamID: "s1", ChunkID: "s1-c1"}
	_, err := tracker.RecordTranscript(ctx, job, &types.Transcript{Text: "late"})
	require.NoError(t, err)

	c, err := db.GetChunk(ctx, "s1-c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusAnalyzed, c.Status)
	assert.Nil(t, c.Transcript)
}

func TestTracker_RecordScoringStoresScoresAndNotifies(t *testing.T) {
	ctx := context.Background()
	tracker, db, counter, listener, blobs := newTrackerFixture(t, 2)
	setChunkStatus(t, db, "s1-c1", types.ChunkStatusAnalyzed)
	setChunkStatus(t, db, "s1-c2", types.ChunkStatusAnalyzed)
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageScoring, 1))

	result := scoresFor("s1", 0.9, 0.4)
	result.Chunks = append(result.Chunks, types.ChunkScore{ChunkID: "unknown", Score: 1})
	result.Chunks[0].Breakdown = map[string]float64{"audio": 0.8}

	job := types.StageJob{Stage: types.StageScoring, StreamID: "s1"}
	tally, err := tracker.RecordScoring(ctx, job, result)
	require.NoError(t, err)
	assert.True(t, tally.Fired)
	require.Len(t, listener.scoring, 1)
	assert.Equal(t, 0, listener.count(types.StageScoring))

	c1, err := db.GetChunk(ctx, "s1-c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusScored, c1.Status)
	require.NotNil(t, c1.HighlightScore)
	assert.InDelta(t, 0.9, *c1.HighlightScore, 1e-9)
	assert.Equal(t, 0.8, c1.ScoreBreakdown["audio"])

	_, archived := blobs.Objects["artifacts/results/s1/scoring/s1.json"]
	assert.True(t, archived)
}

func TestTracker_ArchiveFailureDoesNotFailRecording(t *testing.T) {
	ctx := context.Background()
	tracker, _, counter, _, blobs := newTrackerFixture(t, 1)
	blobs.WriteFunc = func(ctx context.Context, bucket, object string, data []byte) error {
		return errors.New("bucket unavailable")
	}
	require.NoError(t, counter.InitStage(ctx, "s1", types.StageVision, 1))

	job := types.StageJob{Stage: types.StageVision, StreamID: "s1", ChunkID: "s1-c1"}
	tally, err := tracker.RecordVision(ctx, job, &types.VisionAnalysis{ChunkID: "s1-c1"})
	require.NoError(t, err)
	assert.True(t, tally.Fired)
}

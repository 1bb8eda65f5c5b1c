package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

func TestExtractCaptions_RebasesAndClamps(t *testing.T) {
	segments := []types.TranscriptSegment{
		{Start: 5, End: 12, Text: "a"},
		{Start: 15, End: 18, Text: "b"},
		{Start: 25, End: 30, Text: "c"},
	}
	got := ExtractCaptions(segments, 10, 20)

	assert.Equal(t, []types.Caption{
		{Start: 0, End: 2, Text: "a"},
		{Start: 5, End: 8, Text: "b"},
	}, got)
}

func TestExtractCaptions_WindowEdgesAndText(t *testing.T) {
	segments := []types.TranscriptSegment{
		{Start: 0, End: 10, Text: "ends at window start"},
		{Start: 20, End: 22, Text: "starts at window end"},
		{Start: 12, End: 13, Text: "   "},
		{Start: 14, End: 15, Text: "  café "},
	}
	got := ExtractCaptions(segments, 10, 20)

	require.Len(t, got, 1)
	assert.Equal(t, "café", got[0].Text)
	assert.Equal(t, 4.0, got[0].Start)

	assert.NotNil(t, ExtractCaptions(nil, 0, 10))
	assert.Empty(t, ExtractCaptions(nil, 0, 10))
}

func TestClipID_Deterministic(t *testing.T) {
	a := ClipID("chunk-1", 12.5, 10)
	assert.Equal(t, a, ClipID("chunk-1", 12.5, 10))
	assert.NotEqual(t, a, ClipID("chunk-1", 13, 10))
	assert.NotEqual(t, a, ClipID("chunk-2", 12.5, 10))
}

func scoredChunk(t *testing.T, h *harness) *types.Chunk {
	t.Helper()
	seedStream(t, h.db, "s1", 3)
	c := h.chunk(t, "s1-c2")
	c.Transcript = &types.Transcript{Segments: []types.TranscriptSegment{
		{Start: 1, End: 4, Text: "before"},
		{Start: 5, End: 9, Text: "inside"},
		{Start: 14, End: 20, Text: "after"},
	}}
	c.Status = types.ChunkStatusScored
	require.NoError(t, h.db.SetChunk(context.Background(), c))
	return c
}

func TestClipFactory_CreateClip(t *testing.T) {
	h := newHarness(t, testConfig())
	chunk := scoredChunk(t, h)

	cand := Candidate{Chunk: chunk, Score: 0.85, Start: 34, Duration: 8, Type: "action"}
	clip, created, err := h.engine.Clips.CreateClip(context.Background(), cand)
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, ClipID("s1-c2", 34, 8), clip.ID)
	assert.Equal(t, types.ClipStatusRendering, clip.Status)
	assert.Equal(t, types.ApprovalPending, clip.ApprovalStatus)
	assert.Equal(t, 34.0, clip.SourceStart)
	assert.Equal(t, 4.0, clip.RenderStart)
	assert.Equal(t, chunk.FilePath, clip.SourcePath)
	assert.Equal(t, types.DefaultRenderSettings(), clip.RenderSettings)
	assert.Equal(t, []types.Caption{{Start: 1, End: 5, Text: "inside"}}, clip.Captions)
}

func TestClipFactory_CreateClipIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	chunk := scoredChunk(t, h)
	cand := Candidate{Chunk: chunk, Score: 0.85, Start: 30, Duration: 30}

	first, created, err := h.engine.Clips.CreateClip(context.Background(), cand)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.engine.Clips.CreateClip(context.Background(), cand)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	clips, err := h.db.ListClipsByStream(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, clips, 1)
}

func renderFixture(t *testing.T, h *harness) (*types.Clip, types.StageJob) {
	t.Helper()
	chunk := scoredChunk(t, h)
	clip, _, err := h.engine.Clips.CreateClip(context.Background(), Candidate{Chunk: chunk, Score: 0.9, Start: 30, Duration: 30})
	require.NoError(t, err)
	setStreamStatus(t, h.db, "s1", types.StreamStatusProcessed, types.StageRendering)
	_, err = h.engine.Dispatcher.DispatchRenders(context.Background(), "s1", []*types.Clip{clip})
	require.NoError(t, err)
	jobs := h.queue.byStage(types.StageRendering)
	require.Len(t, jobs, 1)
	return clip, jobs[0].Job
}

func TestClipFactory_RenderSuccess(t *testing.T) {
	h := newHarness(t, testConfig())
	clip, job := renderFixture(t, h)

	var got *types.RenderRequest
	h.services.RenderFunc = func(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error) {
		got = req
		return &types.RenderOutput{ClipID: req.ClipID, OutputPath: "out/" + req.ClipID + ".mp4", ThumbnailPath: "out/thumb.jpg", FileSize: 2048}, nil
	}

	require.NoError(t, h.engine.Worker.Handle(context.Background(), job))

	require.NotNil(t, got)
	assert.Equal(t, 0.0, got.StartTime)
	assert.Equal(t, 30.0, got.Duration)

	stored, err := h.db.GetClip(context.Background(), clip.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClipStatusRendered, stored.Status)
	assert.Equal(t, "out/"+clip.ID+".mp4", stored.OutputPath)
	assert.Equal(t, int64(2048), stored.FileSize)
	assert.Equal(t, types.StreamStatusProcessed, h.stream(t, "s1").Status)
}

func TestClipFactory_RenderFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	clip, job := renderFixture(t, h)
	h.services.RenderFunc = func(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error) {
		return nil, &shared.ExternalServiceError{Service: "rendering", StatusCode: 400, Message: "bad codec"}
	}

	require.NoError(t, h.engine.Worker.Handle(context.Background(), job))

	stored, err := h.db.GetClip(context.Background(), clip.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClipStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.ErrorMessage, "bad codec")

	snap := h.counter.Snapshot("s1", types.StageRendering)
	require.NotNil(t, snap)
	assert.Equal(t, []string{clip.ID}, snap.Failed)
	assert.True(t, snap.Fired)
}

func TestClipFactory_RenderRetryableKeepsRendering(t *testing.T) {
	h := newHarness(t, testConfig())
	clip, job := renderFixture(t, h)
	h.services.RenderFunc = func(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error) {
		return nil, &shared.ExternalServiceError{Service: "rendering", StatusCode: 503, Message: "busy", Retryable: true}
	}

	err := h.engine.Worker.Handle(context.Background(), job)
	assert.True(t, errors.Is(err, queue.ErrRetry))

	stored, err := h.db.GetClip(context.Background(), clip.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClipStatusRendering, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.False(t, h.counter.Snapshot("s1", types.StageRendering).Fired)
}

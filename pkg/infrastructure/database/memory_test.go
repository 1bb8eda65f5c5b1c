package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/types"
)

func TestMemoryAdapter_StreamStatusCAS(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryAdapter()
	require.NoError(t, db.SetStream(ctx, &types.Stream{ID: "s1", Status: types.StreamStatusDownloaded}))

	err := db.UpdateStreamStatus(ctx, "s1", types.StreamStatusDownloaded, types.StreamStatusProcessing, func(s *types.Stream) {
		s.Stage = types.StageTranscription
	})
	require.NoError(t, err)

	err = db.UpdateStreamStatus(ctx, "s1", types.StreamStatusDownloaded, types.StreamStatusProcessing, nil)
	assert.True(t, errors.Is(err, shared.ErrStatusConflict), "expected conflict, got %v", err)

	s, err := db.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusProcessing, s.Status)
	assert.Equal(t, types.StageTranscription, s.Stage)

	_, err = db.GetStream(ctx, "missing")
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestMemoryAdapter_ChunksOrderedAndCopied(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryAdapter()
	for i, start := range []float64{60, 0, 30} {
		require.NoError(t, db.SetChunk(ctx, &types.Chunk{
			ID:        []string{"c3", "c1", "c2"}[i],
			StreamID:  "s1",
			StartTime: start,
			EndTime:   start + 30,
			Status:    types.ChunkStatusPending,
		}))
	}
	require.NoError(t, db.SetChunk(ctx, &types.Chunk{ID: "other", StreamID: "s2"}))

	chunks, err := db.ListChunksByStream(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "c1", chunks[0].ID)
	assert.Equal(t, "c2", chunks[1].ID)
	assert.Equal(t, "c3", chunks[2].ID)

	err = db.UpdateChunkStatus(ctx, "c1", types.ChunkStatusPending, types.ChunkStatusTranscribed, func(c *types.Chunk) {
		c.Transcript = &types.Transcript{Segments: []types.TranscriptSegment{{Start: 1, End: 2, Text: "hi"}}}
	})
	require.NoError(t, err)

	c, err := db.GetChunk(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c.Transcript)
	c.Transcript.Segments[0].Text = "mutated"

	again, err := db.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Transcript.Segments[0].Text)

	count, err := db.IncrementChunkRetry(ctx, "c1", "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryAdapter_CreateClipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryAdapter()
	clip := &types.Clip{ID: "clip-1", StreamID: "s1", Status: types.ClipStatusRendering}

	require.NoError(t, db.CreateClip(ctx, clip))
	err := db.CreateClip(ctx, &types.Clip{ID: "clip-1", StreamID: "s1"})
	assert.True(t, errors.Is(err, shared.ErrAlreadyExists))

	clips, err := db.ListClipsByStream(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, clips, 1)
}

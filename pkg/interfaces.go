package shared

import (
	"context"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/clipforge/server/pkg/types"
)

// --- Persistence Interfaces ---

// Database is the repository contract the orchestrator needs. Status updates
// take the expected current status and fail with ErrStatusConflict when the
// stored status differs; mutate runs inside the same atomic update and may be nil.
type Database interface {
	// Streams
	GetStream(ctx context.Context, id string) (*types.Stream, error)
	SetStream(ctx context.Context, stream *types.Stream) error
	UpdateStreamStatus(ctx context.Context, id string, from, to types.StreamStatus, mutate func(*types.Stream)) error

	// Chunks
	GetChunk(ctx context.Context, id string) (*types.Chunk, error)
	SetChunk(ctx context.Context, chunk *types.Chunk) error
	// ListChunksByStream returns chunks ordered by start time.
	ListChunksByStream(ctx context.Context, streamID string) ([]*types.Chunk, error)
	UpdateChunkStatus(ctx context.Context, id string, from, to types.ChunkStatus, mutate func(*types.Chunk)) error
	IncrementChunkRetry(ctx context.Context, id string, errorMessage string) (int, error)

	// Clips
	// CreateClip fails with ErrAlreadyExists when the id is taken.
	CreateClip(ctx context.Context, clip *types.Clip) error
	GetClip(ctx context.Context, id string) (*types.Clip, error)
	ListClipsByStream(ctx context.Context, streamID string) ([]*types.Clip, error)
	UpdateClipStatus(ctx context.Context, id string, from, to types.ClipStatus, mutate func(*types.Clip)) error
	IncrementClipRetry(ctx context.Context, id string, errorMessage string) (int, error)
}

// StageCounterStore is an atomic barrier for one (stream, stage).
type StageCounterStore interface {
	InitStage(ctx context.Context, streamID string, stage types.Stage, total int) error
	ResolveStage(ctx context.Context, streamID string, stage types.Stage, memberID string, failed bool) (types.StageTally, error)
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}

// PathResolver maps stored media paths to locations the analysis services can read.
type PathResolver interface {
	Resolve(path string) string
}

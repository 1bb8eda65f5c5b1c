package database

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/clipforge/server/pkg"
	storage "github.com/clipforge/server/pkg/storage/firestore"
	"github.com/clipforge/server/pkg/types"
)

// FirestoreAdapter provides database operations using Firestore
// It wraps our typed storage client
type FirestoreAdapter struct {
	Client  *firestore.Client
	storage *storage.Client // internal typed wrapper
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{
		Client:  client,
		storage: storage.NewClient(client),
	}
}

// mapError translates gRPC status codes into the shared sentinel errors.
func mapError(err error, what, id string) error {
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.NotFound:
		return fmt.Errorf("%s %s: %w", what, id, shared.ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s %s: %w", what, id, shared.ErrAlreadyExists)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// --- Streams ---

func (a *FirestoreAdapter) GetStream(ctx context.Context, id string) (*types.Stream, error) {
	s, err := a.storage.Streams().Doc(id).Get(ctx)
	if err != nil {
		return nil, mapError(err, "stream", id)
	}
	return s, nil
}

func (a *FirestoreAdapter) SetStream(ctx context.Context, s *types.Stream) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	return mapError(a.storage.Streams().Doc(s.ID).Set(ctx, s), "stream", s.ID)
}

func (a *FirestoreAdapter) UpdateStreamStatus(ctx context.Context, id string, from, to types.StreamStatus, mutate func(*types.Stream)) error {
	ref := a.storage.Streams().Doc(id)
	return a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		s, err := ref.GetTx(tx)
		if err != nil {
			return mapError(err, "stream", id)
		}
		if s.Status != from {
			return fmt.Errorf("stream %s is %s, expected %s: %w", id, s.Status, from, shared.ErrStatusConflict)
		}
		s.Status = to
		if mutate != nil {
			mutate(s)
		}
		s.UpdatedAt = time.Now()
		return ref.SetTx(tx, s)
	})
}

// --- Chunks ---

func (a *FirestoreAdapter) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	c, err := a.storage.Chunks().Doc(id).Get(ctx)
	if err != nil {
		return nil, mapError(err, "chunk", id)
	}
	return c, nil
}

func (a *FirestoreAdapter) SetChunk(ctx context.Context, c *types.Chunk) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	return mapError(a.storage.Chunks().Doc(c.ID).Set(ctx, c), "chunk", c.ID)
}

func (a *FirestoreAdapter) ListChunksByStream(ctx context.Context, streamID string) ([]*types.Chunk, error) {
	chunks, err := a.storage.Chunks().
		Where("stream_id", "==", streamID).
		OrderBy("start_time", firestore.Asc).
		GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks for %s: %w", streamID, err)
	}
	return chunks, nil
}

func (a *FirestoreAdapter) UpdateChunkStatus(ctx context.Context, id string, from, to types.ChunkStatus, mutate func(*types.Chunk)) error {
	ref := a.storage.Chunks().Doc(id)
	return a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		c, err := ref.GetTx(tx)
		if err != nil {
			return mapError(err, "chunk", id)
		}
		if c.Status != from {
			return fmt.Errorf("chunk %s is %s, expected %s: %w", id, c.Status, from, shared.ErrStatusConflict)
		}
		c.Status = to
		if mutate != nil {
			mutate(c)
		}
		c.UpdatedAt = time.Now()
		return ref.SetTx(tx, c)
	})
}

func (a *FirestoreAdapter) IncrementChunkRetry(ctx context.Context, id string, errorMessage string) (int, error) {
	ref := a.storage.Chunks().Doc(id)
	var count int
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		c, err := ref.GetTx(tx)
		if err != nil {
			return mapError(err, "chunk", id)
		}
		count = c.RetryCount + 1
		return ref.UpdateTx(tx, map[string]interface{}{
			"retry_count":   count,
			"error_message": errorMessage,
			"updated_at":    time.Now(),
		})
	})
	return count, err
}

// --- Clips ---

func (a *FirestoreAdapter) CreateClip(ctx context.Context, c *types.Clip) error {
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	return mapError(a.storage.Clips().Doc(c.ID).Create(ctx, c), "clip", c.ID)
}

func (a *FirestoreAdapter) GetClip(ctx context.Context, id string) (*types.Clip, error) {
	c, err := a.storage.Clips().Doc(id).Get(ctx)
	if err != nil {
		return nil, mapError(err, "clip", id)
	}
	return c, nil
}

func (a *FirestoreAdapter) ListClipsByStream(ctx context.Context, streamID string) ([]*types.Clip, error) {
	clips, err := a.storage.Clips().
		Where("stream_id", "==", streamID).
		OrderBy("source_start", firestore.Asc).
		GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clips for %s: %w", streamID, err)
	}
	return clips, nil
}

func (a *FirestoreAdapter) UpdateClipStatus(ctx context.Context, id string, from, to types.ClipStatus, mutate func(*types.Clip)) error {
	ref := a.storage.Clips().Doc(id)
	return a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		c, err := ref.GetTx(tx)
		if err != nil {
			return mapError(err, "clip", id)
		}
		if c.Status != from {
			return fmt.Errorf("clip %s is %s, expected %s: %w", id, c.Status, from, shared.ErrStatusConflict)
		}
		c.Status = to
		if mutate != nil {
			mutate(c)
		}
		c.UpdatedAt = time.Now()
		return ref.SetTx(tx, c)
	})
}

func (a *FirestoreAdapter) IncrementClipRetry(ctx context.Context, id string, errorMessage string) (int, error) {
	ref := a.storage.Clips().Doc(id)
	var count int
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		c, err := ref.GetTx(tx)
		if err != nil {
			return mapError(err, "clip", id)
		}
		count = c.RetryCount + 1
		return ref.UpdateTx(tx, map[string]interface{}{
			"retry_count":   count,
			"error_message": errorMessage,
			"updated_at":    time.Now(),
		})
	})
	return count, err
}

// --- Stage counters ---

// InitStage creates the barrier document unless it already exists.
func (a *FirestoreAdapter) InitStage(ctx context.Context, streamID string, stage types.Stage, total int) error {
	counter := &types.StageCounter{
		StreamID:  streamID,
		Stage:     stage,
		Total:     total,
		Resolved:  []string{},
		Failed:    []string{},
		UpdatedAt: time.Now(),
	}
	err := a.storage.StageCounters().Doc(types.StageCounterID(streamID, stage)).Create(ctx, counter)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return mapError(err, "stage counter", types.StageCounterID(streamID, stage))
}

// ResolveStage records a member inside a transaction so concurrent resolutions serialize.
func (a *FirestoreAdapter) ResolveStage(ctx context.Context, streamID string, stage types.Stage, memberID string, failed bool) (types.StageTally, error) {
	id := types.StageCounterID(streamID, stage)
	ref := a.storage.StageCounters().Doc(id)
	var tally types.StageTally
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		counter, err := ref.GetTx(tx)
		if err != nil {
			return mapError(err, "stage counter", id)
		}
		tally = counter.Resolve(memberID, failed)
		if tally.Duplicate {
			return nil
		}
		counter.UpdatedAt = time.Now()
		return ref.SetTx(tx, counter)
	})
	return tally, err
}

package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	shared "github.com/clipforge/server/pkg"
	storage "github.com/clipforge/server/pkg/storage/firestore"
	"github.com/clipforge/server/pkg/types"
)

// MemoryAdapter is a process-local Database. Records are kept in their
// Firestore document form so reads always return fresh copies.
type MemoryAdapter struct {
	mu      sync.Mutex
	streams map[string]map[string]interface{}
	chunks  map[string]map[string]interface{}
	clips   map[string]map[string]interface{}
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		streams: make(map[string]map[string]interface{}),
		chunks:  make(map[string]map[string]interface{}),
		clips:   make(map[string]map[string]interface{}),
	}
}

// --- Streams ---

func (m *MemoryAdapter) GetStream(ctx context.Context, id string) (*types.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, shared.ErrNotFound)
	}
	return storage.FirestoreToStream(doc), nil
}

func (m *MemoryAdapter) SetStream(ctx context.Context, s *types.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	m.streams[s.ID] = storage.StreamToFirestore(s)
	return nil
}

func (m *MemoryAdapter) UpdateStreamStatus(ctx context.Context, id string, from, to types.StreamStatus, mutate func(*types.Stream)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, shared.ErrNotFound)
	}
	s := storage.FirestoreToStream(doc)
	if s.Status != from {
		return fmt.Errorf("stream %s is %s, expected %s: %w", id, s.Status, from, shared.ErrStatusConflict)
	}
	s.Status = to
	if mutate != nil {
		mutate(s)
	}
	s.UpdatedAt = time.Now()
	m.streams[id] = storage.StreamToFirestore(s)
	return nil
}

// --- Chunks ---

func (m *MemoryAdapter) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, shared.ErrNotFound)
	}
	return storage.FirestoreToChunk(doc), nil
}

func (m *MemoryAdapter) SetChunk(ctx context.Context, c *types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	m.chunks[c.ID] = storage.ChunkToFirestore(c)
	return nil
}

func (m *MemoryAdapter) ListChunksByStream(ctx context.Context, streamID string) ([]*types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Chunk
	for _, doc := range m.chunks {
		c := storage.FirestoreToChunk(doc)
		if c.StreamID == streamID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime == out[j].StartTime {
			return out[i].Index < out[j].Index
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m *MemoryAdapter) UpdateChunkStatus(ctx context.Context, id string, from, to types.ChunkStatus, mutate func(*types.Chunk)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.chunks[id]
	if !ok {
		return fmt.Errorf("chunk %s: %w", id, shared.ErrNotFound)
	}
	c := storage.FirestoreToChunk(doc)
	if c.Status != from {
		return fmt.Errorf("chunk %s is %s, expected %s: %w", id, c.Status, from, shared.ErrStatusConflict)
	}
	c.Status = to
	if mutate != nil {
		mutate(c)
	}
	c.UpdatedAt = time.Now()
	m.chunks[id] = storage.ChunkToFirestore(c)
	return nil
}

func (m *MemoryAdapter) IncrementChunkRetry(ctx context.Context, id string, errorMessage string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.chunks[id]
	if !ok {
		return 0, fmt.Errorf("chunk %s: %w", id, shared.ErrNotFound)
	}
	c := storage.FirestoreToChunk(doc)
	c.RetryCount++
	c.ErrorMessage = errorMessage
	c.UpdatedAt = time.Now()
	m.chunks[id] = storage.ChunkToFirestore(c)
	return c.RetryCount, nil
}

// --- Clips ---

func (m *MemoryAdapter) CreateClip(ctx context.Context, c *types.Clip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clips[c.ID]; exists {
		return fmt.Errorf("clip %s: %w", c.ID, shared.ErrAlreadyExists)
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.clips[c.ID] = storage.ClipToFirestore(c)
	return nil
}

func (m *MemoryAdapter) GetClip(ctx context.Context, id string) (*types.Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.clips[id]
	if !ok {
		return nil, fmt.Errorf("clip %s: %w", id, shared.ErrNotFound)
	}
	return storage.FirestoreToClip(doc), nil
}

func (m *MemoryAdapter) ListClipsByStream(ctx context.Context, streamID string) ([]*types.Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Clip
	for _, doc := range m.clips {
		c := storage.FirestoreToClip(doc)
		if c.StreamID == streamID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourceStart == out[j].SourceStart {
			return out[i].ID < out[j].ID
		}
		return out[i].SourceStart < out[j].SourceStart
	})
	return out, nil
}

func (m *MemoryAdapter) UpdateClipStatus(ctx context.Context, id string, from, to types.ClipStatus, mutate func(*types.Clip)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.clips[id]
	if !ok {
		return fmt.Errorf("clip %s: %w", id, shared.ErrNotFound)
	}
	c := storage.FirestoreToClip(doc)
	if c.Status != from {
		return fmt.Errorf("clip %s is %s, expected %s: %w", id, c.Status, from, shared.ErrStatusConflict)
	}
	c.Status = to
	if mutate != nil {
		mutate(c)
	}
	c.UpdatedAt = time.Now()
	m.clips[id] = storage.ClipToFirestore(c)
	return nil
}

func (m *MemoryAdapter) IncrementClipRetry(ctx context.Context, id string, errorMessage string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.clips[id]
	if !ok {
		return 0, fmt.Errorf("clip %s: %w", id, shared.ErrNotFound)
	}
	c := storage.FirestoreToClip(doc)
	c.RetryCount++
	c.ErrorMessage = errorMessage
	c.UpdatedAt = time.Now()
	m.clips[id] = storage.ClipToFirestore(c)
	return c.RetryCount, nil
}

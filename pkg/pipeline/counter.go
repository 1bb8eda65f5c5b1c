package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/types"
)

// AtomicStageCounter is the stage barrier. ResolveStage must record the member
// and compare against the total in one atomic step so that exactly one caller
// observes Fired for a (stream, stage).
type AtomicStageCounter = shared.StageCounterStore

// MemoryStageCounter keeps barriers in process, one lock per (stream, stage).
type MemoryStageCounter struct {
	mu       sync.Mutex
	counters map[string]*lockedCounter
}

type lockedCounter struct {
	mu      sync.Mutex
	counter types.StageCounter
}

func NewMemoryStageCounter() *MemoryStageCounter {
	return &MemoryStageCounter{counters: make(map[string]*lockedCounter)}
}

// InitStage creates the barrier. Calling it again for the same key is a no-op.
func (m *MemoryStageCounter) InitStage(ctx context.Context, streamID string, stage types.Stage, total int) error {
	if total < 1 {
		return shared.NewValidationError("total", "stage %s of stream %s needs at least one member", stage, streamID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := types.StageCounterID(streamID, stage)
	if _, ok := m.counters[key]; ok {
		return nil
	}
	m.counters[key] = &lockedCounter{counter: types.StageCounter{
		StreamID:  streamID,
		Stage:     stage,
		Total:     total,
		UpdatedAt: time.Now(),
	}}
	return nil
}

func (m *MemoryStageCounter) ResolveStage(ctx context.Context, streamID string, stage types.Stage, memberID string, failed bool) (types.StageTally, error) {
	m.mu.Lock()
	lc, ok := m.counters[types.StageCounterID(streamID, stage)]
	m.mu.Unlock()
	if !ok {
		return types.StageTally{}, fmt.Errorf("stage counter %s/%s: %w", streamID, stage, shared.ErrNotFound)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	tally := lc.counter.Resolve(memberID, failed)
	lc.counter.UpdatedAt = time.Now()
	return tally, nil
}

// Snapshot returns a copy of the barrier state, or nil when it was never initialised.
func (m *MemoryStageCounter) Snapshot(streamID string, stage types.Stage) *types.StageCounter {
	m.mu.Lock()
	lc, ok := m.counters[types.StageCounterID(streamID, stage)]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	c := lc.counter
	c.Resolved = append([]string(nil), c.Resolved...)
	c.Failed = append([]string(nil), c.Failed...)
	return &c
}

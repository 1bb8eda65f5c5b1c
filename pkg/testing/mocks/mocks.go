package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/clipforge/server/pkg/analysis"
	"github.com/clipforge/server/pkg/infrastructure/database"
	"github.com/clipforge/server/pkg/types"
)

// --- Mock Database ---

// MockDatabase is backed by an in-memory store; set a Func field to intercept a call.
type MockDatabase struct {
	*database.MemoryAdapter

	UpdateStreamStatusFunc func(ctx context.Context, id string, from, to types.StreamStatus, mutate func(*types.Stream)) error
	UpdateChunkStatusFunc  func(ctx context.Context, id string, from, to types.ChunkStatus, mutate func(*types.Chunk)) error
	CreateClipFunc         func(ctx context.Context, clip *types.Clip) error
}

func NewMockDatabase() *MockDatabase {
	return &MockDatabase{MemoryAdapter: database.NewMemoryAdapter()}
}

func (m *MockDatabase) UpdateStreamStatus(ctx context.Context, id string, from, to types.StreamStatus, mutate func(*types.Stream)) error {
	if m.UpdateStreamStatusFunc != nil {
		return m.UpdateStreamStatusFunc(ctx, id, from, to, mutate)
	}
	return m.MemoryAdapter.UpdateStreamStatus(ctx, id, from, to, mutate)
}

func (m *MockDatabase) UpdateChunkStatus(ctx context.Context, id string, from, to types.ChunkStatus, mutate func(*types.Chunk)) error {
	if m.UpdateChunkStatusFunc != nil {
		return m.UpdateChunkStatusFunc(ctx, id, from, to, mutate)
	}
	return m.MemoryAdapter.UpdateChunkStatus(ctx, id, from, to, mutate)
}

func (m *MockDatabase) CreateClip(ctx context.Context, clip *types.Clip) error {
	if m.CreateClipFunc != nil {
		return m.CreateClipFunc(ctx, clip)
	}
	return m.MemoryAdapter.CreateClip(ctx, clip)
}

// --- Mock Publisher ---
type MockPublisher struct {
	PublishCloudEventFunc func(ctx context.Context, topic string, e event.Event) (string, error)

	mu        sync.Mutex
	Published []PublishedEvent
}

type PublishedEvent struct {
	Topic string
	Event event.Event
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	m.mu.Lock()
	m.Published = append(m.Published, PublishedEvent{Topic: topic, Event: e})
	m.mu.Unlock()
	if m.PublishCloudEventFunc != nil {
		return m.PublishCloudEventFunc(ctx, topic, e)
	}
	return "msg-id", nil
}

// --- Mock Storage ---
type MockBlobStore struct {
	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, error)

	mu      sync.Mutex
	Objects map[string][]byte
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	m.Objects[bucket+"/"+object] = append([]byte(nil), data...)
	return nil
}

func (m *MockBlobStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[bucket+"/"+object]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, object)
	}
	return data, nil
}

// --- Mock Analysis Services ---
type MockAnalysisService struct {
	TranscribeFunc    func(ctx context.Context, req analysis.TranscribeRequest) (*types.Transcript, error)
	AnalyzeVisionFunc func(ctx context.Context, req analysis.VisionRequest) (*types.VisionAnalysis, error)
	ScoreBatchFunc    func(ctx context.Context, req *types.ScoreBatchRequest) (*types.ScoringResult, error)
	RenderFunc        func(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error)

	mu    sync.Mutex
	Calls map[types.Stage]int
}

func (m *MockAnalysisService) record(stage types.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Calls == nil {
		m.Calls = make(map[types.Stage]int)
	}
	m.Calls[stage]++
}

// CallCount is safe to read while jobs are still running.
func (m *MockAnalysisService) CallCount(stage types.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[stage]
}

func (m *MockAnalysisService) Transcribe(ctx context.Context, req analysis.TranscribeRequest) (*types.Transcript, error) {
	m.record(types.StageTranscription)
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, req)
	}
	return &types.Transcript{ChunkID: req.ChunkID}, nil
}

func (m *MockAnalysisService) AnalyzeVision(ctx context.Context, req analysis.VisionRequest) (*types.VisionAnalysis, error) {
	m.record(types.StageVision)
	if m.AnalyzeVisionFunc != nil {
		return m.AnalyzeVisionFunc(ctx, req)
	}
	return &types.VisionAnalysis{ChunkID: req.ChunkID}, nil
}

func (m *MockAnalysisService) ScoreBatch(ctx context.Context, req *types.ScoreBatchRequest) (*types.ScoringResult, error) {
	m.record(types.StageScoring)
	if m.ScoreBatchFunc != nil {
		return m.ScoreBatchFunc(ctx, req)
	}
	return &types.ScoringResult{StreamID: req.StreamID}, nil
}

func (m *MockAnalysisService) Render(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error) {
	m.record(types.StageRendering)
	if m.RenderFunc != nil {
		return m.RenderFunc(ctx, req)
	}
	return &types.RenderOutput{ClipID: req.ClipID, OutputPath: "clips/" + req.ClipID + ".mp4"}, nil
}

package pipeline

import (
	"context"

	"github.com/clipforge/server/pkg/analysis"
	"github.com/clipforge/server/pkg/types"
)

// AnalysisService is the set of external analysis calls the pipeline makes.
// *analysis.Services is the HTTP implementation.
type AnalysisService interface {
	Transcribe(ctx context.Context, req analysis.TranscribeRequest) (*types.Transcript, error)
	AnalyzeVision(ctx context.Context, req analysis.VisionRequest) (*types.VisionAnalysis, error)
	ScoreBatch(ctx context.Context, req *types.ScoreBatchRequest) (*types.ScoringResult, error)
	Render(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error)
}

// StageListener is notified once per (stream, stage) when the barrier fires.
type StageListener interface {
	// OnStageResolved handles transcription, vision and a failed scoring stage.
	OnStageResolved(ctx context.Context, streamID string, stage types.Stage, tally types.StageTally) error
	OnScoringResolved(ctx context.Context, streamID string, result *types.ScoringResult) error
	OnRenderingResolved(ctx context.Context, streamID string, tally types.StageTally) error
}

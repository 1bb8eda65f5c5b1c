package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/types"
)

// Config locates the four analysis services and sets the wait budgets.
type Config struct {
	TranscriptionURL string
	VisionURL        string
	ScoringURL       string
	RenderURL        string

	PollInterval  time.Duration
	MaxAttempts   int
	RenderTimeout time.Duration
}

type TranscribeRequest struct {
	ChunkID   string `json:"chunkId"`
	StreamID  string `json:"streamId"`
	AudioPath string `json:"audioPath"`
	Language  string `json:"language,omitempty"`
}

type VisionRequest struct {
	ChunkID       string   `json:"chunkId"`
	StreamID      string   `json:"streamId"`
	VideoPath     string   `json:"videoPath"`
	AnalysisTypes []string `json:"analysisTypes"`
}

// Services is the typed facade over the four analysis services.
type Services struct {
	Client        *Client
	Transcription Endpoint
	Vision        Endpoint
	Scoring       Endpoint
	Rendering     Endpoint
}

func NewServices(client *Client, cfg Config) *Services {
	poll := func(name, base, submit, status string) Endpoint {
		return Endpoint{
			Name:         name,
			BaseURL:      base,
			SubmitPath:   submit,
			StatusPath:   status,
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.MaxAttempts,
		}
	}
	renderTimeout := cfg.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = DefaultRenderTimeout
	}
	return &Services{
		Client:        client,
		Transcription: poll(string(types.StageTranscription), cfg.TranscriptionURL, "/transcribe", "/transcription"),
		Vision:        poll(string(types.StageVision), cfg.VisionURL, "/analyze", "/analysis"),
		Scoring:       poll(string(types.StageScoring), cfg.ScoringURL, "/score-batch", "/highlights"),
		Rendering: Endpoint{
			Name:       string(types.StageRendering),
			BaseURL:    cfg.RenderURL,
			SubmitPath: "/render",
			Timeout:    renderTimeout,
		},
	}
}

func (s *Services) Transcribe(ctx context.Context, req TranscribeRequest) (*types.Transcript, error) {
	var out types.Transcript
	if err := s.submitAndAwait(ctx, s.Transcription, req.ChunkID, req, &out); err != nil {
		return nil, err
	}
	if out.ChunkID == "" {
		out.ChunkID = req.ChunkID
	}
	return &out, nil
}

func (s *Services) AnalyzeVision(ctx context.Context, req VisionRequest) (*types.VisionAnalysis, error) {
	if len(req.AnalysisTypes) == 0 {
		req.AnalysisTypes = []string{"scenes", "faces"}
	}
	var out types.VisionAnalysis
	if err := s.submitAndAwait(ctx, s.Vision, req.ChunkID, req, &out); err != nil {
		return nil, err
	}
	if out.ChunkID == "" {
		out.ChunkID = req.ChunkID
	}
	return &out, nil
}

func (s *Services) ScoreBatch(ctx context.Context, req *types.ScoreBatchRequest) (*types.ScoringResult, error) {
	var out types.ScoringResult
	if err := s.submitAndAwait(ctx, s.Scoring, req.StreamID, req, &out); err != nil {
		return nil, err
	}
	if out.StreamID == "" {
		out.StreamID = req.StreamID
	}
	return &out, nil
}

func (s *Services) Render(ctx context.Context, req *types.RenderRequest) (*types.RenderOutput, error) {
	raw, err := s.Client.Do(ctx, s.Rendering, req)
	if err != nil {
		return nil, err
	}
	var out types.RenderOutput
	if err := decode(s.Rendering, raw, &out); err != nil {
		return nil, err
	}
	if out.ClipID == "" {
		out.ClipID = req.ClipID
	}
	return &out, nil
}

// Notify routes a webhook body to the matching wait. See Client.Notify.
func (s *Services) Notify(stage types.Stage, id string, body []byte) bool {
	return s.Client.Notify(string(stage), id, body)
}

func (s *Services) submitAndAwait(ctx context.Context, ep Endpoint, id string, payload, out interface{}) error {
	if _, err := s.Client.Submit(ctx, ep, id, payload); err != nil {
		return err
	}
	raw, err := s.Client.AwaitCompletion(ctx, ep, id)
	if err != nil {
		return err
	}
	return decode(ep, raw, out)
}

func decode(ep Endpoint, raw json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return &shared.ExternalServiceError{
			Service: ep.Name,
			Message: fmt.Sprintf("decode %s result", ep.Name),
			Err:     err,
		}
	}
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/types"
)

// clipNamespace scopes deterministic clip ids.
var clipNamespace = uuid.MustParse("6f1c2d0e-8a4b-5c7d-9e3f-0a1b2c3d4e5f")

// ClipID derives the clip id from the chunk and the segment window, so the
// same selection always maps to the same clip.
func ClipID(chunkID string, start, duration float64) string {
	key := fmt.Sprintf("%s|%.3f|%.3f", chunkID, start, duration)
	return uuid.NewSHA1(clipNamespace, []byte(key)).String()
}

// ExtractCaptions keeps the transcript segments overlapping [segStart, segEnd)
// and rebases them onto the window start. Segment times must be absolute.
func ExtractCaptions(segments []types.TranscriptSegment, segStart, segEnd float64) []types.Caption {
	captions := make([]types.Caption, 0)
	for _, s := range segments {
		if !(segStart < s.End && segEnd > s.Start) {
			continue
		}
		text := strings.TrimSpace(norm.NFC.String(s.Text))
		if text == "" {
			continue
		}
		captions = append(captions, types.Caption{
			Start: math.Max(0, s.Start-segStart),
			End:   math.Max(0, s.End-segStart),
			Text:  text,
		})
	}
	return captions
}

// ClipFactory creates clip records for selected segments and renders them.
type ClipFactory struct {
	db       shared.Database
	services AnalysisService
	tracker  *Tracker
	failures *FailureHandler
	logger   *slog.Logger
}

func NewClipFactory(db shared.Database, services AnalysisService, tracker *Tracker, failures *FailureHandler, logger *slog.Logger) *ClipFactory {
	return &ClipFactory{
		db:       db,
		services: services,
		tracker:  tracker,
		failures: failures,
		logger:   logger.With("component", "clips"),
	}
}

// CreateClip stores a rendering clip for cand. When the clip already exists
// it is returned with created=false.
func (f *ClipFactory) CreateClip(ctx context.Context, cand Candidate) (*types.Clip, bool, error) {
	chunk := cand.Chunk
	id := ClipID(chunk.ID, cand.Start, cand.Duration)

	var segments []types.TranscriptSegment
	if chunk.Transcript != nil {
		segments = chunk.Transcript.Shift(chunk.StartTime)
	}

	now := time.Now()
	clip := &types.Clip{
		ID:             id,
		StreamID:       chunk.StreamID,
		ChunkID:        chunk.ID,
		SourceStart:    cand.Start,
		Duration:       cand.Duration,
		RenderStart:    math.Max(0, cand.Start-chunk.StartTime),
		SourcePath:     chunk.FilePath,
		Status:         types.ClipStatusRendering,
		Score:          cand.Score,
		ScoreBreakdown: cand.Breakdown,
		SegmentType:    cand.Type,
		Reason:         cand.Reason,
		Captions:       ExtractCaptions(segments, cand.Start, cand.End()),
		CaptionStyle:   types.DefaultCaptionStyle(),
		Crop:           types.DefaultCropSettings(),
		RenderSettings: types.DefaultRenderSettings(),
		ApprovalStatus: types.ApprovalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := f.db.CreateClip(ctx, clip)
	if errors.Is(err, shared.ErrAlreadyExists) {
		existing, getErr := f.db.GetClip(ctx, id)
		if getErr != nil {
			return nil, false, fmt.Errorf("get existing clip %s: %w", id, getErr)
		}
		f.logger.Info("Clip already exists", "stream_id", chunk.StreamID, "chunk_id", chunk.ID, "clip_id", id)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create clip for chunk %s: %w", chunk.ID, err)
	}
	f.logger.Info("Clip created", "stream_id", chunk.StreamID, "chunk_id", chunk.ID, "clip_id", id, "start", cand.Start, "duration", cand.Duration, "captions", len(clip.Captions))
	return clip, true, nil
}

// Render performs the single render round trip for a clip job.
func (f *ClipFactory) Render(ctx context.Context, job types.StageJob) error {
	clip, err := f.db.GetClip(ctx, job.ClipID)
	if err != nil {
		return fmt.Errorf("get clip %s: %w", job.ClipID, err)
	}
	if clip.Status != types.ClipStatusRendering {
		f.logger.Info("Clip not awaiting render, skipping", "clip_id", clip.ID, "status", clip.Status)
		return nil
	}

	source := job.InputPath
	if source == "" {
		source = clip.SourcePath
	}
	out, err := f.services.Render(ctx, &types.RenderRequest{
		ClipID:         clip.ID,
		SourcePath:     source,
		StartTime:      clip.RenderStart,
		Duration:       clip.Duration,
		Captions:       clip.Captions,
		CaptionStyle:   clip.CaptionStyle,
		Crop:           clip.Crop,
		RenderSettings: clip.RenderSettings,
	})
	if err != nil {
		return f.failures.HandleClipFailure(ctx, job, err)
	}
	if _, err := f.tracker.RecordRender(ctx, job, out); err != nil {
		return err
	}
	return nil
}

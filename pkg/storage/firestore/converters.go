package firestore

import (
	"encoding/json"
	"time"

	"github.com/clipforge/server/pkg/types"
)

// Helper to safely get string from map
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Helper to safely get bool from map
func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Firestore hands back int64 for integers and float64 for doubles.
func getFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func getInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Helper to safely get time from map (handles time.Time from Firestore)
func getTime(m map[string]interface{}, key string) time.Time {
	if v, ok := m[key]; ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

func getTimePtr(m map[string]interface{}, key string) *time.Time {
	t := getTime(m, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func getStringSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		if ss, ok := m[key].([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getFloatMap(m map[string]interface{}, key string) map[string]float64 {
	raw, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k := range raw {
		out[k] = getFloat(raw, k)
	}
	return out
}

func floatMapToFirestore(in map[string]float64) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Nested stage payloads are stored as JSON strings so other consumers can read them without a schema.
func marshalJSONField(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalJSONField[T any](m map[string]interface{}, key string) *T {
	s := getString(m, key)
	if s == "" {
		return nil
	}
	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return &out
}

// --- Stream Converters ---

func StreamToFirestore(s *types.Stream) map[string]interface{} {
	m := map[string]interface{}{
		"id":            s.ID,
		"title":         s.Title,
		"streamer_id":   s.StreamerID,
		"source_path":   s.SourcePath,
		"language":      s.Language,
		"duration":      s.Duration,
		"chunk_ids":     s.ChunkIDs,
		"status":        string(s.Status),
		"stage":         string(s.Stage),
		"error_message": s.ErrorMessage,
		"created_at":    s.CreatedAt,
		"updated_at":    s.UpdatedAt,
	}
	if s.ProcessingStartedAt != nil {
		m["processing_started_at"] = *s.ProcessingStartedAt
	}
	if s.ProcessingCompletedAt != nil {
		m["processing_completed_at"] = *s.ProcessingCompletedAt
	}
	return m
}

func FirestoreToStream(m map[string]interface{}) *types.Stream {
	return &types.Stream{
		ID:                    getString(m, "id"),
		Title:                 getString(m, "title"),
		StreamerID:            getString(m, "streamer_id"),
		SourcePath:            getString(m, "source_path"),
		Language:              getString(m, "language"),
		Duration:              getFloat(m, "duration"),
		ChunkIDs:              getStringSlice(m, "chunk_ids"),
		Status:                types.StreamStatus(getString(m, "status")),
		Stage:                 types.Stage(getString(m, "stage")),
		ErrorMessage:          getString(m, "error_message"),
		CreatedAt:             getTime(m, "created_at"),
		UpdatedAt:             getTime(m, "updated_at"),
		ProcessingStartedAt:   getTimePtr(m, "processing_started_at"),
		ProcessingCompletedAt: getTimePtr(m, "processing_completed_at"),
	}
}

// --- Chunk Converters ---

func ChunkToFirestore(c *types.Chunk) map[string]interface{} {
	m := map[string]interface{}{
		"id":            c.ID,
		"stream_id":     c.StreamID,
		"index":         c.Index,
		"start_time":    c.StartTime,
		"end_time":      c.EndTime,
		"duration":      c.Duration,
		"file_path":     c.FilePath,
		"audio_path":    c.AudioPath,
		"status":        string(c.Status),
		"retry_count":   c.RetryCount,
		"error_message": c.ErrorMessage,
		"failed_stage":  string(c.FailedStage),
		"created_at":    c.CreatedAt,
		"updated_at":    c.UpdatedAt,
	}
	if c.Transcript != nil {
		m["transcript"] = marshalJSONField(c.Transcript)
	}
	if c.Vision != nil {
		m["vision"] = marshalJSONField(c.Vision)
	}
	if c.HighlightScore != nil {
		m["highlight_score"] = *c.HighlightScore
	}
	if c.ScoreBreakdown != nil {
		m["score_breakdown"] = floatMapToFirestore(c.ScoreBreakdown)
	}
	return m
}

func FirestoreToChunk(m map[string]interface{}) *types.Chunk {
	c := &types.Chunk{
		ID:             getString(m, "id"),
		StreamID:       getString(m, "stream_id"),
		Index:          getInt(m, "index"),
		StartTime:      getFloat(m, "start_time"),
		EndTime:        getFloat(m, "end_time"),
		Duration:       getFloat(m, "duration"),
		FilePath:       getString(m, "file_path"),
		AudioPath:      getString(m, "audio_path"),
		Status:         types.ChunkStatus(getString(m, "status")),
		Transcript:     unmarshalJSONField[types.Transcript](m, "transcript"),
		Vision:         unmarshalJSONField[types.VisionAnalysis](m, "vision"),
		ScoreBreakdown: getFloatMap(m, "score_breakdown"),
		RetryCount:     getInt(m, "retry_count"),
		ErrorMessage:   getString(m, "error_message"),
		FailedStage:    types.Stage(getString(m, "failed_stage")),
		CreatedAt:      getTime(m, "created_at"),
		UpdatedAt:      getTime(m, "updated_at"),
	}
	if _, ok := m["highlight_score"]; ok {
		score := getFloat(m, "highlight_score")
		c.HighlightScore = &score
	}
	return c
}

// --- Clip Converters ---

func ClipToFirestore(c *types.Clip) map[string]interface{} {
	return map[string]interface{}{
		"id":              c.ID,
		"stream_id":       c.StreamID,
		"chunk_id":        c.ChunkID,
		"source_start":    c.SourceStart,
		"duration":        c.Duration,
		"render_start":    c.RenderStart,
		"source_path":     c.SourcePath,
		"status":          string(c.Status),
		"score":           c.Score,
		"score_breakdown": floatMapToFirestore(c.ScoreBreakdown),
		"segment_type":    c.SegmentType,
		"reason":          c.Reason,
		"captions":        marshalJSONField(c.Captions),
		"caption_style":   marshalJSONField(c.CaptionStyle),
		"crop":            marshalJSONField(c.Crop),
		"render_settings": marshalJSONField(c.RenderSettings),
		"approval_status": string(c.ApprovalStatus),
		"output_path":     c.OutputPath,
		"thumbnail_path":  c.ThumbnailPath,
		"file_size":       c.FileSize,
		"retry_count":     c.RetryCount,
		"error_message":   c.ErrorMessage,
		"created_at":      c.CreatedAt,
		"updated_at":      c.UpdatedAt,
	}
}

func FirestoreToClip(m map[string]interface{}) *types.Clip {
	c := &types.Clip{
		ID:             getString(m, "id"),
		StreamID:       getString(m, "stream_id"),
		ChunkID:        getString(m, "chunk_id"),
		SourceStart:    getFloat(m, "source_start"),
		Duration:       getFloat(m, "duration"),
		RenderStart:    getFloat(m, "render_start"),
		SourcePath:     getString(m, "source_path"),
		Status:         types.ClipStatus(getString(m, "status")),
		Score:          getFloat(m, "score"),
		ScoreBreakdown: getFloatMap(m, "score_breakdown"),
		SegmentType:    getString(m, "segment_type"),
		Reason:         getString(m, "reason"),
		ApprovalStatus: types.ApprovalStatus(getString(m, "approval_status")),
		OutputPath:     getString(m, "output_path"),
		ThumbnailPath:  getString(m, "thumbnail_path"),
		FileSize:       int64(getInt(m, "file_size")),
		RetryCount:     getInt(m, "retry_count"),
		ErrorMessage:   getString(m, "error_message"),
		CreatedAt:      getTime(m, "created_at"),
		UpdatedAt:      getTime(m, "updated_at"),
	}
	if captions := unmarshalJSONField[[]types.Caption](m, "captions"); captions != nil {
		c.Captions = *captions
	}
	if style := unmarshalJSONField[types.CaptionStyle](m, "caption_style"); style != nil {
		c.CaptionStyle = *style
	}
	if crop := unmarshalJSONField[types.CropSettings](m, "crop"); crop != nil {
		c.Crop = *crop
	}
	if settings := unmarshalJSONField[types.RenderSettings](m, "render_settings"); settings != nil {
		c.RenderSettings = *settings
	}
	return c
}

// --- StageCounter Converters ---

func StageCounterToFirestore(c *types.StageCounter) map[string]interface{} {
	return map[string]interface{}{
		"stream_id":  c.StreamID,
		"stage":      string(c.Stage),
		"total":      c.Total,
		"resolved":   c.Resolved,
		"failed":     c.Failed,
		"fired":      c.Fired,
		"updated_at": c.UpdatedAt,
	}
}

func FirestoreToStageCounter(m map[string]interface{}) *types.StageCounter {
	return &types.StageCounter{
		StreamID:  getString(m, "stream_id"),
		Stage:     types.Stage(getString(m, "stage")),
		Total:     getInt(m, "total"),
		Resolved:  getStringSlice(m, "resolved"),
		Failed:    getStringSlice(m, "failed"),
		Fired:     getBool(m, "fired"),
		UpdatedAt: getTime(m, "updated_at"),
	}
}

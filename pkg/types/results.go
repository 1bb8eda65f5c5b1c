package types

// Stage result payloads returned by the analysis services. Field names follow
// the services' JSON; timestamps inside a Transcript and VisionAnalysis are
// relative to the chunk file, SuggestedSegment start times are absolute.

type Transcript struct {
	ChunkID             string              `json:"chunkId"`
	Language            string              `json:"language,omitempty"`
	LanguageProbability float64             `json:"languageProbability,omitempty"`
	Duration            float64             `json:"duration,omitempty"`
	Text                string              `json:"text,omitempty"`
	Segments            []TranscriptSegment `json:"segments"`
}

type TranscriptSegment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Shift returns a copy of the segments moved by offset seconds.
func (t *Transcript) Shift(offset float64) []TranscriptSegment {
	if t == nil {
		return nil
	}
	out := make([]TranscriptSegment, len(t.Segments))
	for i, s := range t.Segments {
		s.Start += offset
		s.End += offset
		out[i] = s
	}
	return out
}

type VisionAnalysis struct {
	ChunkID     string         `json:"chunkId"`
	Scenes      []Scene        `json:"scenes"`
	KeyFrames   []KeyFrame     `json:"keyFrames,omitempty"`
	FaceSummary map[string]int `json:"faceSummary,omitempty"`
}

type Scene struct {
	SceneID         int     `json:"sceneId"`
	StartTime       float64 `json:"startTime"`
	EndTime         float64 `json:"endTime"`
	Duration        float64 `json:"duration"`
	ShotChanges     int     `json:"shotChanges,omitempty"`
	AvgBrightness   float64 `json:"avgBrightness,omitempty"`
	MotionIntensity float64 `json:"motionIntensity,omitempty"`
	ColorVariance   float64 `json:"colorVariance,omitempty"`
}

type KeyFrame struct {
	Timestamp float64 `json:"timestamp"`
	SceneID   int     `json:"sceneId"`
	Path      string  `json:"path,omitempty"`
}

// MotionIntensity is the duration-weighted mean motion across scenes.
func (v *VisionAnalysis) MotionIntensity() float64 {
	if v == nil {
		return 0
	}
	var sum, total float64
	for _, s := range v.Scenes {
		d := s.Duration
		if d <= 0 {
			d = s.EndTime - s.StartTime
		}
		if d <= 0 {
			continue
		}
		sum += s.MotionIntensity * d
		total += d
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// ScoreBatchRequest is the single stream-wide scoring submission.
type ScoreBatchRequest struct {
	StreamID string          `json:"streamId"`
	Chunks   []ChunkFeatures `json:"chunks"`
}

type ChunkFeatures struct {
	ChunkID    string          `json:"chunkId"`
	StartTime  float64         `json:"startTime"`
	EndTime    float64         `json:"endTime"`
	Duration   float64         `json:"duration"`
	Transcript *Transcript     `json:"transcript,omitempty"`
	Vision     *VisionAnalysis `json:"vision,omitempty"`
}

type ScoringResult struct {
	StreamID string       `json:"streamId"`
	Chunks   []ChunkScore `json:"chunks"`
}

type ChunkScore struct {
	ChunkID           string             `json:"chunkId"`
	Score             float64            `json:"score"`
	Breakdown         map[string]float64 `json:"breakdown,omitempty"`
	SuggestedSegments []SuggestedSegment `json:"suggestedSegments,omitempty"`
}

type SuggestedSegment struct {
	StartTime float64 `json:"startTime"`
	Duration  float64 `json:"duration"`
	Type      string  `json:"type,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// RenderRequest is sent to the render service in a single round trip.
type RenderRequest struct {
	ClipID         string         `json:"clipId"`
	SourcePath     string         `json:"sourcePath"`
	StartTime      float64        `json:"startTime"`
	Duration       float64        `json:"duration"`
	Captions       []Caption      `json:"captions"`
	CaptionStyle   CaptionStyle   `json:"captionStyle"`
	Crop           CropSettings   `json:"crop"`
	RenderSettings RenderSettings `json:"renderSettings"`
}

type RenderOutput struct {
	ClipID        string  `json:"clipId"`
	OutputPath    string  `json:"outputPath"`
	ThumbnailPath string  `json:"thumbnailPath,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	FileSize      int64   `json:"fileSize,omitempty"`
}

// Caption times are relative to the start of the clip.
type Caption struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type CaptionStyle struct {
	FontFamily        string  `json:"fontFamily"`
	FontSize          int     `json:"fontSize"`
	FontColor         string  `json:"fontColor"`
	BackgroundColor   string  `json:"backgroundColor"`
	BackgroundOpacity float64 `json:"backgroundOpacity"`
	Position          string  `json:"position"`
	Margin            int     `json:"margin"`
	StrokeColor       string  `json:"strokeColor,omitempty"`
	StrokeWidth       int     `json:"strokeWidth,omitempty"`
}

type CropSettings struct {
	AspectRatio string `json:"aspectRatio"`
	Position    string `json:"position"`
	SmartCrop   bool   `json:"smartCrop"`
}

type RenderSettings struct {
	Resolution   string `json:"resolution"`
	FPS          int    `json:"fps"`
	Bitrate      string `json:"bitrate"`
	Codec        string `json:"codec"`
	Preset       string `json:"preset"`
	CRF          int    `json:"crf"`
	AudioCodec   string `json:"audioCodec"`
	AudioBitrate string `json:"audioBitrate"`
}

func DefaultCaptionStyle() CaptionStyle {
	return CaptionStyle{
		FontFamily:        "Arial",
		FontSize:          36,
		FontColor:         "#FFFFFF",
		BackgroundColor:   "#000000",
		BackgroundOpacity: 0.7,
		Position:          "bottom",
		Margin:            50,
		StrokeColor:       "#000000",
		StrokeWidth:       2,
	}
}

func DefaultCropSettings() CropSettings {
	return CropSettings{AspectRatio: "16:9", Position: "center"}
}

func DefaultRenderSettings() RenderSettings {
	return RenderSettings{
		Resolution:   "1920x1080",
		FPS:          30,
		Bitrate:      "5M",
		Codec:        "libx264",
		Preset:       "medium",
		CRF:          23,
		AudioCodec:   "aac",
		AudioBitrate: "128k",
	}
}

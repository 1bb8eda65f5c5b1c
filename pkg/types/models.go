package types

import "time"

// StreamStatus is the lifecycle state of a recorded stream.
type StreamStatus string

const (
	StreamStatusPending     StreamStatus = "pending"
	StreamStatusDownloading StreamStatus = "downloading"
	StreamStatusDownloaded  StreamStatus = "downloaded"
	StreamStatusProcessing  StreamStatus = "processing"
	StreamStatusProcessed   StreamStatus = "processed"
	StreamStatusCompleted   StreamStatus = "completed"
	StreamStatusFailed      StreamStatus = "failed"
	StreamStatusPublished   StreamStatus = "published"
)

// IsTerminal reports whether no further pipeline work may run for the stream.
func (s StreamStatus) IsTerminal() bool {
	switch s {
	case StreamStatusCompleted, StreamStatusFailed, StreamStatusPublished:
		return true
	}
	return false
}

// Stage is one phase of the processing pipeline.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageVision        Stage = "vision"
	StageScoring       Stage = "scoring"
	StageRendering     Stage = "rendering"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageTranscription, StageVision, StageScoring, StageRendering}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// PerChunk reports whether the stage fans out one job per chunk.
func (s Stage) PerChunk() bool {
	return s == StageTranscription || s == StageVision
}

type Stream struct {
	ID           string       `json:"id"`
	Title        string       `json:"title,omitempty"`
	StreamerID   string       `json:"streamerId,omitempty"`
	SourcePath   string       `json:"sourcePath,omitempty"`
	Language     string       `json:"language,omitempty"`
	Duration     float64      `json:"duration"`
	ChunkIDs     []string     `json:"chunkIds"`
	Status       StreamStatus `json:"status"`
	Stage        Stage        `json:"stage,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`

	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	ProcessingStartedAt   *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processingCompletedAt,omitempty"`
}

// ChunkStatus tracks a chunk through the per-chunk stages. It only moves forward.
type ChunkStatus string

const (
	ChunkStatusPending     ChunkStatus = "pending"
	ChunkStatusProcessing  ChunkStatus = "processing"
	ChunkStatusTranscribed ChunkStatus = "transcribed"
	ChunkStatusAnalyzed    ChunkStatus = "analyzed"
	ChunkStatusScored      ChunkStatus = "scored"
	ChunkStatusCompleted   ChunkStatus = "completed"
	ChunkStatusFailed      ChunkStatus = "failed"
)

var chunkRank = map[ChunkStatus]int{
	ChunkStatusPending:     0,
	ChunkStatusProcessing:  1,
	ChunkStatusTranscribed: 2,
	ChunkStatusAnalyzed:    3,
	ChunkStatusScored:      4,
	ChunkStatusCompleted:   5,
}

// Rank orders the non-failed statuses. Failed and unknown statuses rank -1.
func (s ChunkStatus) Rank() int {
	if r, ok := chunkRank[s]; ok {
		return r
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s ChunkStatus) CanAdvanceTo(next ChunkStatus) bool {
	if s == ChunkStatusFailed {
		return false
	}
	if next == ChunkStatusFailed {
		return s != ChunkStatusCompleted
	}
	return next.Rank() > s.Rank()
}

type Chunk struct {
	ID        string  `json:"id"`
	StreamID  string  `json:"streamId"`
	Index     int     `json:"index"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Duration  float64 `json:"duration"`
	FilePath  string  `json:"filePath,omitempty"`
	AudioPath string  `json:"audioPath,omitempty"`

	Status         ChunkStatus        `json:"status"`
	Transcript     *Transcript        `json:"transcript,omitempty"`
	Vision         *VisionAnalysis    `json:"vision,omitempty"`
	HighlightScore *float64           `json:"highlightScore,omitempty"`
	ScoreBreakdown map[string]float64 `json:"scoreBreakdown,omitempty"`

	RetryCount   int    `json:"retryCount"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	FailedStage  Stage  `json:"failedStage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ClipStatus string

const (
	ClipStatusPending   ClipStatus = "pending"
	ClipStatusRendering ClipStatus = "rendering"
	ClipStatusRendered  ClipStatus = "rendered"
	ClipStatusPublished ClipStatus = "published"
	ClipStatusFailed    ClipStatus = "failed"
)

// IsTerminal reports whether rendering has finished for the clip, either way.
func (s ClipStatus) IsTerminal() bool {
	return s == ClipStatusRendered || s == ClipStatusPublished || s == ClipStatusFailed
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Clip struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
	ChunkID  string `json:"chunkId"`

	// SourceStart is absolute within the stream, RenderStart is relative to the chunk file.
	SourceStart float64 `json:"sourceStart"`
	Duration    float64 `json:"duration"`
	RenderStart float64 `json:"renderStart"`
	SourcePath  string  `json:"sourcePath,omitempty"`

	Status         ClipStatus         `json:"status"`
	Score          float64            `json:"score"`
	ScoreBreakdown map[string]float64 `json:"scoreBreakdown,omitempty"`
	SegmentType    string             `json:"segmentType,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Captions       []Caption          `json:"captions"`
	CaptionStyle   CaptionStyle       `json:"captionStyle"`
	Crop           CropSettings       `json:"crop"`
	RenderSettings RenderSettings     `json:"renderSettings"`
	ApprovalStatus ApprovalStatus     `json:"approvalStatus"`

	OutputPath    string `json:"outputPath,omitempty"`
	ThumbnailPath string `json:"thumbnailPath,omitempty"`
	FileSize      int64  `json:"fileSize,omitempty"`

	RetryCount   int    `json:"retryCount"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// End returns the absolute end of the clip's source window.
func (c *Clip) End() float64 {
	return c.SourceStart + c.Duration
}

package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/clipforge/server/pkg/types"
)

// Progress is the status document for one stream.
type Progress struct {
	StreamID        string                    `json:"streamId"`
	Status          types.StreamStatus        `json:"status"`
	Stage           types.Stage               `json:"stage,omitempty"`
	PercentComplete float64                   `json:"percentComplete"`
	ErrorMessage    string                    `json:"errorMessage,omitempty"`
	TotalChunks     int                       `json:"totalChunks"`
	Chunks          map[types.ChunkStatus]int `json:"chunks"`
	TotalClips      int                       `json:"totalClips"`
	Clips           map[types.ClipStatus]int  `json:"clips"`
}

// stageTarget is the chunk status that marks a chunk done with the stage.
var stageTarget = map[types.Stage]types.ChunkStatus{
	types.StageTranscription: types.ChunkStatusTranscribed,
	types.StageVision:        types.ChunkStatusAnalyzed,
	types.StageScoring:       types.ChunkStatusScored,
}

// Progress reports how far a stream has come. Each of the four stages is a
// quarter of the total; inside a stage the share is the fraction of chunks
// (or clips, for rendering) that have resolved.
func (c *Coordinator) Progress(ctx context.Context, streamID string) (*Progress, error) {
	stream, err := c.db.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamID, err)
	}
	chunks, err := c.db.ListChunksByStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for %s: %w", streamID, err)
	}
	clips, err := c.db.ListClipsByStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("list clips for %s: %w", streamID, err)
	}

	p := &Progress{
		StreamID:     stream.ID,
		Status:       stream.Status,
		Stage:        stream.Stage,
		ErrorMessage: stream.ErrorMessage,
		TotalChunks:  len(chunks),
		Chunks:       make(map[types.ChunkStatus]int),
		TotalClips:   len(clips),
		Clips:        make(map[types.ClipStatus]int),
	}
	for _, ch := range chunks {
		p.Chunks[ch.Status]++
	}
	terminalClips := 0
	for _, cl := range clips {
		p.Clips[cl.Status]++
		if cl.Status.IsTerminal() {
			terminalClips++
		}
	}

	const share = 25.0
	switch stream.Status {
	case types.StreamStatusCompleted, types.StreamStatusPublished:
		p.PercentComplete = 100
	case types.StreamStatusProcessed:
		p.PercentComplete = 3 * share
		if len(clips) == 0 {
			p.PercentComplete = 100
		} else {
			p.PercentComplete += share * float64(terminalClips) / float64(len(clips))
		}
	case types.StreamStatusProcessing, types.StreamStatusFailed:
		idx := stageIndex(stream.Stage)
		if idx < 0 {
			break
		}
		p.PercentComplete = float64(idx) * share
		if target, ok := stageTarget[stream.Stage]; ok && len(chunks) > 0 {
			done := 0
			for _, ch := range chunks {
				if ch.Status == types.ChunkStatusFailed || ch.Status.Rank() >= target.Rank() {
					done++
				}
			}
			p.PercentComplete += share * float64(done) / float64(len(chunks))
		}
	}
	p.PercentComplete = math.Round(p.PercentComplete*10) / 10
	return p, nil
}

func stageIndex(stage types.Stage) int {
	for i, s := range types.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

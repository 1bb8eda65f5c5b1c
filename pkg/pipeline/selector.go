package pipeline

import (
	"sort"

	"github.com/clipforge/server/pkg/types"
)

// Candidate is a segment selected for a clip.
type Candidate struct {
	Chunk     *types.Chunk
	Score     float64
	Breakdown map[string]float64
	// Start is absolute within the stream.
	Start    float64
	Duration float64
	Type     string
	Reason   string
}

// End returns the absolute end of the candidate window.
func (c Candidate) End() float64 {
	return c.Start + c.Duration
}

// Selector picks the highest scoring chunks and expands them into clip candidates.
type Selector struct {
	MaxClips int
}

// Rank keeps scores at or above threshold, sorted by descending score and
// capped at MaxClips. Equal scores keep their input order.
func (s Selector) Rank(scores []types.ChunkScore, threshold float64) []types.ChunkScore {
	ranked := make([]types.ChunkScore, 0, len(scores))
	for _, cs := range scores {
		if cs.Score >= threshold {
			ranked = append(ranked, cs)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if s.MaxClips > 0 && len(ranked) > s.MaxClips {
		ranked = ranked[:s.MaxClips]
	}
	return ranked
}

// Select ranks scores and expands each surviving chunk: one candidate per
// suggested segment, or the whole chunk when scoring suggested none. Scores
// for chunks missing from chunks are dropped.
func (s Selector) Select(scores []types.ChunkScore, chunks map[string]*types.Chunk, threshold float64) []Candidate {
	var out []Candidate
	for _, cs := range s.Rank(scores, threshold) {
		chunk, ok := chunks[cs.ChunkID]
		if !ok {
			continue
		}
		if len(cs.SuggestedSegments) == 0 {
			duration := chunk.Duration
			if duration <= 0 {
				duration = chunk.EndTime - chunk.StartTime
			}
			out = append(out, Candidate{
				Chunk:     chunk,
				Score:     cs.Score,
				Breakdown: cs.Breakdown,
				Start:     chunk.StartTime,
				Duration:  duration,
				Type:      "chunk",
			})
			continue
		}
		for _, seg := range cs.SuggestedSegments {
			out = append(out, Candidate{
				Chunk:     chunk,
				Score:     cs.Score,
				Breakdown: cs.Breakdown,
				Start:     seg.StartTime,
				Duration:  seg.Duration,
				Type:      seg.Type,
				Reason:    seg.Reason,
			})
		}
	}
	return out
}

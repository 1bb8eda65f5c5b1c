// Package pipeline drives a stream through transcription, vision, scoring and
// rendering. Per-chunk work runs on the job queue; the stage barrier decides
// when the stream may advance, exactly once per stage.
package pipeline

import (
	"context"

	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

const (
	DefaultHighlightThreshold     = 0.7
	DefaultMaxClipsPerStream      = 10
	DefaultStreamFailureThreshold = 0.5
)

// Config holds the orchestration knobs.
type Config struct {
	// HighlightThreshold is the minimum chunk score (inclusive) that yields clips.
	HighlightThreshold float64
	MaxClipsPerStream  int
	// StreamFailureThreshold aborts the stream when the failed fraction of a
	// stage is strictly greater than this value.
	StreamFailureThreshold float64
	// CompleteWhenClipsResolved moves a processed stream to completed once
	// every dispatched clip has finished rendering.
	CompleteWhenClipsResolved bool

	// ThresholdOverride returns a per-streamer threshold. ok=false falls back
	// to HighlightThreshold.
	ThresholdOverride func(ctx context.Context, stream *types.Stream) (threshold float64, ok bool)

	// ArtifactBucket receives raw stage results when set.
	ArtifactBucket string

	Policies map[types.Stage]queue.Policy
}

func DefaultConfig() Config {
	return Config{
		HighlightThreshold:     DefaultHighlightThreshold,
		MaxClipsPerStream:      DefaultMaxClipsPerStream,
		StreamFailureThreshold: DefaultStreamFailureThreshold,
		Policies:               queue.DefaultPolicies(),
	}
}

// ThresholdFor resolves the highlight threshold for stream.
func (c Config) ThresholdFor(ctx context.Context, stream *types.Stream) float64 {
	if c.ThresholdOverride != nil && stream != nil {
		if t, ok := c.ThresholdOverride(ctx, stream); ok {
			return t
		}
	}
	return c.HighlightThreshold
}

func (c Config) policy(stage types.Stage) queue.Policy {
	if p, ok := c.Policies[stage]; ok {
		return p
	}
	return queue.DefaultPolicies()[stage]
}

package types

import (
	"fmt"
	"time"
)

// StageJob is one unit of queued work: a chunk for per-chunk stages, the
// stream for scoring, a clip for rendering.
type StageJob struct {
	JobID       string    `json:"jobId"`
	Stage       Stage     `json:"stage"`
	StreamID    string    `json:"streamId"`
	ChunkID     string    `json:"chunkId,omitempty"`
	ClipID      string    `json:"clipId,omitempty"`
	InputPath   string    `json:"inputPath,omitempty"`
	Token       string    `json:"token,omitempty"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// MemberID identifies the job within its stage barrier.
func (j *StageJob) MemberID() string {
	switch j.Stage {
	case StageRendering:
		return j.ClipID
	case StageScoring:
		return j.StreamID
	default:
		return j.ChunkID
	}
}

// LastAttempt reports whether a failure of this attempt is final.
func (j *StageJob) LastAttempt() bool {
	return j.MaxAttempts <= 0 || j.Attempt >= j.MaxAttempts
}

// StageCounter is the persisted barrier state for one (stream, stage).
type StageCounter struct {
	StreamID  string    `json:"streamId"`
	Stage     Stage     `json:"stage"`
	Total     int       `json:"total"`
	Resolved  []string  `json:"resolved"`
	Failed    []string  `json:"failed"`
	Fired     bool      `json:"fired"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StageCounterID is the storage key of a stage counter.
func StageCounterID(streamID string, stage Stage) string {
	return fmt.Sprintf("%s_%s", streamID, stage)
}

// StageTally is the outcome of resolving one member against a counter.
type StageTally struct {
	Total     int
	Resolved  int
	Failed    int
	Duplicate bool
	Fired     bool
}

// Complete reports whether every member has resolved.
func (t StageTally) Complete() bool {
	return t.Total > 0 && t.Resolved >= t.Total
}

// Resolve records memberID and reports whether this call crossed the barrier.
// A member already recorded is a duplicate and never fires.
func (c *StageCounter) Resolve(memberID string, failed bool) StageTally {
	for _, id := range c.Resolved {
		if id == memberID {
			return c.tally(true, false)
		}
	}
	c.Resolved = append(c.Resolved, memberID)
	if failed {
		c.Failed = append(c.Failed, memberID)
	}
	fired := false
	if !c.Fired && len(c.Resolved) >= c.Total {
		c.Fired = true
		fired = true
	}
	return c.tally(false, fired)
}

func (c *StageCounter) tally(dup, fired bool) StageTally {
	return StageTally{
		Total:     c.Total,
		Resolved:  len(c.Resolved),
		Failed:    len(c.Failed),
		Duplicate: dup,
		Fired:     fired,
	}
}

// PubSubMessage is the push envelope Pub/Sub wraps around published data.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes,omitempty"`
		MessageID  string            `json:"messageId,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription,omitempty"`
}

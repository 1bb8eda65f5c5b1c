// Package queue is the job substrate stage work runs on: an in-process
// priority queue with per-stage worker pools, and a Pub/Sub publisher for
// multi-instance deployments.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/clipforge/server/pkg/types"
)

// ErrRetry asks the queue to redeliver the job after its backoff.
var ErrRetry = errors.New("queue: retry requested")

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
	Max   time.Duration
}

// Duration is the wait before redelivering a job that has failed attempt times.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Delay
	if b.Kind == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				return b.Max
			}
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Options control how a single job is scheduled. Lower Priority runs first.
type Options struct {
	Priority int
	Delay    time.Duration
	Attempts int
	Backoff  Backoff
}

// Queue accepts stage jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, stage types.Stage, job types.StageJob, opts Options) (string, error)
}

// Handler executes one delivery of a job. Returning ErrRetry or any other
// error redelivers the job while attempts remain.
type Handler func(ctx context.Context, job types.StageJob) error

// Policy is the per-stage scheduling configuration.
type Policy struct {
	Priority       int
	Concurrency    int
	DelayIncrement time.Duration
	Attempts       int
	Backoff        Backoff
}

// Options returns the scheduling options for the index-th job of a fan-out.
func (p Policy) Options(index int) Options {
	return Options{
		Priority: p.Priority,
		Delay:    time.Duration(index) * p.DelayIncrement,
		Attempts: p.Attempts,
		Backoff:  p.Backoff,
	}
}

// DefaultPolicies mirror the relative cost of each stage: transcription is the
// most urgent and widest, rendering the least urgent.
func DefaultPolicies() map[types.Stage]Policy {
	exponential := Backoff{Kind: BackoffExponential, Delay: 5 * time.Second, Max: 2 * time.Minute}
	return map[types.Stage]Policy{
		types.StageTranscription: {Priority: 1, Concurrency: 5, DelayIncrement: time.Second, Attempts: 3, Backoff: exponential},
		types.StageVision:        {Priority: 2, Concurrency: 3, DelayIncrement: 2 * time.Second, Attempts: 3, Backoff: exponential},
		types.StageScoring:       {Priority: 3, Concurrency: 1, Attempts: 3, Backoff: Backoff{Kind: BackoffFixed, Delay: 10 * time.Second}},
		types.StageRendering:     {Priority: 4, Concurrency: 2, Attempts: 3, Backoff: exponential},
	}
}

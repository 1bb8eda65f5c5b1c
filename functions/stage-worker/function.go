// Package stageworker consumes stage jobs delivered by Pub/Sub push
// subscriptions (topic-stage-<stage>) and runs them through the pipeline worker.
package stageworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	"golang.org/x/sync/semaphore"

	"github.com/clipforge/server/pkg/bootstrap"
	"github.com/clipforge/server/pkg/framework"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

var (
	svc     *bootstrap.Service
	run     *runner
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("ProcessStageJob", ProcessStageJob)
}

func initService(ctx context.Context) (*runner, error) {
	svcOnce.Do(func() {
		svc, svcErr = bootstrap.NewService(ctx, "stage-worker")
		if svcErr != nil {
			return
		}
		run = newRunner(svc)
	})
	return run, svcErr
}

// ProcessStageJob is the entry point
func ProcessStageJob(ctx context.Context, e event.Event) error {
	r, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("stage-worker", svc, r.handle)(ctx, e)
}

// redeliverer re-publishes a failed job with backoff; false means the job
// has used all of its attempts.
type redeliverer interface {
	Redeliver(ctx context.Context, d queue.Delivery) (bool, error)
}

type runner struct {
	work    queue.Handler
	requeue redeliverer
	limits  map[types.Stage]*semaphore.Weighted
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRunner(s *bootstrap.Service) *runner {
	r := &runner{
		work:   s.Engine.Worker.Handle,
		limits: make(map[types.Stage]*semaphore.Weighted),
		now:    time.Now,
		sleep:  sleepContext,
	}
	if rd, ok := s.Queue.(redeliverer); ok {
		r.requeue = rd
	}
	for _, stage := range types.Stages {
		r.limits[stage] = semaphore.NewWeighted(int64(s.Config.StageConcurrency(stage)))
	}
	return r
}

func (r *runner) handle(ctx context.Context, e event.Event, fwCtx *framework.FrameworkContext) (interface{}, error) {
	d, err := queue.DecodeDelivery(e)
	if err != nil {
		// Redelivering a message that cannot be decoded never succeeds.
		fwCtx.Logger.Error("Dropping undecodable stage job", "error", err)
		return map[string]interface{}{"status": "dropped"}, nil
	}
	job := d.Job
	logger := fwCtx.Logger.With("attempt", job.Attempt)

	if wait := d.NotBefore.Sub(r.now()); wait > 0 {
		logger.Debug("Waiting for scheduled start", "wait", wait)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if sem, ok := r.limits[job.Stage]; ok {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire %s slot: %w", job.Stage, err)
		}
		defer sem.Release(1)
	}

	err = r.work(ctx, job)
	if err == nil {
		return map[string]interface{}{"status": "done"}, nil
	}
	if r.requeue == nil {
		// Without a publishing queue, Pub/Sub's own redelivery retries the job.
		return nil, err
	}

	requeued, rerr := r.requeue.Redeliver(ctx, d)
	if rerr != nil {
		return nil, fmt.Errorf("redeliver %s job %s: %w", job.Stage, job.JobID, rerr)
	}
	if !requeued {
		logger.Warn("Stage job exhausted its attempts", "error", err)
		return map[string]interface{}{"status": "exhausted"}, nil
	}
	logger.Info("Stage job requeued", "reason", err, "backoff", d.Options.Backoff.Duration(job.Attempt))
	return map[string]interface{}{"status": "requeued"}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

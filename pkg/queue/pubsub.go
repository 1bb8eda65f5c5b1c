package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	shared "github.com/clipforge/server/pkg"
	infrapubsub "github.com/clipforge/server/pkg/infrastructure/pubsub"
	"github.com/clipforge/server/pkg/types"
)

// CloudEvent extension names carrying scheduling options.
const (
	extPriority     = "priority"
	extNotBefore    = "notbefore"
	extBackoffKind  = "backoffkind"
	extBackoffDelay = "backoffdelayms"
	extBackoffMax   = "backoffmaxms"
)

// PubSubQueue publishes stage jobs as CloudEvents to topic-stage-<stage>.
// Delivery, acknowledgement and redelivery belong to Pub/Sub; the consuming
// function honours the notbefore extension.
type PubSubQueue struct {
	Publisher shared.Publisher
	now       func() time.Time
}

func NewPubSubQueue(pub shared.Publisher) *PubSubQueue {
	return &PubSubQueue{Publisher: pub, now: time.Now}
}

func (q *PubSubQueue) Enqueue(ctx context.Context, stage types.Stage, job types.StageJob, opts Options) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.Stage = stage
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	job.MaxAttempts = opts.Attempts
	job.EnqueuedAt = q.now()

	e, err := infrapubsub.NewCloudEvent(shared.EventSourceOrchestrator, shared.EventTypeStageJob, string(stage), job)
	if err != nil {
		return "", fmt.Errorf("build %s job event: %w", stage, err)
	}
	e.SetExtension(extPriority, strconv.Itoa(opts.Priority))
	e.SetExtension(extNotBefore, job.EnqueuedAt.Add(opts.Delay).UTC().Format(time.RFC3339Nano))
	e.SetExtension(extBackoffKind, string(opts.Backoff.Kind))
	e.SetExtension(extBackoffDelay, strconv.FormatInt(opts.Backoff.Delay.Milliseconds(), 10))
	e.SetExtension(extBackoffMax, strconv.FormatInt(opts.Backoff.Max.Milliseconds(), 10))

	if _, err := q.Publisher.PublishCloudEvent(ctx, shared.StageTopic(string(stage)), e); err != nil {
		return "", fmt.Errorf("publish %s job: %w", stage, err)
	}
	return job.JobID, nil
}

// Redeliver re-publishes a failed job with its next attempt number and the
// backoff delay. It returns false once attempts are exhausted.
func (q *PubSubQueue) Redeliver(ctx context.Context, d Delivery) (bool, error) {
	if d.Job.Attempt >= d.Options.Attempts {
		return false, nil
	}
	opts := d.Options
	opts.Delay = opts.Backoff.Duration(d.Job.Attempt)
	job := d.Job
	job.Attempt++
	if _, err := q.Enqueue(ctx, job.Stage, job, opts); err != nil {
		return false, err
	}
	return true, nil
}

// Delivery is a decoded stage job event.
type Delivery struct {
	Job       types.StageJob
	Options   Options
	NotBefore time.Time
}

// DecodeDelivery unwraps a stage job from a Pub/Sub push event. The message
// data is the structured CloudEvent published by Enqueue; a bare CloudEvent
// carrying the job directly is accepted too.
func DecodeDelivery(e event.Event) (Delivery, error) {
	inner := e
	var msg types.PubSubMessage
	if err := e.DataAs(&msg); err == nil && len(msg.Message.Data) > 0 {
		if err := json.Unmarshal(msg.Message.Data, &inner); err != nil {
			return Delivery{}, fmt.Errorf("decode wrapped cloud event: %w", err)
		}
	}

	var d Delivery
	if err := inner.DataAs(&d.Job); err != nil {
		return Delivery{}, fmt.Errorf("decode stage job: %w", err)
	}
	if !d.Job.Stage.Valid() {
		return Delivery{}, fmt.Errorf("decode stage job: unknown stage %q", d.Job.Stage)
	}

	ext := inner.Extensions()
	d.Options = Options{
		Priority: atoi(ext[extPriority]),
		Attempts: d.Job.MaxAttempts,
		Backoff: Backoff{
			Kind:  BackoffKind(str(ext[extBackoffKind])),
			Delay: time.Duration(atoi(ext[extBackoffDelay])) * time.Millisecond,
			Max:   time.Duration(atoi(ext[extBackoffMax])) * time.Millisecond,
		},
	}
	if nb := str(ext[extNotBefore]); nb != "" {
		if t, err := time.Parse(time.RFC3339Nano, nb); err == nil {
			d.NotBefore = t
		}
	}
	return d, nil
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func atoi(v interface{}) int {
	n, _ := strconv.Atoi(str(v))
	return n
}

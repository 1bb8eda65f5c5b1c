package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/cloudevents/sdk-go/v2/event"
)

// PubSubAdapter provides message publishing using Google Cloud Pub/Sub
type PubSubAdapter struct {
	Client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (a *PubSubAdapter) topic(id string) *pubsub.Topic {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topics == nil {
		a.topics = make(map[string]*pubsub.Topic)
	}
	t, ok := a.topics[id]
	if !ok {
		t = a.Client.Topic(id)
		a.topics[id] = t
	}
	return t
}

// PublishCloudEvent publishes the structured JSON form of e. CloudEvent
// attributes are mirrored as message attributes for subscription filters.
func (a *PubSubAdapter) PublishCloudEvent(ctx context.Context, topicID string, e event.Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal cloud event: %w", err)
	}
	res := a.topic(topicID).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes(e),
	})
	return res.Get(ctx)
}

// Stop flushes pending messages on every topic used so far.
func (a *PubSubAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.topics {
		t.Stop()
	}
}

func attributes(e event.Event) map[string]string {
	attrs := map[string]string{
		"ce-id":     e.ID(),
		"ce-type":   e.Type(),
		"ce-source": e.Source(),
	}
	for k, v := range e.Extensions() {
		attrs["ce-"+k] = fmt.Sprint(v)
	}
	return attrs
}

// LogPublisher is a mock publisher for local development
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) PublishCloudEvent(ctx context.Context, topicID string, e event.Event) (string, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("MOCK PUBLISH", "component", "pubsub", "topic", topicID, "type", e.Type(), "id", e.ID(), "data", string(e.Data()))
	return "mock-msg-id", nil
}

package mocks

import (
	"encoding/json"
	"fmt"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/clipforge/server/pkg/types"
)

// PushEvent wraps a published CloudEvent the way a Pub/Sub push
// subscription delivers it to a function.
func PushEvent(published event.Event) (event.Event, error) {
	data, err := json.Marshal(published)
	if err != nil {
		return event.Event{}, fmt.Errorf("marshal published event: %w", err)
	}
	var msg types.PubSubMessage
	msg.Message.Data = data
	msg.Message.MessageID = published.ID()

	push := event.New()
	push.SetID("push-" + published.ID())
	push.SetSource("//pubsub.googleapis.com/")
	push.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	if err := push.SetData("application/json", msg); err != nil {
		return event.Event{}, err
	}
	return push, nil
}

// Last returns the most recently published event.
func (m *MockPublisher) Last() (PublishedEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Published) == 0 {
		return PublishedEvent{}, false
	}
	return m.Published[len(m.Published)-1], true
}

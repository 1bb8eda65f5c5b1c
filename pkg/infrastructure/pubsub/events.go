package pubsub

import (
	"fmt"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
)

// NewCloudEvent builds a v1.0 event with a fresh id and JSON data. subject
// narrows the event within its type, e.g. the stage of a stage job.
func NewCloudEvent(source, eventType, subject string, data interface{}) (event.Event, error) {
	e := event.New(event.CloudEventsVersionV1)
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetType(eventType)
	e.SetTime(time.Now().UTC())
	if subject != "" {
		e.SetSubject(subject)
	}
	if err := e.SetData(event.ApplicationJSON, data); err != nil {
		return event.Event{}, fmt.Errorf("encode %s data: %w", eventType, err)
	}
	return e, nil
}

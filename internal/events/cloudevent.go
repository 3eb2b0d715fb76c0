package events

import (
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEventTypePrefix is prepended to the event type of every CloudEvent
const CloudEventTypePrefix = "io.stacklok.handshake."

// DefaultSource is the CloudEvents source used when none is given
const DefaultSource = "handshake-coordinator"

// ToCloudEvent converts e to a CloudEvent emitted by source
func ToCloudEvent(e Event, source string) (cloudevents.Event, error) {
	if source == "" {
		source = DefaultSource
	}

	ce := cloudevents.NewEvent()
	ce.SetID(newEventID())
	ce.SetSource(source)
	ce.SetType(CloudEventTypePrefix + string(e.Type))
	ce.SetTime(e.Timestamp)
	ce.SetSpecVersion(cloudevents.VersionV1)
	if e.ResourceID != "" {
		ce.SetSubject(e.ResourceID)
	}

	data := map[string]any{
		"type": string(e.Type),
	}
	if e.ResourceID != "" {
		data["resourceId"] = e.ResourceID
	}
	if e.Detail != "" {
		data["detail"] = e.Detail
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return ce, fmt.Errorf("failed to encode event data: %w", err)
	}

	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("invalid cloud event: %w", err)
	}
	return ce, nil
}

// newEventID returns a time-ordered identifier, falling back to a random one
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

package pluginhost

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type.
type CloudEvent = cloudevents.Event

// Extension attribute names set on every module-scoped event.
const (
	ExtensionModuleID      = "moduleid"
	ExtensionModuleVersion = "moduleversion"
)

// EventSource is the CloudEvents source attribute of host events.
const EventSource = "pluginhost"

// ModuleEventData is the payload of every host event.
type ModuleEventData struct {
	ModuleID string         `json:"moduleId"`
	Version  string         `json:"version,omitempty"`
	Message  string         `json:"message,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// NewCloudEvent creates an event with a time-ordered id.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// newModuleEvent builds a host event scoped to one module.
func newModuleEvent(eventType string, data ModuleEventData) cloudevents.Event {
	meta := map[string]any{ExtensionModuleID: data.ModuleID}
	if data.Version != "" {
		meta[ExtensionModuleVersion] = data.Version
	}
	return NewCloudEvent(eventType, EventSource, data, meta)
}

// newID returns a UUIDv7, used for event and deployment record ids.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent checks event against the CloudEvents 1.0 attribute rules.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

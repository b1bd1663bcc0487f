package presence

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType enumerates change-feed event kinds.
type EventType string

const (
	// EventInsert signals a newly created presence row.
	EventInsert EventType = "INSERT"
	// EventUpdate signals a modified presence row.
	EventUpdate EventType = "UPDATE"
	// EventDelete signals a removed presence row.
	EventDelete EventType = "DELETE"
)

var (
	// ErrInvalidEventType indicates an unrecognized change event tag.
	ErrInvalidEventType = errors.New("presence: invalid event type")
	// ErrInvalidEventPayload indicates a change event payload missing required fields.
	ErrInvalidEventPayload = errors.New("presence: invalid event payload")
)

// ChangeEvent is one reconciled change-feed entry for a presence row.
type ChangeEvent struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
}

// ParseEventType validates a raw change event tag.
func ParseEventType(rawInput string) (EventType, error) {
	switch EventType(rawInput) {
	case EventInsert:
		return EventInsert, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, rawInput)
	}
}

// ParseChangeEvent decodes and validates a wire payload into a ChangeEvent.
// Validation happens once at this boundary; downstream consumers can rely on
// the event type tag and record key being well formed.
func ParseChangeEvent(payload []byte) (ChangeEvent, error) {
	var wire struct {
		Type   string `json:"type"`
		Record Record `json:"record"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}

	eventType, err := ParseEventType(wire.Type)
	if err != nil {
		return ChangeEvent{}, err
	}
	if err := wire.Record.Validate(); err != nil {
		return ChangeEvent{}, err
	}

	return ChangeEvent{Type: eventType, Record: wire.Record}, nil
}

// Validate checks the record key fields.
func (r Record) Validate() error {
	return validateRecordKey(r.UserID, r.Resource())
}

// Encode renders the event as its JSON wire payload.
func (e ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

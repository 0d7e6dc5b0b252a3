package events

import "time"

// Domain event types emitted by the finalization workflow.
const (
	TypeSessionInitialized   = "SESSION_INITIALIZED"
	TypeFinalizeCompleted    = "FINALIZE_COMPLETED"
	TypeNoteDispatched       = "NOTE_DISPATCHED"
	TypeAttestationSubmitted = "ATTESTATION_SUBMITTED"
	TypeComposeFinished      = "COMPOSE_FINISHED"
)

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "NOTE_DISPATCHED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// BaseEvent is the plain implementation the workflow emits.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

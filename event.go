package xrsocket

import (
	"time"
)

// EventType enumerates dispatcher lifecycle events for the Observer pattern.
type EventType string

const (
	DispatchStart      EventType = "dispatch_start"
	DispatchDone       EventType = "dispatch_done"
	Rejected           EventType = "rejected"
	Cancelled          EventType = "cancelled"
	MetadataSkipped    EventType = "metadata_skipped"
	ConnectionAccepted EventType = "connection_accepted"
	ConnectionRejected EventType = "connection_rejected"
	Error              EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	StreamID    string
	Route       string
	Interaction InteractionType
	MimeType    string
	Duration    time.Duration
	Err         error

	// Internal: attached for async dispatch
	observers []Observer
}

// Package wsfeed implements a push alternative to the lifecycle-event
// polling endpoints: a single-topic WebSocket broadcast of every event
// appended to a CentralServer or FleetDashboard ring, as it happens.
package wsfeed

// MessageType identifies the kind of frame sent to a subscriber.
type MessageType string

const (
	// MsgLifecycleEvent carries one appended lifecycle event, CentralServer's
	// or the registry's, verbatim as its JSON-marshaled payload.
	MsgLifecycleEvent MessageType = "lifecycle_event"

	// MsgPing keeps idle connections alive and lets clients detect staleness.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every frame written to a subscriber.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

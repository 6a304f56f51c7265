package engine

import (
	"time"

	"taplog/pkg/protocol"
)

// EventKind names a notification emitted by a device pipeline.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventLoggedIn     EventKind = "logged-in"
	EventLoggedOut    EventKind = "logged-out"
	EventBundle       EventKind = "bundle"
)

// Event is what the hub fans out. Profile is set for EventLoggedIn, Bundle
// for EventBundle.
type Event struct {
	Kind      EventKind
	Device    string
	Profile   string
	Bundle    protocol.Bundle
	Timestamp time.Time
}

// Publisher is the notification sink the device core reports to.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

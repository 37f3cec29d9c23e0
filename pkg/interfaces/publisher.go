package interfaces

import "mindbridge/pkg/types"

// Publisher receives core events. Implementations must not block the caller.
type Publisher interface {
	Publish(event types.Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(types.Event) {}

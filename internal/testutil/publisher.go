package testutil

import (
	"sync"

	"mindbridge/pkg/types"
)

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *Publisher) Publish(e types.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *Publisher) Events() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType filters Events by type.
func (p *Publisher) OfType(t types.EventType) []types.Event {
	var out []types.Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

package status

import (
	"sync"
	"time"
)

// Pacer is the client-side heartbeat throttle: a "time since last send" guard
// owned by a single client instance.
type Pacer struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewPacer creates a pacer allowing one send per interval. A nil now uses time.Now.
func NewPacer(interval time.Duration, now func() time.Time) *Pacer {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Pacer{interval: interval, now: now}
}

// Allow reports whether a heartbeat may be sent now and, if so, records it.
func (p *Pacer) Allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		return false
	}
	p.last = now
	return true
}

// Wait returns how long until the next send is allowed.
func (p *Pacer) Wait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last.IsZero() {
		return 0
	}
	if d := p.interval - p.now().Sub(p.last); d > 0 {
		return d
	}
	return 0
}

// Reset forgets the last send, e.g. after a reconnect.
func (p *Pacer) Reset() {
	p.mu.Lock()
	p.last = time.Time{}
	p.mu.Unlock()
}

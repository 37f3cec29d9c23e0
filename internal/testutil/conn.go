package testutil

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrConnClosed = errors.New("test connection closed")

// Conn is an in-memory interfaces.Connection that records every frame as JSON.
type Conn struct {
	id string

	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func NewConn() *Conn {
	return &Conn{id: uuid.NewString()}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Frames returns a copy of everything written so far.
func (c *Conn) Frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.frames))
	copy(out, c.frames)
	return out
}

// FramesOfType filters Frames by their "type" field.
func (c *Conn) FramesOfType(t string) []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		if f["type"] == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

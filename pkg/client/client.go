// Package client is a websocket client for the /ws endpoint. It is used by
// integration tests and by load tooling that needs to play participants and
// therapists against a running server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mindbridge/internal/status"
	"mindbridge/pkg/types"
)

var (
	ErrAlreadyConnected = errors.New("client already connected")
	ErrNotConnected     = errors.New("client not connected")
	ErrHeartbeatPaced   = errors.New("heartbeat sent too recently")
	ErrTimeout          = errors.New("timeout waiting for frame")
	ErrDisconnected     = errors.New("client disconnected")
)

const (
	writeWait   = 10 * time.Second
	readTimeout = 2 * time.Minute
	bufferSize  = 100
)

// Frame is the union of every server-to-client frame. Only the fields
// relevant to Type (and Event) are set.
type Frame struct {
	Type      string                `json:"type"`
	Ref       string                `json:"ref,omitempty"`
	Event     string                `json:"event,omitempty"`
	Code      string                `json:"code,omitempty"`
	Message   string                `json:"message,omitempty"`
	Identity  string                `json:"identity,omitempty"`
	Status    types.Status          `json:"status,omitempty"`
	From      string                `json:"from,omitempty"`
	To        string                `json:"to,omitempty"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
	Data      json.RawMessage       `json:"data,omitempty"`
	Request   *types.SessionRequest `json:"request,omitempty"`
	Session   *types.Session        `json:"session,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Err returns the server error carried by an error frame, or nil.
func (f *Frame) Err() error {
	if f.Type != "error" {
		return nil
	}
	return &ServerError{Code: f.Code, Message: f.Message}
}

// ServerError is an error frame returned for a rejected client frame.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is one identity's connection to the server.
type Client struct {
	Identity  string
	Role      types.Role
	ServerURL string

	pacer *status.Pacer

	conn   *websocket.Conn
	frames chan *Frame
	errs   chan error
	done   chan struct{}

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

// New creates an unconnected client. heartbeatInterval paces Heartbeat; zero
// uses the server's default minimum interval.
func New(serverURL, identity string, role types.Role, heartbeatInterval time.Duration) *Client {
	return &Client{
		Identity:  identity,
		Role:      role,
		ServerURL: serverURL,
		pacer:     status.NewPacer(heartbeatInterval, nil),
		frames:    make(chan *Frame, bufferSize),
		errs:      make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Connect dials /ws and consumes the "connected" ack.
func (c *Client) Connect(ctx context.Context) (*Frame, error) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("identity", c.Identity)
	q.Set("role", string(c.Role))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.pacer.Reset()
	c.mu.Unlock()

	go c.readLoop(conn)

	deadline := writeWait
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	return c.ReceiveEvent("ack", "connected", deadline)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				select {
				case c.errs <- fmt.Errorf("read error: %w", err):
				default:
				}
			}
			return
		}

		select {
		case c.frames <- &f:
		default:
			select {
			case c.errs <- errors.New("frame buffer full, dropping frame"):
			default:
			}
		}
	}
}

// Send writes a raw frame and returns the ref it was tagged with.
func (c *Client) Send(frame map[string]any) (string, error) {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if conn == nil || closed {
		return "", ErrNotConnected
	}

	ref, _ := frame["ref"].(string)
	if ref == "" {
		ref = uuid.NewString()
		frame["ref"] = ref
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return "", fmt.Errorf("failed to send frame: %w", err)
	}
	return ref, nil
}

// SendMessage relays an opaque payload to another identity.
func (c *Client) SendMessage(to string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return c.Send(map[string]any{"type": "message", "to": to, "payload": json.RawMessage(raw)})
}

// Heartbeat sends a heartbeat unless one went out within the pacing interval.
func (c *Client) Heartbeat() (string, error) {
	if !c.pacer.Allow() {
		return "", ErrHeartbeatPaced
	}
	return c.Send(map[string]any{"type": "heartbeat"})
}

// GoOnline and GoOffline are the therapist's explicit status toggles.
func (c *Client) GoOnline() (string, error) {
	return c.Send(map[string]any{"type": "status", "action": "online"})
}

func (c *Client) GoOffline() (string, error) {
	return c.Send(map[string]any{"type": "status", "action": "offline"})
}

// RequestSession asks a therapist for a session. An empty priority means normal.
func (c *Client) RequestSession(therapist string, st types.SessionType, priority types.Priority) (string, error) {
	f := map[string]any{"type": "session_request", "therapist": therapist, "session_type": string(st)}
	if priority != "" {
		f["priority"] = string(priority)
	}
	return c.Send(f)
}

func (c *Client) Accept(requestID string) (string, error) {
	return c.Send(map[string]any{"type": "session_accept", "request_id": requestID})
}

func (c *Client) Decline(requestID, reason string) (string, error) {
	return c.Send(map[string]any{"type": "session_decline", "request_id": requestID, "reason": reason})
}

func (c *Client) EndSession(sessionID string) (string, error) {
	return c.Send(map[string]any{"type": "session_end", "session_id": sessionID})
}

// Receive waits for the next frame.
func (c *Client) Receive(timeout time.Duration) (*Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.done:
		// Frames read before the connection ended are still delivered.
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return nil, ErrDisconnected
		}
	}
}

// ReceiveType waits for a frame of frameType, discarding everything else.
func (c *Client) ReceiveType(frameType string, timeout time.Duration) (*Frame, error) {
	return c.receiveMatching(timeout, func(f *Frame) bool { return f.Type == frameType })
}

// ReceiveEvent waits for a frame with the given type and event.
func (c *Client) ReceiveEvent(frameType, event string, timeout time.Duration) (*Frame, error) {
	return c.receiveMatching(timeout, func(f *Frame) bool { return f.Type == frameType && f.Event == event })
}

// Reply waits for the ack or error answering ref. An error frame is returned
// as a *ServerError.
func (c *Client) Reply(ref string, timeout time.Duration) (*Frame, error) {
	f, err := c.receiveMatching(timeout, func(f *Frame) bool {
		return f.Ref == ref && (f.Type == "ack" || f.Type == "error")
	})
	if err != nil {
		return nil, err
	}
	if err := f.Err(); err != nil {
		return f, err
	}
	return f, nil
}

func (c *Client) receiveMatching(timeout time.Duration, match func(*Frame) bool) (*Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		f, err := c.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if match(f) {
			return f, nil
		}
	}
}

// Drain discards buffered frames.
func (c *Client) Drain() {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

// Close sends a normal close frame and tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mindbridge/pkg/types"
)

const (
	// WriteBufferSize is the number of frames queued per connection.
	WriteBufferSize = 100
	writeWait       = 5 * time.Second
)

// Connection wraps a websocket with a single writer goroutine. WriteJSON
// only enqueues, so callers never block on the network and frames from one
// caller reach the peer in call order.
type Connection struct {
	conn      *websocket.Conn
	id        string
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu       sync.RWMutex
	identity string
	role     types.Role
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		id:      uuid.NewString(),
		writeCh: make(chan []byte, WriteBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID identifies this connection instance; a reconnect gets a new ID.
func (c *Connection) ID() string {
	return c.id
}

// WriteJSON queues v for the writer. It fails fast when the connection is
// closed or its buffer is full.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrWriteBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// SetIdentity records who this connection belongs to.
func (c *Connection) SetIdentity(identity string, role types.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	c.role = role
}

func (c *Connection) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

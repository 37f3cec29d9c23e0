package interfaces

// Connection is the core's only reference to a live transport endpoint.
// The presence directory holds it; it never closes it.
type Connection interface {
	// ID is unique per physical connection, so a reconnect by the same
	// identity yields a different ID. The directory's reverse index is keyed on it.
	ID() string

	// WriteJSON queues v for delivery. Must be safe for concurrent callers and
	// must preserve the order of calls made from a single goroutine.
	WriteJSON(v any) error

	// Close tears down the transport. Only the transport layer calls it.
	Close() error
}

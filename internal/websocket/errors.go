package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteBufferFull  = errors.New("write buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrInvalidParameters = errors.New("invalid connection parameters")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrUnknownFrameType  = errors.New("unknown frame type")
	ErrUnknownAction     = errors.New("unknown status action")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNotSessionMember  = errors.New("not a member of this session")
)

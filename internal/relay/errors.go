package relay

import "errors"

var (
	ErrDeliveryFailed  = errors.New("message delivery failed")
	ErrEmptyRecipient  = errors.New("message missing recipient")
	ErrPayloadTooLarge = errors.New("message payload exceeds maximum size")
)

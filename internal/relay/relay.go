package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"mindbridge/internal/observability"
	"mindbridge/internal/presence"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

// MaxPayloadBytes bounds a single relayed payload.
const MaxPayloadBytes = 64 * 1024

// Outcome is the result of a Send. RecipientAbsent is a normal result, not an error.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRecipientAbsent
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRecipientAbsent:
		return "recipient_absent"
	default:
		return "failed"
	}
}

// Message is the frame forwarded to a present recipient.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notice is the system frame sent back to a sender whose recipient is absent.
type Notice struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay routes direct messages between connected identities. It holds no
// state of its own: handles are snapshotted from the directory and written
// without any directory lock held.
type Relay struct {
	directory *presence.Directory
	publisher interfaces.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a relay over directory. A nil publisher discards events.
func New(directory *presence.Directory, publisher interfaces.Publisher) *Relay {
	if publisher == nil {
		publisher = interfaces.NopPublisher{}
	}
	return &Relay{
		directory: directory,
		publisher: publisher,
		logger:    observability.Component("relay"),
		now:       time.Now,
	}
}

// WithClock overrides the timestamp source.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Send forwards payload from one identity to another. At most once, never queued.
func (r *Relay) Send(ctx context.Context, from, to string, payload json.RawMessage) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}
	if to == "" {
		return OutcomeFailed, ErrEmptyRecipient
	}
	if len(payload) > MaxPayloadBytes {
		return OutcomeFailed, ErrPayloadTooLarge
	}

	ts := r.now()
	recipient, ok := r.directory.Handle(to)
	if !ok {
		return r.notifyAbsent(from, to, ts)
	}

	msg := Message{Type: "message", From: from, Payload: payload, Timestamp: ts}
	if err := recipient.WriteJSON(msg); err != nil {
		r.logger.Debug("delivery failed", "from", from, "to", to, "error", err)
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	r.publisher.Publish(types.Event{
		Type:      types.EventMessageDelivered,
		Identity:  from,
		Peer:      to,
		Timestamp: ts,
	})
	return OutcomeDelivered, nil
}

func (r *Relay) notifyAbsent(from, to string, ts time.Time) (Outcome, error) {
	r.publisher.Publish(types.Event{
		Type:      types.EventMessageAbsent,
		Identity:  from,
		Peer:      to,
		Timestamp: ts,
	})

	sender, ok := r.directory.Handle(from)
	if !ok {
		return OutcomeRecipientAbsent, nil
	}
	notice := Notice{
		Type:      "system",
		Event:     "recipient_absent",
		To:        to,
		Message:   fmt.Sprintf("%s is not connected", to),
		Timestamp: ts,
	}
	if err := sender.WriteJSON(notice); err != nil {
		r.logger.Debug("absent notice not delivered", "to", from, "error", err)
	}
	return OutcomeRecipientAbsent, nil
}

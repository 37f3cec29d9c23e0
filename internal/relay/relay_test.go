package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindbridge/internal/presence"
	"mindbridge/internal/testutil"
	"mindbridge/pkg/types"
)

func setup(t *testing.T) (*Relay, *presence.Directory, *testutil.Publisher) {
	t.Helper()
	dir := presence.NewDirectory()
	pub := &testutil.Publisher{}
	clock := testutil.NewClock()
	return New(dir, pub).WithClock(clock.Now), dir, pub
}

func TestSendDelivers(t *testing.T) {
	r, dir, pub := setup(t)
	a := testutil.NewConn()
	b := testutil.NewConn()
	_, _ = dir.Register("A", a, types.RoleParticipant)
	_, _ = dir.Register("B", b, types.RoleParticipant)

	outcome, err := r.Send(context.Background(), "A", "B", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	frames := b.FramesOfType("message")
	require.Len(t, frames, 1)
	assert.Equal(t, "A", frames[0]["from"])
	assert.Equal(t, "hi", frames[0]["payload"])
	assert.NotEmpty(t, frames[0]["timestamp"])
	assert.Empty(t, a.Frames())

	assert.Len(t, pub.OfType(types.EventMessageDelivered), 1)
}

func TestSendToAbsentRecipientNotifiesSenderOnce(t *testing.T) {
	r, dir, pub := setup(t)
	a := testutil.NewConn()
	_, _ = dir.Register("A", a, types.RoleParticipant)

	outcome, err := r.Send(context.Background(), "A", "B", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecipientAbsent, outcome)

	frames := a.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "system", frames[0]["type"])
	assert.Equal(t, "recipient_absent", frames[0]["event"])
	assert.Equal(t, "B", frames[0]["to"])

	events := pub.OfType(types.EventMessageAbsent)
	require.Len(t, events, 1)
	assert.Equal(t, "B", events[0].Peer)
}

func TestSendFromUnregisteredSenderToAbsentRecipient(t *testing.T) {
	r, _, _ := setup(t)

	outcome, err := r.Send(context.Background(), "ghost", "B", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecipientAbsent, outcome)
}

func TestSendToClosedHandleFails(t *testing.T) {
	r, dir, pub := setup(t)
	b := testutil.NewConn()
	_, _ = dir.Register("B", b, types.RoleParticipant)
	_ = b.Close()

	outcome, err := r.Send(context.Background(), "A", "B", json.RawMessage(`"hi"`))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Empty(t, pub.OfType(types.EventMessageDelivered))
}

func TestSendAfterRecipientUnregistered(t *testing.T) {
	r, dir, _ := setup(t)
	b := testutil.NewConn()
	_, _ = dir.Register("B", b, types.RoleParticipant)
	_, _ = dir.Unregister(b)

	outcome, err := r.Send(context.Background(), "A", "B", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecipientAbsent, outcome)
	assert.Empty(t, b.Frames())
}

func TestSendValidation(t *testing.T) {
	r, _, _ := setup(t)

	_, err := r.Send(context.Background(), "A", "", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrEmptyRecipient)

	big := json.RawMessage(`"` + strings.Repeat("x", MaxPayloadBytes) + `"`)
	_, err = r.Send(context.Background(), "A", "B", big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := r.Send(ctx, "A", "B", json.RawMessage(`1`))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendPreservesCallOrder(t *testing.T) {
	r, dir, _ := setup(t)
	b := testutil.NewConn()
	_, _ = dir.Register("A", testutil.NewConn(), types.RoleParticipant)
	_, _ = dir.Register("B", b, types.RoleParticipant)

	for i := 0; i < 50; i++ {
		_, err := r.Send(context.Background(), "A", "B", json.RawMessage(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	frames := b.FramesOfType("message")
	require.Len(t, frames, 50)
	for i, f := range frames {
		assert.Equal(t, float64(i), f["payload"])
	}
}

func TestSendConcurrentWithReconnect(t *testing.T) {
	r, dir, _ := setup(t)
	_, _ = dir.Register("B", testutil.NewConn(), types.RoleParticipant)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			outcome, _ := r.Send(context.Background(), "A", "B", json.RawMessage(`1`))
			assert.NotEqual(t, OutcomeRecipientAbsent, outcome)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = dir.Register("B", testutil.NewConn(), types.RoleParticipant)
		}
	}()
	wg.Wait()
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", OutcomeDelivered.String())
	assert.Equal(t, "recipient_absent", OutcomeRecipientAbsent.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}

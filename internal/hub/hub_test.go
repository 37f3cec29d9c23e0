package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindbridge/internal/presence"
	"mindbridge/internal/testutil"
	"mindbridge/pkg/types"
)

func startHub(t *testing.T) (*Hub, *presence.Directory) {
	t.Helper()
	dir := presence.NewDirectory()
	h := NewHub(dir)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h, dir
}

func waitFrames(t *testing.T, c *testutil.Conn, frameType string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.FramesOfType(frameType)) >= n
	}, time.Second, 2*time.Millisecond, "expected %d %q frames", n, frameType)
	return c.FramesOfType(frameType)
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(presence.NewDirectory())
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	assert.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)
	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
}

func TestHub_EnqueueWhenStopped(t *testing.T) {
	h := NewHub(presence.NewDirectory())
	assert.ErrorIs(t, h.Enqueue(types.Event{Type: types.EventSessionEnded}), ErrHubNotRunning)

	h.Publish(types.Event{Type: types.EventSessionEnded})
	assert.EqualValues(t, 1, h.Stats()["dropped"])
}

func TestHub_ContextCancelStopsRunLoop(t *testing.T) {
	h := NewHub(presence.NewDirectory())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		return h.Enqueue(types.Event{}) == ErrHubNotRunning
	}, time.Second, 2*time.Millisecond, "hub still accepting events after context cancel")
}

func TestHub_TherapistPresenceBroadcast(t *testing.T) {
	h, dir := startHub(t)
	dir.Observe(h.OnPresenceChange)

	a := testutil.NewConn()
	b := testutil.NewConn()
	therapist := testutil.NewConn()
	_, _ = dir.Register("A", a, types.RoleParticipant)
	_, _ = dir.Register("B", b, types.RoleParticipant)
	_, _ = dir.Register("T1", therapist, types.RoleTherapist)

	require.NoError(t, dir.SetStatus("T1", types.StatusOnline))

	for _, c := range []*testutil.Conn{a, b} {
		frames := waitFrames(t, c, "presence", 1)
		assert.Equal(t, "T1", frames[0]["identity"])
		assert.Equal(t, "online", frames[0]["status"])
	}
	assert.Empty(t, therapist.FramesOfType("presence"), "therapist does not receive its own presence")
}

func TestHub_PresenceFramesFollowDirectoryOrder(t *testing.T) {
	h, dir := startHub(t)
	dir.Observe(h.OnPresenceChange)

	watcher := testutil.NewConn()
	_, _ = dir.Register("A", watcher, types.RoleParticipant)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)

	statuses := []types.Status{types.StatusOnline, types.StatusOffline, types.StatusOnline, types.StatusInSession, types.StatusOnline}
	for _, s := range statuses {
		require.NoError(t, dir.SetStatus("T1", s))
	}

	frames := waitFrames(t, watcher, "presence", len(statuses))
	for i, s := range statuses {
		assert.Equal(t, string(s), frames[i]["status"], "frame %d", i)
	}
}

func TestHub_ParticipantPresenceGoesToSubscribersOnly(t *testing.T) {
	h, dir := startHub(t)
	dir.Observe(h.OnPresenceChange)

	seen := make(chan types.Event, 4)
	h.Subscribe(func(e types.Event) { seen <- e })

	other := testutil.NewConn()
	_, _ = dir.Register("B", other, types.RoleParticipant)
	<-seen
	_, _ = dir.Register("A", testutil.NewConn(), types.RoleParticipant)

	select {
	case e := <-seen:
		assert.Equal(t, types.EventPresenceOnline, e.Type)
		assert.Equal(t, "A", e.Identity)
	case <-time.After(time.Second):
		require.FailNow(t, "subscriber not called")
	}
	assert.Empty(t, other.FramesOfType("presence"), "participant presence is not broadcast")
}

func TestHub_RequestCreatedGoesToTherapist(t *testing.T) {
	h, dir := startHub(t)
	participant := testutil.NewConn()
	therapist := testutil.NewConn()
	_, _ = dir.Register("A", participant, types.RoleParticipant)
	_, _ = dir.Register("T1", therapist, types.RoleTherapist)

	req := &types.SessionRequest{ID: "r1", From: "A", Therapist: "T1", State: types.RequestPending}
	h.Publish(types.Event{Type: types.EventRequestCreated, Identity: "A", Peer: "T1", Request: req})

	frames := waitFrames(t, therapist, "session_request", 1)
	assert.Equal(t, "created", frames[0]["event"])
	assert.Empty(t, participant.FramesOfType("session_request"))
}

func TestHub_ResolutionGoesToBothParties(t *testing.T) {
	h, dir := startHub(t)
	participant := testutil.NewConn()
	therapist := testutil.NewConn()
	_, _ = dir.Register("A", participant, types.RoleParticipant)
	_, _ = dir.Register("T1", therapist, types.RoleTherapist)

	req := &types.SessionRequest{ID: "r1", From: "A", Therapist: "T1", State: types.RequestAccepted, SessionID: "s1"}
	session := &types.Session{ID: "s1", Participant: "A", Therapist: "T1"}
	h.Publish(types.Event{Type: types.EventRequestAccepted, Identity: "A", Peer: "T1", Request: req, Session: session})
	h.Publish(types.Event{Type: types.EventSessionEnded, Identity: "A", Peer: "T1", Session: session})

	for _, c := range []*testutil.Conn{participant, therapist} {
		frames := waitFrames(t, c, "session_request", 1)
		assert.Equal(t, "accepted", frames[0]["event"])
		assert.NotNil(t, frames[0]["session"], "accepted frame carries the session")
		ended := waitFrames(t, c, "session", 1)
		assert.Equal(t, "ended", ended[0]["event"])
	}
}

func TestHub_MessageEventsAreNotFramed(t *testing.T) {
	h, dir := startHub(t)
	c := testutil.NewConn()
	_, _ = dir.Register("B", c, types.RoleParticipant)

	done := make(chan struct{})
	h.Subscribe(func(e types.Event) {
		if e.Type == types.EventMessageDelivered {
			close(done)
		}
	})
	h.Publish(types.Event{Type: types.EventMessageDelivered, Identity: "A", Peer: "B"})

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "event not processed")
	}
	assert.Empty(t, c.Frames())
}

package status

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

func newTracker(t *testing.T) (*Tracker, *presence.Directory, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	dir := presence.NewDirectory()
	tr := NewTracker(dir, Config{
		MinInterval: 15 * time.Second,
		StaleWindow: 90 * time.Second,
	}).WithClock(clock.Now)
	return tr, dir, clock
}

func statusOf(t *testing.T, dir *presence.Directory, id string) types.Status {
	t.Helper()
	s, ok := dir.Status(id)
	require.True(t, ok)
	return s
}

func TestGoOnlineOffline(t *testing.T) {
	tr, dir, _ := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	assert.Equal(t, types.StatusOffline, statusOf(t, dir, "T1"))

	require.NoError(t, tr.GoOnline("T1"))
	assert.Equal(t, types.StatusOnline, statusOf(t, dir, "T1"))
	require.NoError(t, tr.GoOnline("T1"), "online -> online is allowed")

	require.NoError(t, tr.GoOffline("T1"))
	assert.Equal(t, types.StatusOffline, statusOf(t, dir, "T1"))
}

func TestGoOnlineErrors(t *testing.T) {
	tr, dir, _ := newTracker(t)
	assert.ErrorIs(t, tr.GoOnline("ghost"), types.ErrNotConnected)

	_, _ = dir.Register("A", testutil.NewConn(), types.RoleParticipant)
	assert.ErrorIs(t, tr.GoOnline("A"), ErrNotTherapist)

	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.BeginSession("T1"))
	assert.ErrorIs(t, tr.GoOnline("T1"), ErrInSession)
	assert.Equal(t, types.StatusInSession, statusOf(t, dir, "T1"))
}

func TestGoOfflineMidSession(t *testing.T) {
	tr, dir, _ := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))
	require.NoError(t, tr.BeginSession("T1"))

	require.NoError(t, tr.GoOffline("T1"))
	assert.Equal(t, types.StatusOffline, statusOf(t, dir, "T1"))
}

func TestSessionTransitions(t *testing.T) {
	tr, dir, _ := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))

	assert.ErrorIs(t, tr.EndSession("T1"), ErrNotInSession)
	require.NoError(t, tr.BeginSession("T1"))
	assert.ErrorIs(t, tr.BeginSession("T1"), ErrInSession)
	require.NoError(t, tr.EndSession("T1"))
	assert.Equal(t, types.StatusOnline, statusOf(t, dir, "T1"))
}

func TestHeartbeatRedundancy(t *testing.T) {
	tr, dir, clock := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)

	_, err := tr.Heartbeat("ghost", clock.Now())
	assert.ErrorIs(t, err, types.ErrNotConnected)

	res, err := tr.Heartbeat("T1", clock.Now())
	require.NoError(t, err)
	assert.False(t, res.Redundant)

	clock.Advance(5 * time.Second)
	res, err = tr.Heartbeat("T1", clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Redundant)
	assert.Equal(t, clock.Now(), res.LastSeen, "redundant heartbeats still count as liveness")

	clock.Advance(10 * time.Second)
	res, err = tr.Heartbeat("T1", clock.Now())
	require.NoError(t, err)
	assert.False(t, res.Redundant)
}

func TestHeartbeatRejectsParticipant(t *testing.T) {
	tr, dir, clock := newTracker(t)
	_, _ = dir.Register("A", testutil.NewConn(), types.RoleParticipant)

	_, err := tr.Heartbeat("A", clock.Now())
	assert.ErrorIs(t, err, ErrNotTherapist)
}

func TestSweepDemotesStaleTherapists(t *testing.T) {
	tr, dir, clock := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	_, _ = dir.Register("T2", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))
	require.NoError(t, tr.GoOnline("T2"))

	clock.Advance(60 * time.Second)
	_, err := tr.Heartbeat("T2", clock.Now())
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	demoted := tr.Sweep(clock.Now())
	assert.Equal(t, []string{"T1"}, demoted)
	assert.Equal(t, types.StatusOffline, statusOf(t, dir, "T1"))
	assert.Equal(t, types.StatusOnline, statusOf(t, dir, "T2"))
}

func TestSweepKeepsTherapistAliveWithFloodedHeartbeats(t *testing.T) {
	tr, dir, clock := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))

	for i := 0; i < 100; i++ {
		clock.Advance(2 * time.Second)
		_, err := tr.Heartbeat("T1", clock.Now())
		require.NoError(t, err)
	}
	assert.Empty(t, tr.Sweep(clock.Now()))
	assert.Equal(t, types.StatusOnline, statusOf(t, dir, "T1"))
}

func TestSweepIgnoresInSessionAndOffline(t *testing.T) {
	tr, dir, clock := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	_, _ = dir.Register("T2", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))
	require.NoError(t, tr.BeginSession("T1"))

	clock.Advance(time.Hour)
	assert.Empty(t, tr.Sweep(clock.Now()))
	assert.Equal(t, types.StatusInSession, statusOf(t, dir, "T1"))
	assert.Equal(t, types.StatusOffline, statusOf(t, dir, "T2"))
}

func TestSweepNotifiesObservers(t *testing.T) {
	tr, dir, clock := newTracker(t)
	var changes []presence.Change
	dir.Observe(func(c presence.Change) {
		if c.StatusChanged() {
			changes = append(changes, c)
		}
	})
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))

	clock.Advance(2 * time.Minute)
	tr.Sweep(clock.Now())

	require.Len(t, changes, 2)
	assert.Equal(t, types.StatusOnline, changes[1].Previous)
	assert.Equal(t, types.StatusOffline, changes[1].Current)
}

func TestUnregisterForgetsLiveness(t *testing.T) {
	tr, dir, _ := newTracker(t)
	conn := testutil.NewConn()
	_, _ = dir.Register("T1", conn, types.RoleTherapist)
	_, ok := tr.LastSeen("T1")
	require.True(t, ok)

	_, _ = dir.Unregister(conn)
	_, ok = tr.LastSeen("T1")
	assert.False(t, ok)
}

func TestLateHeartbeatDoesNotResurrectLiveness(t *testing.T) {
	tr, dir, _ := newTracker(t)
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)

	// The unregistration has been observed but the entry is still visible to
	// the heartbeat's directory lookup.
	tr.onChange(presence.Change{Kind: presence.ChangeUnregistered, Identity: "T1", Role: types.RoleTherapist})

	_, err := tr.Heartbeat("T1", time.Time{})
	assert.ErrorIs(t, err, types.ErrNotConnected)
	require.NoError(t, tr.GoOnline("T1"))

	_, ok := tr.LastSeen("T1")
	assert.False(t, ok, "no liveness record is recreated for a departed identity")
}

func TestStartClose(t *testing.T) {
	dir := presence.NewDirectory()
	tr := NewTracker(dir, Config{SweepInterval: 5 * time.Millisecond, StaleWindow: time.Millisecond})
	_, _ = dir.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, tr.GoOnline("T1"))

	require.NoError(t, tr.Start(context.Background()))
	assert.ErrorIs(t, tr.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		s, _ := dir.Status("T1")
		return s == types.StatusOffline
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

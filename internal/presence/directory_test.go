package presence

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindbridge/internal/testutil"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

func TestDirectoryRegisterAndLookup(t *testing.T) {
	d := NewDirectory()
	conn := testutil.NewConn()

	displaced, err := d.Register("A", conn, types.RoleParticipant)
	require.NoError(t, err)
	assert.Nil(t, displaced)

	e, ok := d.Lookup("A")
	require.True(t, ok)
	assert.Same(t, conn, e.Handle)
	assert.Equal(t, types.StatusOnline, e.Status)

	_, err = d.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, err)
	e, _ = d.Lookup("T1")
	assert.Equal(t, types.StatusOffline, e.Status)
}

func TestDirectoryRegisterValidation(t *testing.T) {
	d := NewDirectory()

	_, err := d.Register("A", nil, types.RoleParticipant)
	assert.ErrorIs(t, err, ErrNilConnection)

	_, err = d.Register("", testutil.NewConn(), types.RoleParticipant)
	assert.ErrorIs(t, err, ErrEmptyIdentity)

	_, err = d.Register("A", testutil.NewConn(), "admin")
	assert.ErrorIs(t, err, types.ErrInvalidRole)
}

func TestDirectoryReplacementReturnsDisplacedHandle(t *testing.T) {
	d := NewDirectory()
	first := testutil.NewConn()
	second := testutil.NewConn()

	_, _ = d.Register("A", first, types.RoleParticipant)
	displaced, err := d.Register("A", second, types.RoleParticipant)
	require.NoError(t, err)
	assert.Same(t, first, displaced)
	assert.False(t, first.Closed(), "directory must not close transports")

	h, ok := d.Handle("A")
	require.True(t, ok)
	assert.Same(t, second, h)
	assert.Equal(t, 1, d.GetStats()["total_connections"])
}

func TestDirectoryReRegisterSameHandleIsIdempotent(t *testing.T) {
	d := NewDirectory()
	conn := testutil.NewConn()

	_, _ = d.Register("A", conn, types.RoleParticipant)
	displaced, err := d.Register("A", conn, types.RoleParticipant)
	require.NoError(t, err)
	assert.Nil(t, displaced)

	id, ok := d.IdentityOf(conn)
	require.True(t, ok)
	assert.Equal(t, "A", id)
}

func TestDirectoryStaleUnregisterKeepsNewerEntry(t *testing.T) {
	d := NewDirectory()
	old := testutil.NewConn()
	newer := testutil.NewConn()

	_, _ = d.Register("A", old, types.RoleParticipant)
	_, _ = d.Register("A", newer, types.RoleParticipant)

	id, ok := d.Unregister(old)
	assert.False(t, ok)
	assert.Empty(t, id)

	h, ok := d.Handle("A")
	require.True(t, ok)
	assert.Same(t, newer, h)

	id, ok = d.Unregister(newer)
	assert.True(t, ok)
	assert.Equal(t, "A", id)

	_, ok = d.Lookup("A")
	assert.False(t, ok)

	_, ok = d.Unregister(newer)
	assert.False(t, ok, "second unregister is a no-op")
}

func TestDirectoryReconnectKeepsStatus(t *testing.T) {
	d := NewDirectory()
	_, _ = d.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, d.SetStatus("T1", types.StatusOnline))

	_, _ = d.Register("T1", testutil.NewConn(), types.RoleTherapist)
	e, _ := d.Lookup("T1")
	assert.Equal(t, types.StatusOnline, e.Status)
}

func TestDirectoryHandleMovesToLatestIdentity(t *testing.T) {
	d := NewDirectory()
	conn := testutil.NewConn()

	_, _ = d.Register("A", conn, types.RoleParticipant)
	_, _ = d.Register("B", conn, types.RoleParticipant)

	_, ok := d.Lookup("A")
	assert.False(t, ok)
	id, ok := d.IdentityOf(conn)
	require.True(t, ok)
	assert.Equal(t, "B", id)
}

func TestDirectorySetStatusAndTransition(t *testing.T) {
	d := NewDirectory()
	assert.ErrorIs(t, d.SetStatus("ghost", types.StatusOnline), types.ErrNotConnected)

	_, _ = d.Register("T1", testutil.NewConn(), types.RoleTherapist)

	errBusy := errors.New("busy")
	_, err := d.Transition("T1", func(Entry) (types.Status, error) { return "", errBusy })
	assert.ErrorIs(t, err, errBusy)

	change, err := d.Transition("T1", func(e Entry) (types.Status, error) {
		assert.Equal(t, types.StatusOffline, e.Status)
		return types.StatusOnline, nil
	})
	require.NoError(t, err)
	assert.True(t, change.StatusChanged())
	assert.Equal(t, []string{"T1"}, d.IdentitiesWithStatus(types.StatusOnline))
}

func TestDirectoryObserversSeeEveryMutation(t *testing.T) {
	d := NewDirectory()
	var kinds []ChangeKind
	d.Observe(func(c Change) { kinds = append(kinds, c.Kind) })

	conn := testutil.NewConn()
	_, _ = d.Register("T1", conn, types.RoleTherapist)
	_ = d.SetStatus("T1", types.StatusOnline)
	_, _ = d.Register("T1", testutil.NewConn(), types.RoleTherapist)
	_, _ = d.Unregister(conn)

	assert.Equal(t, []ChangeKind{ChangeRegistered, ChangeStatus, ChangeReplaced}, kinds,
		"stale unregister emits nothing")
}

func TestDirectoryObserversSeeConcurrentChangesInOrder(t *testing.T) {
	d := NewDirectory()
	_, _ = d.Register("T1", testutil.NewConn(), types.RoleTherapist)
	require.NoError(t, d.SetStatus("T1", types.StatusOnline))

	var (
		mu   sync.Mutex
		seen []Change
		once sync.Once
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	d.Observe(func(c Change) {
		if c.Current == types.StatusOffline {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = d.SetStatus("T1", types.StatusOffline)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_ = d.SetStatus("T1", types.StatusOnline)
	}()
	require.Eventually(t, func() bool {
		s, _ := d.Status("T1")
		return s == types.StatusOnline
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	final, _ := d.Status("T1")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, types.StatusOffline, seen[0].Current)
	assert.Equal(t, types.StatusOnline, seen[1].Current)
	assert.Equal(t, final, seen[1].Current, "last observed change matches the directory")
	assert.Equal(t, seen[0].Seq+1, seen[1].Seq)
}

func TestDirectoryChangeSequenceIncreases(t *testing.T) {
	d := NewDirectory()
	var seqs []uint64
	d.Observe(func(c Change) { seqs = append(seqs, c.Seq) })

	conn := testutil.NewConn()
	_, _ = d.Register("T1", conn, types.RoleTherapist)
	change, err := d.Transition("T1", func(Entry) (types.Status, error) { return types.StatusOnline, nil })
	require.NoError(t, err)
	_, _ = d.Unregister(conn)

	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	assert.Equal(t, uint64(2), change.Seq, "Transition returns the stamped change")
}

func TestDirectoryObserverRunsOutsideLock(t *testing.T) {
	d := NewDirectory()
	d.Observe(func(c Change) {
		_, _ = d.Lookup(c.Identity)
		_ = d.GetStats()
	})
	_, err := d.Register("A", testutil.NewConn(), types.RoleParticipant)
	require.NoError(t, err)
}

func TestDirectorySnapshotAndClose(t *testing.T) {
	d := NewDirectory()
	_, _ = d.Register("A", testutil.NewConn(), types.RoleParticipant)
	_, _ = d.Register("T1", testutil.NewConn(), types.RoleTherapist)

	assert.Len(t, d.Snapshot(types.RoleTherapist), 1)
	assert.Len(t, d.Snapshot(""), 2)

	handles := d.Close()
	assert.Len(t, handles, 2)
	assert.Empty(t, d.Snapshot(""))
}

// Whatever interleaving of Register/Unregister happens for one identity,
// Lookup reflects the most recently registered handle that has not itself
// been unregistered.
func TestDirectoryLookupAlwaysReflectsLatestRegistration(t *testing.T) {
	d := NewDirectory()
	rng := rand.New(rand.NewSource(7))

	var live []interfaces.Connection
	var latest interfaces.Connection

	for i := 0; i < 2000; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			c := testutil.NewConn()
			_, err := d.Register("A", c, types.RoleParticipant)
			require.NoError(t, err)
			live = append(live, c)
			latest = c
		} else {
			idx := rng.Intn(len(live))
			c := live[idx]
			live = append(live[:idx], live[idx+1:]...)
			_, removed := d.Unregister(c)
			assert.Equal(t, c == latest, removed)
			if c == latest {
				latest = nil
			}
		}

		h, ok := d.Handle("A")
		if latest == nil {
			assert.False(t, ok)
		} else {
			require.True(t, ok)
			assert.Same(t, latest, h)
		}
	}
}

func TestDirectoryConcurrentReconnects(t *testing.T) {
	d := NewDirectory()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := testutil.NewConn()
				_, _ = d.Register("A", c, types.RoleParticipant)
				_, _ = d.Lookup("A")
				_, _ = d.Unregister(c)
			}
		}()
	}
	wg.Wait()

	stats := d.GetStats()
	assert.LessOrEqual(t, stats["total_connections"], 1)
}

package presence

import (
	"sync"
	"time"

	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

// Entry is one connected identity. An entry always has a handle; an identity
// without a live connection simply has no entry.
type Entry struct {
	Identity    string
	Handle      interfaces.Connection
	Role        types.Role
	Status      types.Status
	ConnectedAt time.Time
}

// ChangeKind says which directory operation produced a Change.
type ChangeKind int

const (
	ChangeRegistered ChangeKind = iota
	ChangeReplaced
	ChangeUnregistered
	ChangeStatus
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRegistered:
		return "registered"
	case ChangeReplaced:
		return "replaced"
	case ChangeUnregistered:
		return "unregistered"
	case ChangeStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Change describes a mutation. Previous is StatusOffline for a fresh
// registration and Current is StatusOffline after an unregistration.
// Seq is assigned under the directory lock and increases by one per change.
type Change struct {
	Seq      uint64
	Kind     ChangeKind
	Identity string
	Role     types.Role
	Previous types.Status
	Current  types.Status
}

// StatusChanged reports whether the externally visible status moved.
func (c Change) StatusChanged() bool {
	return c.Previous != c.Current
}

// Observer is notified after every mutation, outside the directory lock and
// before the mutating call returns. Observers see changes one at a time in
// Seq order, so the last change seen for an identity matches the directory.
type Observer func(Change)

// Directory maps identities to their live connection. A forward index
// (identity -> entry) and a reverse index (handle ID -> identity) are kept in
// step under one lock so disconnects resolve in O(1).
type Directory struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byHandle map[string]string

	obsMu     sync.RWMutex
	observers []Observer

	// pending is appended under mu, in Seq order, and drained under deliverMu.
	// deliverMu is never acquired while mu is held.
	seq       uint64
	pendingMu sync.Mutex
	pending   []Change
	deliverMu sync.Mutex

	now func() time.Time
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		entries:  make(map[string]*Entry),
		byHandle: make(map[string]string),
		now:      time.Now,
	}
}

// Observe adds an observer. Observers may read the directory but must not
// call back into mutating directory methods.
func (d *Directory) Observe(o Observer) {
	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
}

// enqueue stamps changes with sequence numbers. Callers hold d.mu.
func (d *Directory) enqueue(changes ...Change) []Change {
	d.pendingMu.Lock()
	for i := range changes {
		d.seq++
		changes[i].Seq = d.seq
		d.pending = append(d.pending, changes[i])
	}
	d.pendingMu.Unlock()
	return changes
}

// flush delivers every queued change in order. A caller whose changes were
// already delivered by a concurrent flush still waits for that delivery to
// finish, so its changes have been observed when it returns.
func (d *Directory) flush() {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.obsMu.RLock()
	observers := d.observers
	d.obsMu.RUnlock()

	for {
		d.pendingMu.Lock()
		batch := d.pending
		d.pending = nil
		d.pendingMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			for _, o := range observers {
				o(c)
			}
		}
	}
}

func initialStatus(role types.Role) types.Status {
	if role == types.RoleTherapist {
		return types.StatusOffline
	}
	return types.StatusOnline
}

// Register records handle as the live connection of identity and returns the
// handle it displaced, if any. The directory only drops its reference to the
// displaced handle; closing the transport is the caller's job.
//
// A reconnect by the same identity and role keeps the previous status.
// If handle was registered under another identity, that entry is removed:
// the latest registration owns the handle.
func (d *Directory) Register(identity string, handle interfaces.Connection, role types.Role) (interfaces.Connection, error) {
	if handle == nil {
		return nil, ErrNilConnection
	}
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	if _, err := types.ParseRole(string(role)); err != nil {
		return nil, err
	}

	var (
		displaced interfaces.Connection
		changes   []Change
	)
	handleID := handle.ID()

	d.mu.Lock()
	if owner, ok := d.byHandle[handleID]; ok && owner != identity {
		if old := d.entries[owner]; old != nil {
			delete(d.entries, owner)
			changes = append(changes, Change{
				Kind:     ChangeUnregistered,
				Identity: owner,
				Role:     old.Role,
				Previous: old.Status,
				Current:  types.StatusOffline,
			})
		}
	}

	change := Change{Kind: ChangeRegistered, Identity: identity, Role: role, Previous: types.StatusOffline}
	status := initialStatus(role)

	if existing, ok := d.entries[identity]; ok {
		if existing.Handle.ID() != handleID {
			displaced = existing.Handle
			delete(d.byHandle, existing.Handle.ID())
		}
		change.Kind = ChangeReplaced
		change.Previous = existing.Status
		if existing.Role == role {
			status = existing.Status
		}
	}
	change.Current = status

	d.entries[identity] = &Entry{
		Identity:    identity,
		Handle:      handle,
		Role:        role,
		Status:      status,
		ConnectedAt: d.now(),
	}
	d.byHandle[handleID] = identity
	d.enqueue(append(changes, change)...)
	d.mu.Unlock()

	d.flush()
	return displaced, nil
}

// Unregister removes the entry owning handle and returns the freed identity.
// A handle that was already replaced by a newer registration is stale: the
// call is a no-op and the newer entry stays.
func (d *Directory) Unregister(handle interfaces.Connection) (string, bool) {
	if handle == nil {
		return "", false
	}
	handleID := handle.ID()

	d.mu.Lock()
	identity, ok := d.byHandle[handleID]
	if !ok {
		d.mu.Unlock()
		return "", false
	}
	entry := d.entries[identity]
	if entry == nil || entry.Handle.ID() != handleID {
		delete(d.byHandle, handleID)
		d.mu.Unlock()
		return "", false
	}
	delete(d.byHandle, handleID)
	delete(d.entries, identity)
	d.enqueue(Change{
		Kind:     ChangeUnregistered,
		Identity: identity,
		Role:     entry.Role,
		Previous: entry.Status,
		Current:  types.StatusOffline,
	})
	d.mu.Unlock()

	d.flush()
	return identity, true
}

// Lookup returns a copy of identity's entry.
func (d *Directory) Lookup(identity string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Handle returns the live connection of identity.
func (d *Directory) Handle(identity string) (interfaces.Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[identity]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

// Status returns identity's current status.
func (d *Directory) Status(identity string) (types.Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[identity]
	if !ok {
		return types.StatusOffline, false
	}
	return e.Status, true
}

// IdentityOf resolves a handle to the identity it is registered under.
func (d *Directory) IdentityOf(handle interfaces.Connection) (string, bool) {
	if handle == nil {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	identity, ok := d.byHandle[handle.ID()]
	return identity, ok
}

// SetStatus unconditionally sets identity's status.
func (d *Directory) SetStatus(identity string, status types.Status) error {
	_, err := d.Transition(identity, func(Entry) (types.Status, error) {
		return status, nil
	})
	return err
}

// Transition atomically reads identity's entry, asks fn for the next status,
// and stores it. fn runs under the directory lock and must not block.
// Observers are notified even when the status does not move.
func (d *Directory) Transition(identity string, fn func(current Entry) (types.Status, error)) (Change, error) {
	d.mu.Lock()
	e, ok := d.entries[identity]
	if !ok {
		d.mu.Unlock()
		return Change{}, types.ErrNotConnected
	}
	next, err := fn(*e)
	if err != nil {
		d.mu.Unlock()
		return Change{}, err
	}
	change := Change{
		Kind:     ChangeStatus,
		Identity: identity,
		Role:     e.Role,
		Previous: e.Status,
		Current:  next,
	}
	e.Status = next
	change = d.enqueue(change)[0]
	d.mu.Unlock()

	d.flush()
	return change, nil
}

// Snapshot copies every entry with the given role. An empty role returns all entries.
func (d *Directory) Snapshot(role types.Role) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if role == "" || e.Role == role {
			out = append(out, *e)
		}
	}
	return out
}

// IdentitiesWithStatus lists therapists currently in one of the given statuses.
func (d *Directory) IdentitiesWithStatus(statuses ...types.Status) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for id, e := range d.entries {
		if e.Role != types.RoleTherapist {
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// GetStats returns directory counters for health reporting.
func (d *Directory) GetStats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := map[string]int{
		"total_connections":     len(d.entries),
		"participants":          0,
		"therapists":            0,
		"therapists_online":     0,
		"therapists_in_session": 0,
	}
	for _, e := range d.entries {
		switch e.Role {
		case types.RoleParticipant:
			stats["participants"]++
		case types.RoleTherapist:
			stats["therapists"]++
			switch e.Status {
			case types.StatusOnline:
				stats["therapists_online"]++
			case types.StatusInSession:
				stats["therapists_in_session"]++
			}
		}
	}
	return stats
}

// Close drops every entry and returns the handles that were held so the
// transport layer can close them. Observers are not notified.
func (d *Directory) Close() []interfaces.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	handles := make([]interfaces.Connection, 0, len(d.entries))
	for _, e := range d.entries {
		handles = append(handles, e.Handle)
	}
	d.entries = make(map[string]*Entry)
	d.byHandle = make(map[string]string)
	return handles
}

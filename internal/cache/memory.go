package cache

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

var _ Cache = (*Memory)(nil)

const numShards = 64

type entry struct {
	value     []byte
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Memory is the in-process driver. Keys are spread over independently locked
// shards so lookups of one key never wait on writes to another shard.
type Memory struct {
	shards     [numShards]shard
	defaultTTL time.Duration
	now        func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemory creates the in-process cache and starts its sweep loop when
// sweepInterval > 0.
func NewMemory(defaultTTL, sweepInterval time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	m := &Memory{
		defaultTTL: defaultTTL,
		now:        now,
		stop:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]entry)
	}

	if sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop(sweepInterval)
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !m.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s := m.shardFor(key)
	s.mu.Lock()
	s.entries[key] = entry{value: stored, expiresAt: m.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// DeleteByPrefix implements Cache. Shards are locked one at a time.
func (m *Memory) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key := range s.entries {
			if strings.HasPrefix(key, prefix) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Sweep evicts expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len counts stored entries, expired or not.
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the sweep loop and drops every entry.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		close(m.stop)
		m.wg.Wait()
		for i := range m.shards {
			s := &m.shards[i]
			s.mu.Lock()
			s.entries = make(map[string]entry)
			s.mu.Unlock()
		}
	})
	return nil
}

package availability

import (
	"strconv"
	"time"

	"mindbridge/internal/cache"
	"mindbridge/pkg/types"
)

// View names one cached availability bucket.
type View string

const (
	ViewAvailable View = "available"
	ViewOnline    View = "online"
	ViewRealtime  View = "realtime"
	ViewStats     View = "stats"
)

const (
	DefaultAvailableTTL = 60 * time.Second
	DefaultOnlineTTL    = 30 * time.Second
	DefaultRealtimeTTL  = 15 * time.Second
	DefaultStatsTTL     = 300 * time.Second

	// DefaultFetchTimeout bounds one shared backing-store call on a miss.
	DefaultFetchTimeout = 10 * time.Second
)

const bucketNamespace = "availability"

// TTLs holds the freshness bound of each view.
type TTLs struct {
	Available time.Duration
	Online    time.Duration
	Realtime  time.Duration
	Stats     time.Duration
}

// DefaultTTLs returns the standard view TTLs.
func DefaultTTLs() TTLs {
	return TTLs{
		Available: DefaultAvailableTTL,
		Online:    DefaultOnlineTTL,
		Realtime:  DefaultRealtimeTTL,
		Stats:     DefaultStatsTTL,
	}
}

func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	if t.Available <= 0 {
		t.Available = d.Available
	}
	if t.Online <= 0 {
		t.Online = d.Online
	}
	if t.Realtime <= 0 {
		t.Realtime = d.Realtime
	}
	if t.Stats <= 0 {
		t.Stats = d.Stats
	}
	return t
}

func (t TTLs) of(v View) time.Duration {
	switch v {
	case ViewAvailable:
		return t.Available
	case ViewOnline:
		return t.Online
	case ViewRealtime:
		return t.Realtime
	default:
		return t.Stats
	}
}

func (v View) valid() bool {
	switch v {
	case ViewAvailable, ViewOnline, ViewRealtime, ViewStats:
		return true
	}
	return false
}

// Bucket is the cache bucket name of the view.
func (v View) Bucket() string {
	return bucketNamespace + ":" + string(v)
}

// listKey is the canonical key of a list view query.
func listKey(v View, filter types.TherapistFilter, page types.PageOptions) string {
	page = page.Normalize()
	return cache.CompositeKey(v.Bucket(), cache.Fields{
		"specialization": filter.Specialization,
		"language":       filter.Language,
		"session_type":   string(filter.SessionType),
		"page":           strconv.Itoa(page.Page),
		"limit":          strconv.Itoa(page.Limit),
		"sort":           page.Sort,
	})
}

func realtimeKey() string {
	return cache.BucketPrefix(ViewRealtime.Bucket())
}

func statsKey(therapistID string) string {
	return cache.EntityKey(ViewStats.Bucket(), therapistID)
}

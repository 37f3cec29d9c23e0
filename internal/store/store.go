// Package store selects the backing store driver.
package store

import (
	"errors"
	"fmt"

	"mindbridge/internal/store/sqlite"
	"mindbridge/internal/store/supabase"
	"mindbridge/pkg/database"
	"mindbridge/pkg/interfaces"
)

// Driver names a backing store implementation.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverSupabase Driver = "supabase"
)

var (
	ErrInvalidDriver = errors.New("invalid store driver")
	ErrInvalidConfig = errors.New("invalid store configuration")
)

type options struct {
	sqlite   *database.Config
	supabase *supabase.Config
}

type Option func(*options)

// WithSQLite supplies the sqlite settings. Defaults apply when omitted.
func WithSQLite(cfg *database.Config) Option {
	return func(o *options) { o.sqlite = cfg }
}

// WithSupabase supplies the Supabase settings, required for DriverSupabase.
func WithSupabase(cfg supabase.Config) Option {
	return func(o *options) { o.supabase = &cfg }
}

// New opens the store for driver.
func New(driver Driver, opts ...Option) (interfaces.Store, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch driver {
	case DriverSQLite, "":
		cfg := o.sqlite
		if cfg == nil {
			cfg = database.DefaultConfig()
		}
		return sqlite.Open(cfg)

	case DriverSupabase:
		if o.supabase == nil {
			return nil, fmt.Errorf("%w: supabase settings missing", ErrInvalidConfig)
		}
		return supabase.New(*o.supabase)

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}
}

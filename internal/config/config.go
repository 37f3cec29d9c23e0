// Package config loads runtime settings from defaults, an optional config
// file and MINDBRIDGE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"mindbridge/internal/store/supabase"
	"mindbridge/pkg/database"
)

const EnvPrefix = "MINDBRIDGE"

type Config struct {
	HTTP           HTTPConfig           `mapstructure:"http"`
	WebSocket      WebSocketConfig      `mapstructure:"websocket"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Availability   AvailabilityConfig   `mapstructure:"availability"`
	Heartbeat      HeartbeatConfig      `mapstructure:"heartbeat"`
	SessionRequest SessionRequestConfig `mapstructure:"session_request"`
	Log            LogConfig            `mapstructure:"log"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for net/http.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PongWait        time.Duration `mapstructure:"pong_wait"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	FramesPerMinute int           `mapstructure:"frames_per_minute"`
	Burst           int           `mapstructure:"burst"`
	LimiterIdle     time.Duration `mapstructure:"limiter_idle"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver   string          `mapstructure:"driver"`
	SQLite   database.Config `mapstructure:"sqlite"`
	Supabase supabase.Config `mapstructure:"supabase"`
}

type CacheConfig struct {
	Driver        string        `mapstructure:"driver"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Namespace     string        `mapstructure:"namespace"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type AvailabilityConfig struct {
	AvailableTTL time.Duration `mapstructure:"available_ttl"`
	OnlineTTL    time.Duration `mapstructure:"online_ttl"`
	RealtimeTTL  time.Duration `mapstructure:"realtime_ttl"`
	StatsTTL     time.Duration `mapstructure:"stats_ttl"`
}

type HeartbeatConfig struct {
	MinInterval   time.Duration `mapstructure:"min_interval"`
	StaleWindow   time.Duration `mapstructure:"stale_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SessionRequestConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PongWait:        60 * time.Second,
			PingInterval:    30 * time.Second,
			MaxMessageBytes: 128 * 1024,
			FramesPerMinute: 100,
			Burst:           20,
			LimiterIdle:     10 * time.Minute,
			AllowedOrigins:  []string{},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: *database.DefaultConfig(),
		},
		Cache: CacheConfig{
			Driver:        "memory",
			DefaultTTL:    time.Minute,
			SweepInterval: 30 * time.Second,
			Namespace:     "mindbridge:cache:",
			RedisAddr:     "localhost:6379",
		},
		Availability: AvailabilityConfig{
			AvailableTTL: 60 * time.Second,
			OnlineTTL:    30 * time.Second,
			RealtimeTTL:  15 * time.Second,
			StatsTTL:     5 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			MinInterval:   15 * time.Second,
			StaleWindow:   90 * time.Second,
			SweepInterval: 15 * time.Second,
		},
		SessionRequest: SessionRequestConfig{
			Timeout:       2 * time.Minute,
			SweepInterval: 5 * time.Second,
			Retention:     10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path when given, otherwise looks for mindbridge.{toml,yaml,json}
// in the working directory and /etc/mindbridge. A missing default file is not
// an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	walk(reflect.ValueOf(DefaultConfig()).Elem(), "", func(key string, val any) {
		v.SetDefault(key, val)
	})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mindbridge")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mindbridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}

	if c.WebSocket.PongWait <= 0 {
		return errors.New("websocket pong wait must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return errors.New("websocket ping interval must be positive and shorter than pong wait")
	}
	if c.WebSocket.FramesPerMinute <= 0 || c.WebSocket.Burst <= 0 {
		return errors.New("websocket rate limit must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if err := c.Database.SQLite.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case "supabase":
		if err := c.Database.Supabase.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.New("cache default ttl must be positive")
	}

	a := c.Availability
	if a.AvailableTTL <= 0 || a.OnlineTTL <= 0 || a.RealtimeTTL <= 0 || a.StatsTTL <= 0 {
		return errors.New("availability ttls must be positive")
	}

	h := c.Heartbeat
	if h.MinInterval <= 0 || h.SweepInterval <= 0 {
		return errors.New("heartbeat intervals must be positive")
	}
	if h.StaleWindow <= h.MinInterval {
		return errors.New("heartbeat stale window must exceed the minimum interval")
	}

	s := c.SessionRequest
	if s.Timeout <= 0 || s.SweepInterval <= 0 || s.Retention <= 0 {
		return errors.New("session request timings must be positive")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if !slices.Contains([]string{"json", "text"}, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// TOML renders the effective configuration with durations as strings and the
// Supabase API key redacted.
func (c *Config) TOML() ([]byte, error) {
	root := map[string]any{}
	walk(reflect.ValueOf(c).Elem(), "", func(key string, val any) {
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		if key == "database.supabase.api_key" && val != "" {
			val = "<redacted>"
		}
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = val
	})
	return toml.Marshal(root)
}

// walk visits every leaf field of a config struct under its dotted
// mapstructure key.
func walk(v reflect.Value, prefix string, fn func(key string, val any)) {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			walk(fv, key, fn)
			continue
		}
		fn(key, fv.Interface())
	}
}

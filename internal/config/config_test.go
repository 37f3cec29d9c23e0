package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, 60*time.Second, cfg.Availability.AvailableTTL)
	assert.Equal(t, 30*time.Second, cfg.Availability.OnlineTTL)
	assert.Equal(t, 15*time.Second, cfg.Availability.RealtimeTTL)
	assert.Equal(t, 5*time.Minute, cfg.Availability.StatsTTL)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.MinInterval)
	assert.Equal(t, 90*time.Second, cfg.Heartbeat.StaleWindow)
	assert.Equal(t, 2*time.Minute, cfg.SessionRequest.Timeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./data/mindbridge.db", cfg.Database.SQLite.DatabasePath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"ping not shorter than pong", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.PongWait }},
		{"zero frame budget", func(c *Config) { c.WebSocket.FramesPerMinute = 0 }},
		{"unknown database driver", func(c *Config) { c.Database.Driver = "mongo" }},
		{"sqlite without path", func(c *Config) { c.Database.SQLite.DatabasePath = "" }},
		{"supabase without url", func(c *Config) { c.Database.Driver = "supabase" }},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Driver = "redis"; c.Cache.RedisAddr = "" }},
		{"zero view ttl", func(c *Config) { c.Availability.RealtimeTTL = 0 }},
		{"stale window below interval", func(c *Config) { c.Heartbeat.StaleWindow = 10 * time.Second }},
		{"zero request timeout", func(c *Config) { c.SessionRequest.Timeout = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	want := DefaultConfig()
	assert.Equal(t, want.HTTP, cfg.HTTP)
	assert.Equal(t, want.Availability, cfg.Availability)
	assert.Equal(t, want.Heartbeat, cfg.Heartbeat)
	assert.Equal(t, want.SessionRequest, cfg.SessionRequest)
	assert.Equal(t, want.Database.SQLite, cfg.Database.SQLite)
	assert.Equal(t, want.Cache, cfg.Cache)
	assert.Equal(t, want.Log, cfg.Log)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "mindbridge.toml", `
[http]
port = 9000

[availability]
online_ttl = "10s"

[heartbeat]
stale_window = "2m"

[database]
driver = "supabase"

[database.supabase]
url = "https://example.supabase.co"
api_key = "secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, 10*time.Second, cfg.Availability.OnlineTTL)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.StaleWindow)
	assert.Equal(t, "supabase", cfg.Database.Driver)
	assert.Equal(t, "https://example.supabase.co", cfg.Database.Supabase.URL)
	assert.Equal(t, 60*time.Second, cfg.Availability.AvailableTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "mindbridge.yaml", "http:\n  port: 9000\nlog:\n  level: debug\n")
	t.Setenv("MINDBRIDGE_HTTP_PORT", "9100")
	t.Setenv("MINDBRIDGE_SESSION_REQUEST_TIMEOUT", "45s")
	t.Setenv("MINDBRIDGE_DATABASE_SQLITE_PATH", "/tmp/other.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.SessionRequest.Timeout)
	assert.Equal(t, "/tmp/other.db", cfg.Database.SQLite.DatabasePath)
}

func TestLoad_EnvSlice(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MINDBRIDGE_WEBSOCKET_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebSocket.AllowedOrigins)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := writeFile(t, "mindbridge.json", `{"cache": {"driver": "memcached"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memcached")
}

func TestTOML_RendersDurationsAndRedacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Supabase.APIKey = "super-secret"

	out, err := cfg.TOML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")

	var decoded map[string]any
	require.NoError(t, toml.Unmarshal(out, &decoded))

	heartbeat := decoded["heartbeat"].(map[string]any)
	assert.Equal(t, "1m30s", heartbeat["stale_window"])

	db := decoded["database"].(map[string]any)
	sb := db["supabase"].(map[string]any)
	assert.Equal(t, "<redacted>", sb["api_key"])
	sqlite := db["sqlite"].(map[string]any)
	assert.Equal(t, "./data/mindbridge.db", sqlite["path"])
}

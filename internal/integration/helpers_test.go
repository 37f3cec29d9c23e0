// Package integration drives a fully wired server over real sockets.
package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mindbridge/internal/app"
	"mindbridge/internal/config"
	"mindbridge/internal/store/sqlite"
	"mindbridge/pkg/client"
	"mindbridge/pkg/types"
)

const (
	wait = 3 * time.Second
	tick = 20 * time.Millisecond
)

type server struct {
	app   *app.Application
	url   string
	store *sqlite.Store
}

// freePort asks the kernel for an unused port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Database.SQLite.DatabasePath = filepath.Join(t.TempDir(), "integration.db")
	cfg.Database.SQLite.WriteRetryDelay = 0
	cfg.Log.Level = "error"
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, seed ...types.Therapist) *server {
	t.Helper()

	st, err := sqlite.Open(&cfg.Database.SQLite)
	require.NoError(t, err)
	for i := range seed {
		require.NoError(t, st.UpsertTherapist(context.Background(), &seed[i]), "seed %s", seed[i].ID)
	}

	a, err := app.NewWithStore(cfg, st)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Stop(ctx); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
	})
	return &server{app: a, url: "http://" + a.Addr(), store: st}
}

func (s *server) connect(t *testing.T, identity string, role types.Role) *client.Client {
	t.Helper()
	c := client.New(s.url, identity, role, 0)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err := c.Connect(ctx)
	require.NoError(t, err, "connect %s", identity)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fetchJSON decodes a GET response into v without touching t, so it is
// safe inside Eventually conditions.
func (s *server) fetchJSON(path string, v any) (int, error) {
	resp, err := http.Get(s.url + path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(v)
}

func (s *server) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	code, err := s.fetchJSON(path, v)
	require.NoError(t, err, "GET %s", path)
	return code
}

// goOnline toggles a therapist online and waits for the ack.
func goOnline(t *testing.T, c *client.Client) {
	t.Helper()
	ref, err := c.GoOnline()
	require.NoError(t, err)
	_, err = c.Reply(ref, wait)
	require.NoError(t, err, "GoOnline rejected")
}

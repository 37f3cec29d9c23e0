package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept", "identity", "T1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "T1", rec["identity"])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "text").Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestLoggerFromContextAddsRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.NotSame(t, Logger(), LoggerFromContext(ctx))
	assert.Same(t, Logger(), LoggerFromContext(context.Background()))
}

package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"DEBUG", LevelDebug},
		{"WARNING", LevelWarn},
		{"Error", LevelError},
		{"dEbUg", LevelDebug},
		{"", LevelInfo},
		{"trace", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
	}{
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"Json", FormatJSON},
		{"text", FormatText},
		{"", FormatText},
		{"yaml", FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseFormat(tt.input))
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})

	log.Debug("route registered", "service", "pricing")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "route registered", rec["msg"])
	assert.Equal(t, "pricing", rec["service"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: LevelError}),
	)
	log := slog.New(h).With("component", "sweeper")

	log.Info("sweep complete")

	assert.Contains(t, a.String(), "sweep complete")
	assert.Contains(t, a.String(), "component=sweeper")
	assert.Empty(t, b.String())
}

func TestLokiHandler_FlushSharedAcrossDerivedHandlers(t *testing.T) {
	var (
		mu     sync.Mutex
		pushes []lokiPush
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p lokiPush
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		pushes = append(pushes, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewLokiHandler(srv.URL, WithLokiLabels(map[string]string{"env": "test"}))
	log := slog.New(h)
	log.With("service", "pricing").Info("registered")
	log.Info("plain")

	require.NoError(t, h.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Streams, 1)
	assert.Equal(t, "test", pushes[0].Streams[0].Stream["env"])
	assert.Equal(t, "rpcgate", pushes[0].Streams[0].Stream["job"])
	assert.Len(t, pushes[0].Streams[0].Values, 2)
}

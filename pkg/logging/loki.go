package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const lokiFlushInterval = 5 * time.Second

// LokiHandler is a slog.Handler that batches records and pushes them to Loki.
// Handlers derived through WithAttrs/WithGroup share one batch and flush loop.
type LokiHandler struct {
	sink   *lokiSink
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// lokiSink owns the batch and the HTTP client shared by derived handlers.
type lokiSink struct {
	url        string
	labels     map[string]string
	client     *http.Client
	batchSize  int
	mu         sync.Mutex
	batch      []lokiEntry
	flushTimer *time.Timer
}

type lokiEntry struct {
	timestamp time.Time
	line      string
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// LokiOption configures a LokiHandler.
type LokiOption func(*LokiHandler)

// WithLokiLabels sets additional stream labels.
func WithLokiLabels(labels map[string]string) LokiOption {
	return func(h *LokiHandler) {
		for k, v := range labels {
			h.sink.labels[k] = v
		}
	}
}

// WithLokiLevel sets the minimum log level.
func WithLokiLevel(level slog.Level) LokiOption {
	return func(h *LokiHandler) {
		h.level = level
	}
}

// WithLokiBatchSize sets the number of buffered records that triggers a flush.
func WithLokiBatchSize(size int) LokiOption {
	return func(h *LokiHandler) {
		if size > 0 {
			h.sink.batchSize = size
		}
	}
}

// WithLokiClient replaces the HTTP client used for pushes.
func WithLokiClient(client *http.Client) LokiOption {
	return func(h *LokiHandler) {
		if client != nil {
			h.sink.client = client
		}
	}
}

// NewLokiHandler creates a handler pushing to url
// (e.g. "http://localhost:3100/loki/api/v1/push").
func NewLokiHandler(url string, opts ...LokiOption) *LokiHandler {
	h := &LokiHandler{
		sink: &lokiSink{
			url:       url,
			labels:    map[string]string{"job": "rpcgate"},
			client:    &http.Client{Timeout: 5 * time.Second},
			batchSize: 100,
		},
		level: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(h)
	}

	s := h.sink
	s.flushTimer = time.AfterFunc(lokiFlushInterval, func() {
		_ = s.flush()
		s.flushTimer.Reset(lokiFlushInterval)
	})
	return h
}

// Enabled implements slog.Handler.
func (h *LokiHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *LokiHandler) Handle(_ context.Context, r slog.Record) error {
	line := h.formatRecord(r)

	s := h.sink
	s.mu.Lock()
	s.batch = append(s.batch, lokiEntry{timestamp: r.Time, line: line})
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		go func() { _ = s.flush() }()
	}
	return nil
}

func (h *LokiHandler) formatRecord(r slog.Record) string {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time.Format(time.RFC3339Nano),
	}
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[prefix+a.Key] = a.Value.Any()
		return true
	})

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf(`{"msg":%q,"marshalError":%q}`, r.Message, err.Error())
	}
	return string(b)
}

// WithAttrs implements slog.Handler.
func (h *LokiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LokiHandler{
		sink:   h.sink,
		level:  h.level,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *LokiHandler) WithGroup(name string) slog.Handler {
	return &LokiHandler{
		sink:   h.sink,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}

// Flush sends all buffered records to Loki.
func (h *LokiHandler) Flush() error {
	return h.sink.flush()
}

// Close stops the flush loop and pushes the remaining records.
func (h *LokiHandler) Close() error {
	if h.sink.flushTimer != nil {
		h.sink.flushTimer.Stop()
	}
	return h.sink.flush()
}

func (s *lokiSink) flush() error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()

	values := make([][]string, len(batch))
	for i, entry := range batch {
		values[i] = []string{strconv.FormatInt(entry.timestamp.UnixNano(), 10), entry.line}
	}

	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: s.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("failed to marshal loki push: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logs to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}

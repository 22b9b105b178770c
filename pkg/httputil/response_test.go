package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	t.Run("writes JSON with correct content type", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()

		WriteJSON(rec, http.StatusOK, map[string]string{"foo": "bar"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var result map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "bar", result["foo"])
	})

	t.Run("handles nil data", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()

		WriteJSON(rec, http.StatusNoContent, nil)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
	})
}

func TestWriteRawJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteRawJSON(rec, http.StatusOK, []byte(`{"sku":"A"}`))
	assert.JSONEq(t, `{"sku":"A"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteRawJSON(rec, http.StatusOK, nil)
	assert.Equal(t, "{}", rec.Body.String())
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "INVALID_REQUEST", "name is required")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"INVALID_REQUEST","message":"name is required"}`, rec.Body.String())
}

func TestWriteErrorBody(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteErrorBody(rec, http.StatusServiceUnavailable, ErrorBody{
		Error:     "SERVICE_UNAVAILABLE",
		Message:   "backend unreachable",
		Retryable: true,
		Details:   []any{map[string]any{"@type": "x"}},
	})

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, true, result["retryable"])
	assert.Len(t, result["details"], 1)
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{name: "valid", body: `{"name":"pricing"}`, limit: 1024},
		{name: "empty", body: "  ", limit: 1024, wantErr: ErrEmptyBody},
		{name: "malformed", body: `{"name":`, limit: 1024, wantErr: ErrInvalidJSON},
		{name: "unknown field", body: `{"nmae":"x"}`, limit: 1024, wantErr: ErrInvalidJSON},
		{name: "too large", body: `{"name":"pricing"}`, limit: 4, wantErr: ErrBodyTooLarge},
		{name: "no limit", body: `{"name":"pricing"}`, limit: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSON(req, tt.limit, &p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "pricing", p.Name)
		})
	}
}

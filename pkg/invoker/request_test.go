package invoker

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", json.Number("42")},
		{"-3.5", json.Number("-3.5")},
		{"1e10", json.Number("1e10")},
		{"true", true},
		{"FALSE", false},
		{"007", "007"},
		{"12abc", "12abc"},
		{"", ""},
		{"hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff(tt.in))
		})
	}
}

func TestCamelToSnake(t *testing.T) {
	tests := map[string]string{
		"pageSize":        "page_size",
		"includeInactive": "include_inactive",
		"sku":             "sku",
		"already_snake":   "already_snake",
		"HTTPStatus":      "http_status",
		"userID":          "user_id",
		"v2Items":         "v2_items",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, CamelToSnake(in))
		})
	}
}

func TestMergeParams_PathVariablesWin(t *testing.T) {
	q := url.Values{"sku": {"from-query"}, "page": {"2"}, "empty": {}}
	got := MergeParams(q, map[string]string{"sku": "from-path"})

	assert.Equal(t, []string{"from-path"}, got["sku"])
	assert.Equal(t, []string{"2"}, got["page"])
	assert.NotContains(t, got, "empty")
}

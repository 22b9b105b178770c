package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPath(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact", "/api/widgets", "/api/widgets", true},
		{"exact trailing slash", "/api/widgets", "/api/widgets/", true},
		{"exact mismatch", "/api/widgets", "/api/gadgets", false},
		{"variable", "/widgets/{id}", "/widgets/42", true},
		{"variable too many segments", "/widgets/{id}", "/widgets/42/parts", false},
		{"variable too few segments", "/widgets/{id}", "/widgets", false},
		{"variable empty segment", "/widgets/{id}/parts", "/widgets//parts", false},
		{"two variables", "/users/{uid}/orders/{oid}", "/users/7/orders/9", true},
		{"literal after variable mismatch", "/users/{uid}/orders", "/users/7/carts", false},
		{"wildcard root", "/files/*", "/files", true},
		{"wildcard one", "/files/*", "/files/a", true},
		{"wildcard deep", "/files/**", "/files/a/b/c", true},
		{"wildcard prefix mismatch", "/files/*", "/filesystem/a", false},
		{"named wildcard", "/files/{rest...}", "/files/a/b", true},
		{"invalid template", "/files/{", "/files/{", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPath(tt.pattern, tt.path))
		})
	}
}

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    map[string]string
	}{
		{"single", "/widgets/{id}", "/widgets/42", map[string]string{"id": "42"}},
		{"pricing sku", "/api/pricing/{sku}", "/api/pricing/ABC123", map[string]string{"sku": "ABC123"}},
		{"two", "/users/{uid}/orders/{oid}", "/users/7/orders/9", map[string]string{"uid": "7", "oid": "9"}},
		{"named wildcard", "/files/{rest...}", "/files/a/b", map[string]string{"rest": "a/b"}},
		{"anonymous wildcard", "/files/*", "/files/a/b", map[string]string{}},
		{"no match", "/widgets/{id}", "/gadgets/42", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractVariables(tt.pattern, tt.path))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		pattern string
		want    error
	}{
		{"", ErrEmptyTemplate},
		{"widgets/{id}", ErrNotAbsolute},
		{"/widgets/{}", ErrBadVariable},
		{"/widgets/{1id}", ErrBadVariable},
		{"/widgets/x{id}", ErrBadVariable},
		{"/a/{id}/b/{id}", ErrDuplicateVariable},
		{"/files/*/meta", ErrWildcardPosition},
		{"/files/{rest...}/meta", ErrWildcardPosition},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			_, err := Compile(tt.pattern)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTemplate_Variables(t *testing.T) {
	tmpl := MustCompile("/users/{uid}/files/{path...}")
	assert.Equal(t, []string{"uid", "path"}, tmpl.Variables())
	assert.Equal(t, "/users/{uid}/files/{path...}", tmpl.String())

	vars, ok := tmpl.Match("/users/u1/files/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "docs/a.txt", vars["path"])
}

func TestIsTemplate(t *testing.T) {
	assert.False(t, IsTemplate("/api/widgets"))
	assert.True(t, IsTemplate("/api/widgets/{id}"))
	assert.True(t, IsTemplate("/files/*"))
}

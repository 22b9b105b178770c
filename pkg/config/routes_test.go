package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pricingRoutes = `
name: pricing
host: localhost
port: 50051
routes:
  - httpMethod: GET
    path: /prices/{sku}
    targetService: pricing.PricingService
    targetMethod: GetPrice
`

func TestLoadStaticRoutes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "routes/pricing.yaml", pricingRoutes)
	writeFile(t, dir, "routes/nested/deep/users.json", `[
		{"name": "users", "host": "users", "port": 9000, "routes": [
			{"httpMethod": "GET", "path": "/users/{id}", "targetService": "users.UserService", "targetMethod": "GetUser"}
		]},
		{"name": "orders", "host": "orders", "port": 9001, "routes": []}
	]`)
	writeFile(t, dir, "routes/README.md", "not a route file")

	defs, err := LoadStaticRoutes(dir, []string{"routes/**/*.yaml", "routes/**/*.json"})
	require.NoError(t, err)
	require.Len(t, defs, 3)

	byName := map[string]int{}
	for i, d := range defs {
		byName[d.Name] = i
	}
	require.Contains(t, byName, "pricing")
	pricing := defs[byName["pricing"]]
	assert.Equal(t, 50051, pricing.Port)
	require.Len(t, pricing.Routes, 1)
	assert.Equal(t, "/prices/{sku}", pricing.Routes[0].Path)
	assert.Equal(t, "GetPrice", pricing.Routes[0].TargetMethod)

	assert.Contains(t, byName, "users")
	assert.Contains(t, byName, "orders")
}

func TestExpandRouteGlobs_Dedup(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", pricingRoutes)
	b := writeFile(t, dir, "sub/b.yaml", pricingRoutes)

	files, err := ExpandRouteGlobs(dir, []string{"*.yaml", "**/*.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, files)
}

func TestExpandRouteGlobs_AbsolutePattern(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yml", pricingRoutes)

	files, err := ExpandRouteGlobs("/elsewhere", []string{filepath.Join(dir, "*.yml")})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, files)
}

func TestLoadStaticRoutes_LaterFileWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1.yaml", pricingRoutes)
	writeFile(t, dir, "2.yaml", "name: pricing\nhost: other\nport: 6000\nroutes: []\n")

	defs, err := LoadStaticRoutes(dir, []string{"*.yaml"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "other", defs[0].Host)
}

func TestLoadRouteFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRouteFile(writeFile(t, dir, "empty.yaml", ""))
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = LoadRouteFile(writeFile(t, dir, "bad.json", "{"))
	assert.Error(t, err)

	_, err = LoadRouteFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadStaticRoutes(dir, []string{"[unclosed"})
	assert.Error(t, err)
}

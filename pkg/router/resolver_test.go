package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/rpcgate/internal/storage"
	"github.com/getmockd/rpcgate/pkg/registry"
)

type stubCache struct {
	entries map[string]*registry.ResolvedRoute
	err     error
	gets    int
}

func (c *stubCache) Get(_ context.Context, key string) (*registry.ResolvedRoute, error) {
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	return c.entries[key], nil
}

func (c *stubCache) ReplaceAll(context.Context, map[string]*registry.ResolvedRoute) error { return nil }

func (c *stubCache) Delete(context.Context, ...string) error { return nil }

func newTestRegistry(t *testing.T, opts ...registry.Option) *registry.Registry {
	t.Helper()
	reg := registry.New(storage.NewMemoryBackend(), opts...)
	require.NoError(t, reg.LoadAll(context.Background()))
	return reg
}

func register(t *testing.T, reg *registry.Registry, name string, routes ...registry.RouteDefinition) {
	t.Helper()
	_, err := reg.RegisterService(context.Background(), registry.ServiceDefinition{
		Name: name, Host: "localhost", Port: 9090, Routes: routes,
	})
	require.NoError(t, err)
}

func route(method, path, method2 string) registry.RouteDefinition {
	return registry.RouteDefinition{HTTPMethod: method, Path: path, TargetService: "demo.Widgets", TargetMethod: method2}
}

func TestResolve_Pattern(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "widgets", route("GET", "/widgets/{id}", "GetWidget"))
	r := New(reg, nil)

	rr, ok := r.Resolve(context.Background(), "GET", "/widgets/42")
	require.True(t, ok)
	assert.Equal(t, "GetWidget", rr.Route.TargetMethod)
	assert.Equal(t, map[string]string{"id": "42"}, rr.Variables)
	assert.Equal(t, map[string]string{"id": "42"}, ExtractVariables("/widgets/{id}", "/widgets/42"))

	_, ok = r.Resolve(context.Background(), "GET", "/widgets/42/parts")
	assert.False(t, ok, "segment count must match")

	_, ok = r.Resolve(context.Background(), "POST", "/widgets/42")
	assert.False(t, ok, "method must match")
}

func TestResolve_ExactBeatsPattern(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "widgets", route("GET", "/widgets/{id}", "GetWidget"))
	register(t, reg, "special", route("GET", "/widgets/featured", "Featured"))
	r := New(reg, nil)

	rr, ok := r.Resolve(context.Background(), "GET", "/widgets/featured")
	require.True(t, ok)
	assert.Equal(t, "Featured", rr.Route.TargetMethod)
	assert.Empty(t, rr.Variables)
}

func TestResolve_FirstPatternWins(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "widgets",
		route("GET", "/things/{kind}/{id}", "First"),
		route("GET", "/things/widgets/{id}", "Second"),
	)
	r := New(reg, nil)

	for i := 0; i < 10; i++ {
		rr, ok := r.Resolve(context.Background(), "get", "/things/widgets/7/")
		require.True(t, ok)
		assert.Equal(t, "First", rr.Route.TargetMethod)
	}
}

func TestResolve_ReorderedRegistrationChangesWinner(t *testing.T) {
	reg := newTestRegistry(t)
	byID := route("GET", "/w/{id}", "ById")
	byName := route("GET", "/w/{name}", "ByName")
	register(t, reg, "widgets", byID, byName)
	r := New(reg, nil)

	rr, ok := r.Resolve(context.Background(), "GET", "/w/42")
	require.True(t, ok)
	assert.Equal(t, "ById", rr.Route.TargetMethod)

	res, err := reg.RegisterService(context.Background(), registry.ServiceDefinition{
		Name: "widgets", Host: "localhost", Port: 9090,
		Routes: []registry.RouteDefinition{byName, byID},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RoutesRegistered)
	assert.Equal(t, 2, res.RoutesSkipped)

	rr, ok = r.Resolve(context.Background(), "GET", "/w/42")
	require.True(t, ok)
	assert.Equal(t, "ByName", rr.Route.TargetMethod)

	// Order must survive a reload from the backend.
	require.NoError(t, reg.LoadAll(context.Background()))
	rr, ok = r.Resolve(context.Background(), "GET", "/w/42")
	require.True(t, ok)
	assert.Equal(t, "ByName", rr.Route.TargetMethod)
}

func TestResolve_VariablesNotShared(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "widgets", route("GET", "/widgets/{id}", "GetWidget"))
	r := New(reg, nil)

	a, _ := r.Resolve(context.Background(), "GET", "/widgets/1")
	b, _ := r.Resolve(context.Background(), "GET", "/widgets/2")
	assert.Equal(t, "1", a.Variables["id"])
	assert.Equal(t, "2", b.Variables["id"])
}

func TestResolve_DistributedCacheRepopulates(t *testing.T) {
	cache := &stubCache{entries: map[string]*registry.ResolvedRoute{}}
	reg := newTestRegistry(t, registry.WithRouteCache(cache))
	r := New(reg, nil)

	cache.entries["GET:/remote"] = &registry.ResolvedRoute{
		Route:   registry.RouteDefinition{HTTPMethod: "GET", Path: "/remote", TargetService: "r.Remote", TargetMethod: "Get"},
		Service: registry.ServiceRegistration{Name: "remote", Host: "10.0.0.5", Port: 9000, Active: true},
	}

	rr, ok := r.Resolve(context.Background(), "GET", "/remote")
	require.True(t, ok)
	assert.Equal(t, "remote", rr.Service.Name)
	assert.Equal(t, 1, cache.gets)

	rr, ok = r.Resolve(context.Background(), "GET", "/remote")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:9000", rr.Service.Endpoint())
	assert.Equal(t, 1, cache.gets, "second lookup served from the local mirror")
}

func TestResolve_NotFound(t *testing.T) {
	cache := &stubCache{err: errors.New("redis down")}
	reg := newTestRegistry(t, registry.WithRouteCache(cache))
	r := New(reg, nil)

	_, ok := r.Resolve(context.Background(), "GET", "/nothing")
	assert.False(t, ok)
}

func TestResolve_InactiveServiceStopsResolving(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	register(t, reg, "widgets", route("GET", "/widgets/{id}", "GetWidget"))
	r := New(reg, nil)

	_, ok := r.Resolve(ctx, "GET", "/widgets/1")
	require.True(t, ok)

	_, err := reg.UnregisterService(ctx, "widgets")
	require.NoError(t, err)
	_, ok = r.Resolve(ctx, "GET", "/widgets/1")
	assert.False(t, ok)
}

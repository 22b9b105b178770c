package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/rpcgate/internal/storage"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCache struct {
	mu       sync.Mutex
	entries  map[string]*registry.ResolvedRoute
	replaces int
}

func (c *fakeCache) Get(_ context.Context, key string) (*registry.ResolvedRoute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *fakeCache) ReplaceAll(_ context.Context, routes map[string]*registry.ResolvedRoute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = routes
	c.replaces++
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func pricingDefinition() registry.ServiceDefinition {
	return registry.ServiceDefinition{
		Name: "pricing",
		Host: "localhost",
		Port: 9090,
		Routes: []registry.RouteDefinition{
			{HTTPMethod: "GET", Path: "/api/pricing/{sku}", TargetService: "pricing.PricingService", TargetMethod: "GetPrice"},
			{HTTPMethod: "POST", Path: "/api/pricing", TargetService: "pricing.PricingService", TargetMethod: "SetPrice"},
			{HTTPMethod: "GET", Path: "/api/pricing", TargetService: "pricing.PricingService", TargetMethod: "ListPrices"},
		},
	}
}

func newRegistry(t *testing.T, opts ...registry.Option) (*registry.Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]registry.Option{registry.WithClock(clock.Now)}, opts...)
	reg := registry.New(storage.NewMemoryBackend(), opts...)
	require.NoError(t, reg.LoadAll(context.Background()))
	return reg, clock
}

func TestRegisterService_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	first, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, 3, first.RoutesRegistered)
	assert.Equal(t, 0, first.RoutesSkipped)
	assert.NotEmpty(t, first.ServiceID)

	second, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	assert.Equal(t, 0, second.RoutesRegistered)
	assert.Equal(t, 3, second.RoutesSkipped)
	assert.Equal(t, first.ServiceID, second.ServiceID)
}

func TestRegisterService_OneChangedRoute(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)

	def := pricingDefinition()
	def.Routes[1].TargetMethod = "UpdatePrice"
	res, err := reg.RegisterService(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RoutesRegistered)
	assert.Equal(t, 2, res.RoutesSkipped)

	snap := reg.Snapshot()
	rr, ok := snap.Exact("POST:/api/pricing")
	require.True(t, ok)
	assert.Equal(t, "UpdatePrice", rr.Route.TargetMethod)
}

func TestRegisterService_AdvisoryFieldsDoNotChangeHash(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)

	def := pricingDefinition()
	def.Routes[0].RequestType = "pricing.GetPriceRequest"
	def.Routes[0].Roles = []string{"admin"}
	res, err := reg.RegisterService(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RoutesRegistered)
}

func TestRegisterService_RefreshesConnectionMetadata(t *testing.T) {
	ctx := context.Background()
	var events []registry.Event
	reg, _ := newRegistry(t, registry.WithObserver(registry.ObserverFunc(func(_ context.Context, ev registry.Event) {
		events = append(events, ev)
	})))

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)

	def := pricingDefinition()
	def.Port = 9191
	res, err := reg.RegisterService(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RoutesRegistered)

	svc, err := reg.GetService(ctx, "pricing")
	require.NoError(t, err)
	assert.Equal(t, 9191, svc.Port)

	rr, ok := reg.Snapshot().Exact("GET:/api/pricing")
	require.True(t, ok)
	assert.Equal(t, "localhost:9191", rr.Service.Endpoint())

	require.Len(t, events, 2)
	assert.False(t, events[0].EndpointChanged)
	assert.True(t, events[1].EndpointChanged)
	require.NotNil(t, events[1].Previous)
	assert.Equal(t, 9090, events[1].Previous.Port)
}

func TestRegisterService_Invalid(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	tests := []struct {
		name   string
		mutate func(*registry.ServiceDefinition)
	}{
		{"missing name", func(d *registry.ServiceDefinition) { d.Name = "" }},
		{"bad port", func(d *registry.ServiceDefinition) { d.Port = 0 }},
		{"bad protocol", func(d *registry.ServiceDefinition) { d.Protocol = "soap" }},
		{"bad method", func(d *registry.ServiceDefinition) { d.Routes[0].HTTPMethod = "FETCH" }},
		{"bad template", func(d *registry.ServiceDefinition) { d.Routes[0].Path = "/api/{id}/{id}" }},
		{"missing target", func(d *registry.ServiceDefinition) { d.Routes[0].TargetMethod = "" }},
		{"duplicate key", func(d *registry.ServiceDefinition) { d.Routes[2].HTTPMethod = "POST" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := pricingDefinition()
			tt.mutate(&def)
			_, err := reg.RegisterService(ctx, def)
			assert.ErrorIs(t, err, registry.ErrInvalidDefinition)
		})
	}
}

func TestRegisterService_NormalizesInput(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	def := pricingDefinition()
	def.Routes = []registry.RouteDefinition{
		{HTTPMethod: "get", Path: "/api/pricing/", TargetService: "pricing.PricingService", TargetMethod: "ListPrices"},
	}
	_, err := reg.RegisterService(ctx, def)
	require.NoError(t, err)

	_, ok := reg.Snapshot().Exact("GET:/api/pricing")
	assert.True(t, ok)
}

func TestUnregisterService(t *testing.T) {
	ctx := context.Background()
	cache := &fakeCache{}
	reg, _ := newRegistry(t, registry.WithRouteCache(cache))

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	assert.Len(t, cache.entries, 3)

	ok, err := reg.UnregisterService(ctx, "pricing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, reg.Snapshot().Len())
	assert.Empty(t, cache.entries)

	ok, err = reg.UnregisterService(ctx, "pricing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	ok, err := reg.Heartbeat(ctx, "pricing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	ok, err = reg.Heartbeat(ctx, "pricing")
	require.NoError(t, err)
	assert.True(t, ok)

	svc, err := reg.GetService(ctx, "pricing")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), svc.LastHeartbeat)
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	cache := &fakeCache{}
	reg, clock := newRegistry(t, registry.WithMetrics(m), registry.WithRouteCache(cache))

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	inventory := registry.ServiceDefinition{
		Name: "inventory", Host: "localhost", Port: 9091,
		Routes: []registry.RouteDefinition{
			{HTTPMethod: "GET", Path: "/api/stock/{sku}", TargetService: "inventory.StockService", TargetMethod: "GetStock"},
		},
	}
	_, err = reg.RegisterService(ctx, inventory)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Second)
		ok, err := reg.Heartbeat(ctx, "inventory")
		require.NoError(t, err)
		require.True(t, ok)
	}

	replacesBefore := cache.replaces
	n, err := reg.SweepStale(ctx, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, replacesBefore+1, cache.replaces)

	snap := reg.Snapshot()
	_, ok := snap.Service("pricing")
	assert.False(t, ok)
	_, ok = snap.Service("inventory")
	assert.True(t, ok)
	assert.Equal(t, 1, snap.Len())

	svc, err := reg.GetService(ctx, "pricing")
	require.NoError(t, err)
	assert.False(t, svc.Active)

	// Nothing stale: no reload.
	n, err = reg.SweepStale(ctx, 90*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, replacesBefore+1, cache.replaces)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepDeactivated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServicesActive))
}

func TestSweepStale_ReregistrationReactivates(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = reg.SweepStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, reg.Snapshot().Len())

	res, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	assert.Equal(t, 3, res.RoutesSkipped)
	assert.Equal(t, 3, reg.Snapshot().Len())
}

func TestCheckRoutes(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	def := pricingDefinition()
	checks := []registry.RouteCheck{
		{HTTPMethod: "GET", Path: "/api/pricing/{sku}", RouteHash: registry.ComputeHash(def.Routes[0])},
		{HTTPMethod: "POST", Path: "/api/pricing", RouteHash: "stale"},
	}

	res, err := reg.CheckRoutes(ctx, "pricing", checks)
	require.NoError(t, err)
	assert.Empty(t, res.UpToDate)
	assert.Len(t, res.NeedsRegistration, 2)

	_, err = reg.RegisterService(ctx, def)
	require.NoError(t, err)

	res, err = reg.CheckRoutes(ctx, "pricing", checks)
	require.NoError(t, err)
	require.Len(t, res.UpToDate, 1)
	assert.Equal(t, "/api/pricing/{sku}", res.UpToDate[0].Path)
	require.Len(t, res.NeedsRegistration, 1)
	assert.Equal(t, "POST", res.NeedsRegistration[0].HTTPMethod)
}

func TestListRoutes_RegistrationOrder(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = reg.RegisterService(ctx, registry.ServiceDefinition{
		Name: "alpha", Host: "localhost", Port: 9092,
		Routes: []registry.RouteDefinition{
			{HTTPMethod: "GET", Path: "/alpha", TargetService: "alpha.Alpha", TargetMethod: "Get"},
		},
	})
	require.NoError(t, err)

	routes := reg.ListRoutes()
	require.Len(t, routes, 4)
	assert.Equal(t, "pricing", routes[0].Service.Name)
	assert.Equal(t, "GET:/api/pricing/{sku}", routes[0].Route.Key())
	assert.Equal(t, "alpha", routes[3].Service.Name)

	services, err := reg.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 2)
}

func TestComputeHash(t *testing.T) {
	r := registry.RouteDefinition{HTTPMethod: "GET", Path: "/a/{id}", TargetService: "s.S", TargetMethod: "M"}
	h := registry.ComputeHash(r)
	assert.Len(t, h, 64)

	lower := r
	lower.HTTPMethod = "get"
	lower.Path = "/a/{id}/"
	assert.Equal(t, h, registry.ComputeHash(lower))

	public := r
	public.Public = true
	assert.NotEqual(t, h, registry.ComputeHash(public))
}

type failingBackend struct {
	*storage.MemoryBackend
}

func (failingBackend) DeactivateStale(context.Context, time.Time) ([]string, error) {
	return nil, errors.New("disk on fire")
}

func TestSweeper_SwallowsErrors(t *testing.T) {
	reg := registry.New(failingBackend{storage.NewMemoryBackend()})
	sw := registry.NewSweeper(reg, 10*time.Millisecond, time.Minute, nil)

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, sw.RunOnce(context.Background()))
	})

	sw.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sw.Stop()
	sw.Stop()
}

func TestSweeper_Deactivates(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)
	_, err := reg.RegisterService(ctx, pricingDefinition())
	require.NoError(t, err)

	sw := registry.NewSweeper(reg, time.Hour, 90*time.Second, nil)
	assert.Equal(t, 0, sw.RunOnce(ctx))

	clock.Advance(91 * time.Second)
	assert.Equal(t, 1, sw.RunOnce(ctx))
	assert.Equal(t, 0, reg.Snapshot().Len())
}

package gateway

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/rpcgate/internal/storage"
	"github.com/getmockd/rpcgate/internal/testbackend"
	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/invoker"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/notify"
	"github.com/getmockd/rpcgate/pkg/registry"
)

func startBackend(t *testing.T, tag string) (*testbackend.Server, string, int) {
	t.Helper()
	schema, err := testbackend.PricingSchema(context.Background())
	require.NoError(t, err)
	srv := testbackend.New(schema)
	srv.Handle(testbackend.GetPrice, func(_ context.Context, req map[string]any) (any, error) {
		return map[string]any{"sku": req["sku"], "tags": []any{tag}}, nil
	})
	addr, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, host, port
}

func pricingDef(host string, port int) registry.ServiceDefinition {
	return registry.ServiceDefinition{
		Name: "pricing",
		Host: host,
		Port: port,
		Routes: []registry.RouteDefinition{{
			HTTPMethod:    "GET",
			Path:          "/prices/{sku}",
			TargetService: testbackend.PricingService,
			TargetMethod:  "GetPrice",
		}},
	}
}

func newGateway(t *testing.T, backend registry.Backend, cfg Config) *Gateway {
	t.Helper()
	cfg.Invoker = invoker.DefaultOptions()
	g := New(cfg, Deps{
		Backend: backend,
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func get(t *testing.T, g *Gateway, path string) (map[string]any, error) {
	t.Helper()
	raw, err := g.Handle(context.Background(), "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out, nil
}

func TestHandle_EndToEnd(t *testing.T) {
	srv, host, port := startBackend(t, "a")
	g := newGateway(t, storage.NewMemoryBackend(), Config{})

	_, err := g.Registry().RegisterService(context.Background(), pricingDef(host, port))
	require.NoError(t, err)

	for range 3 {
		out, err := get(t, g, "/prices/ABC-1")
		require.NoError(t, err)
		assert.Equal(t, "ABC-1", out["sku"])
		assert.Equal(t, []any{"a"}, out["tags"])
	}
	assert.Equal(t, 3, srv.Calls(testbackend.GetPrice))
	assert.Equal(t, 1, srv.ReflectionStreams())
}

func TestHandle_RouteNotFound(t *testing.T) {
	g := newGateway(t, storage.NewMemoryBackend(), Config{})

	_, err := g.Handle(context.Background(), "GET", "/nothing", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrRouteNotFound)
}

func TestHandle_BackendUnavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	g := newGateway(t, storage.NewMemoryBackend(), Config{})
	_, err = g.Registry().RegisterService(context.Background(), pricingDef("127.0.0.1", port))
	require.NoError(t, err)

	_, err = get(t, g, "/prices/X")
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrServiceUnavailable)
}

func TestReRegistration_InvalidatesOldEndpoint(t *testing.T) {
	srvA, host, portA := startBackend(t, "a")
	srvB, _, portB := startBackend(t, "b")
	g := newGateway(t, storage.NewMemoryBackend(), Config{})
	ctx := context.Background()

	_, err := g.Registry().RegisterService(ctx, pricingDef(host, portA))
	require.NoError(t, err)
	out, err := get(t, g, "/prices/1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out["tags"])

	endpointA := net.JoinHostPort(host, strconv.Itoa(portA))
	assert.Equal(t, 1, g.Discovery().BindingCount(endpointA))

	_, err = g.Registry().RegisterService(ctx, pricingDef(host, portB))
	require.NoError(t, err)
	assert.Equal(t, 0, g.Discovery().BindingCount(endpointA))

	out, err = get(t, g, "/prices/1")
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out["tags"])
	assert.Equal(t, 1, srvA.Calls(testbackend.GetPrice))
	assert.Equal(t, 1, srvB.Calls(testbackend.GetPrice))
}

func TestReRegistration_SameEndpointKeepsBindings(t *testing.T) {
	_, host, port := startBackend(t, "a")
	g := newGateway(t, storage.NewMemoryBackend(), Config{})
	ctx := context.Background()

	_, err := g.Registry().RegisterService(ctx, pricingDef(host, port))
	require.NoError(t, err)
	_, err = get(t, g, "/prices/1")
	require.NoError(t, err)

	_, err = g.Registry().RegisterService(ctx, pricingDef(host, port))
	require.NoError(t, err)
	assert.Equal(t, 1, g.Discovery().BindingCount(net.JoinHostPort(host, strconv.Itoa(port))))
}

func TestUnregister_DropsRoutesAndBindings(t *testing.T) {
	_, host, port := startBackend(t, "a")
	g := newGateway(t, storage.NewMemoryBackend(), Config{})
	ctx := context.Background()

	_, err := g.Registry().RegisterService(ctx, pricingDef(host, port))
	require.NoError(t, err)
	_, err = get(t, g, "/prices/1")
	require.NoError(t, err)

	ok, err := g.Registry().UnregisterService(ctx, "pricing")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 0, g.Discovery().BindingCount(net.JoinHostPort(host, strconv.Itoa(port))))
	assert.Equal(t, 0, g.Pool().Len())
	_, err = get(t, g, "/prices/1")
	assert.ErrorIs(t, err, gwerr.ErrRouteNotFound)
}

func TestStart_RegistersStaticRoutes(t *testing.T) {
	_, host, port := startBackend(t, "static")
	g := newGateway(t, storage.NewMemoryBackend(), Config{
		StaticRoutes: []registry.ServiceDefinition{pricingDef(host, port)},
	})

	out, err := get(t, g, "/prices/S")
	require.NoError(t, err)
	assert.Equal(t, []any{"static"}, out["tags"])

	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyStarted)
}

func TestStart_LoadsPersistedRoutes(t *testing.T) {
	_, host, port := startBackend(t, "a")
	backend := storage.NewMemoryBackend()

	first := New(Config{Invoker: invoker.DefaultOptions()}, Deps{Backend: backend})
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })
	_, err := first.Registry().RegisterService(context.Background(), pricingDef(host, port))
	require.NoError(t, err)

	second := newGateway(t, backend, Config{})
	out, err := get(t, second, "/prices/P")
	require.NoError(t, err)
	assert.Equal(t, "P", out["sku"])
}

func TestPeerChange_ReloadsAndInvalidates(t *testing.T) {
	_, host, portA := startBackend(t, "a")
	_, _, portB := startBackend(t, "b")
	backend := storage.NewMemoryBackend()
	ctx := context.Background()

	writer := New(Config{Invoker: invoker.DefaultOptions()}, Deps{Backend: backend})
	require.NoError(t, writer.Start(ctx))
	t.Cleanup(func() { _ = writer.Shutdown(ctx) })
	_, err := writer.Registry().RegisterService(ctx, pricingDef(host, portA))
	require.NoError(t, err)

	reader := newGateway(t, backend, Config{})
	out, err := get(t, reader, "/prices/1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out["tags"])
	endpointA := net.JoinHostPort(host, strconv.Itoa(portA))
	require.Equal(t, 1, reader.Discovery().BindingCount(endpointA))

	_, err = writer.Registry().RegisterService(ctx, pricingDef(host, portB))
	require.NoError(t, err)

	// The reader still serves its mirror until the peer message arrives.
	out, err = get(t, reader, "/prices/1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out["tags"])

	reader.peerChanged(ctx, notify.Message{Type: registry.EventRegistered, Service: "pricing"})
	assert.Equal(t, 0, reader.Discovery().BindingCount(endpointA))

	out, err = get(t, reader, "/prices/1")
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out["tags"])
}

func TestSweep_DeactivatesAndRetires(t *testing.T) {
	_, host, port := startBackend(t, "a")
	g := New(Config{Invoker: invoker.DefaultOptions(), HeartbeatTimeout: time.Minute, SweepInterval: time.Hour},
		Deps{Backend: storage.NewMemoryBackend()})
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	_, err := g.Registry().RegisterService(context.Background(), pricingDef(host, port))
	require.NoError(t, err)
	_, err = get(t, g, "/prices/1")
	require.NoError(t, err)

	n, err := g.Registry().SweepStale(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, g.Discovery().BindingCount(net.JoinHostPort(host, strconv.Itoa(port))))

	_, err = get(t, g, "/prices/1")
	assert.ErrorIs(t, err, gwerr.ErrRouteNotFound)
}

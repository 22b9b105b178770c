package discovery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"

	"github.com/getmockd/rpcgate/internal/testbackend"
	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/upstream"
)

func startBackend(t *testing.T, mode testbackend.ReflectionMode) *testbackend.Server {
	t.Helper()
	schema, err := testbackend.PricingSchema(context.Background())
	require.NoError(t, err)
	srv := testbackend.New(schema, testbackend.WithReflection(mode))
	_, err = srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	pool := upstream.NewPool()
	t.Cleanup(func() { _ = pool.Close() })
	return New(pool, opts)
}

func TestResolveMethod_Reflection(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{})

	b, err := c.ResolveMethod(context.Background(), Endpoint{Address: srv.Addr()}, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)

	assert.Equal(t, testbackend.GetPrice, b.FullMethod())
	assert.Equal(t, "pricing.GetPriceRequest", string(b.Input().FullName()))
	assert.Equal(t, "pricing.Price", string(b.Output().FullName()))
	assert.False(t, b.IsStreaming())
	assert.Equal(t, srv.Addr(), b.Endpoint)

	// Imported and well-known types are linked.
	amount := b.Output().Fields().ByName("amount")
	require.NotNil(t, amount)
	assert.Equal(t, "common.Money", string(amount.Message().FullName()))
	assert.Equal(t, "google.protobuf.Timestamp", string(b.Output().Fields().ByName("updated_at").Message().FullName()))
}

func TestResolveMethod_CachedBindingSkipsHandshake(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	m := metrics.New(prometheus.NewRegistry())
	c := newClient(t, Options{Metrics: m})
	ep := Endpoint{Address: srv.Addr()}

	first, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)
	second, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, srv.ReflectionStreams())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscoveryHandshakes.WithLabelValues(metrics.ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BindingCache.WithLabelValues(metrics.ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BindingCache.WithLabelValues(metrics.ResultMiss)))

	// Another method on the same service reuses the cached schema.
	_, err = c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "ListPrices")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.ReflectionStreams())
	assert.Equal(t, 2, c.BindingCount(srv.Addr()))
}

func TestResolveMethod_ConcurrentMissesShareOneHandshake(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{})
	ep := Endpoint{Address: srv.Addr()}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.ReflectionStreams())
}

func TestResolveMethod_FetchesImportsInFollowUpRounds(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionShallow)
	c := newClient(t, Options{})

	b, err := c.ResolveMethod(context.Background(), Endpoint{Address: srv.Addr()}, testbackend.PricingService, "GetPriceById")
	require.NoError(t, err)
	assert.Equal(t, "common.IdRequest", string(b.Input().FullName()))

	// One session: pricing.proto, then common.proto. The timestamp import
	// is well-known and never requested.
	assert.Equal(t, 1, srv.ReflectionStreams())
	assert.Equal(t, 2, srv.ReflectionRequests())
}

func TestResolveMethod_CachedDocumentsAreNotRefetched(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionShallow)
	c := newClient(t, Options{})
	ep := Endpoint{Address: srv.Addr()}

	_, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)
	require.Equal(t, 2, srv.ReflectionRequests())

	// Drop the linked schema but keep the documents.
	c.schemas.Purge()
	c.bindings.Purge()

	_, err = c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.ReflectionStreams())
	// Only pricing.proto was requested again; common.proto came from cache.
	assert.Equal(t, 3, srv.ReflectionRequests())
}

func TestResolveMethod_FallsBackToV1Alpha(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionV1Alpha)
	c := newClient(t, Options{})

	b, err := c.ResolveMethod(context.Background(), Endpoint{Address: srv.Addr()}, testbackend.PricingService, "SetPrice")
	require.NoError(t, err)
	assert.Equal(t, "pricing.SetPriceRequest", string(b.Input().FullName()))
}

func TestResolveMethod_ReflectionUnsupported(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionOff)
	c := newClient(t, Options{})

	_, err := c.ResolveMethod(context.Background(), Endpoint{Address: srv.Addr()}, testbackend.PricingService, "GetPrice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrSchemaDiscovery))
	assert.False(t, gwerr.IsRetryable(err))
}

func TestResolveMethod_UnknownServiceIsNotCached(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{})
	ep := Endpoint{Address: srv.Addr()}

	_, err := c.ResolveMethod(context.Background(), ep, "pricing.Missing", "GetPrice")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindSchemaDiscovery, gwerr.KindOf(err))

	_, err = c.ResolveMethod(context.Background(), ep, "pricing.Missing", "GetPrice")
	require.Error(t, err)
	assert.Equal(t, 2, srv.ReflectionStreams())
}

func TestResolveMethod_UnknownMethod(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{})

	_, err := c.ResolveMethod(context.Background(), Endpoint{Address: srv.Addr()}, testbackend.PricingService, "Nope")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindMethodNotFound, gwerr.KindOf(err))
}

func TestResolveMethod_RequiresNames(t *testing.T) {
	c := newClient(t, Options{})
	_, err := c.ResolveMethod(context.Background(), Endpoint{Address: "127.0.0.1:1"}, "", "GetPrice")
	assert.Equal(t, gwerr.KindInvalidRequest, gwerr.KindOf(err))
}

func TestResolveMethod_UnreachableBackend(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c := newClient(t, Options{})
	start := time.Now()
	_, err = c.ResolveMethod(context.Background(), Endpoint{Address: addr}, testbackend.PricingService, "GetPrice")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindServiceUnavailable, gwerr.KindOf(err))
	assert.Less(t, time.Since(start), DefaultHandshakeTimeout)
}

// hangingReflection accepts streams and never answers.
type hangingReflection struct {
	reflectionv1.UnimplementedServerReflectionServer
}

func (hangingReflection) ServerReflectionInfo(stream reflectionv1.ServerReflection_ServerReflectionInfoServer) error {
	<-stream.Context().Done()
	return stream.Context().Err()
}

func TestResolveMethod_HandshakeTimeout(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	reflectionv1.RegisterServerReflectionServer(gs, hangingReflection{})
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	m := metrics.New(prometheus.NewRegistry())
	c := newClient(t, Options{HandshakeTimeout: 200 * time.Millisecond, Metrics: m})

	start := time.Now()
	_, err = c.ResolveMethod(context.Background(), Endpoint{Address: lis.Addr().String()}, testbackend.PricingService, "GetPrice")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindSchemaDiscovery, gwerr.KindOf(err))
	assert.True(t, gwerr.IsRetryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscoveryHandshakes.WithLabelValues(metrics.ResultTimeout)))
	assert.Equal(t, 0, c.BindingCount(lis.Addr().String()))
}

func TestInvalidate_IsScopedToEndpoint(t *testing.T) {
	a := startBackend(t, testbackend.ReflectionFull)
	b := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{})
	ctx := context.Background()

	for _, srv := range []*testbackend.Server{a, b} {
		_, err := c.ResolveMethod(ctx, Endpoint{Address: srv.Addr()}, testbackend.PricingService, "GetPrice")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, c.Invalidate(a.Addr()))
	assert.Equal(t, 0, c.BindingCount(a.Addr()))
	assert.Equal(t, 1, c.BindingCount(b.Addr()))

	for _, srv := range []*testbackend.Server{a, b} {
		_, err := c.ResolveMethod(ctx, Endpoint{Address: srv.Addr()}, testbackend.PricingService, "GetPrice")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, a.ReflectionStreams())
	assert.Equal(t, 1, b.ReflectionStreams())

	c.InvalidateAll()
	assert.Equal(t, 0, c.BindingCount(b.Addr()))
}

func TestResolveMethod_FileSchemaSource(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionOff)
	c := newClient(t, Options{})

	src := "file://" + filepath.Join("..", "..", "internal", "testbackend", "testdata", "pricing.proto")
	ep := Endpoint{Address: srv.Addr(), SchemaSource: src}

	b, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "ListPrices")
	require.NoError(t, err)
	assert.Equal(t, "pricing.ListPricesResponse", string(b.Output().FullName()))
	assert.Equal(t, 0, srv.ReflectionStreams())

	services, err := c.ListServices(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, []string{testbackend.PricingService}, services)
}

func TestListServices_Reflection(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{})

	services, err := c.ListServices(context.Background(), Endpoint{Address: srv.Addr()})
	require.NoError(t, err)
	assert.Contains(t, services, testbackend.PricingService)
	assert.Contains(t, services, "grpc.health.v1.Health")
}

func TestBindingAccessExtendsLifetime(t *testing.T) {
	srv := startBackend(t, testbackend.ReflectionFull)
	c := newClient(t, Options{BindingTTL: 300 * time.Millisecond})
	ep := Endpoint{Address: srv.Addr()}
	ctx := context.Background()

	_, err := c.ResolveMethod(ctx, ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)

	// Keep touching the binding past its TTL.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		_, err := c.ResolveMethod(ctx, ep, testbackend.PricingService, "GetPrice")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.BindingCount(srv.Addr()))

	assert.Eventually(t, func() bool { return c.BindingCount(srv.Addr()) == 0 }, 2*time.Second, 50*time.Millisecond)
}

func startSlowBackend(t *testing.T, delay time.Duration) *testbackend.Server {
	t.Helper()
	schema, err := testbackend.PricingSchema(context.Background())
	require.NoError(t, err)
	srv := testbackend.New(schema, testbackend.WithReflectionDelay(delay))
	_, err = srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv
}

func TestResolveMethod_AbandonedCallerDoesNotFailOthers(t *testing.T) {
	srv := startSlowBackend(t, 400*time.Millisecond)
	c := newClient(t, Options{})
	ep := Endpoint{Address: srv.Addr()}

	impatient, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var errA, errB error
	var bindingB *MethodBinding
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = c.ResolveMethod(impatient, ep, testbackend.PricingService, "GetPrice")
	}()
	go func() {
		defer wg.Done()
		bindingB, errB = c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	}()
	wg.Wait()

	require.Error(t, errA)
	assert.Equal(t, http.StatusGatewayTimeout, gwerr.HTTPStatus(errA))

	require.NoError(t, errB)
	assert.Equal(t, testbackend.GetPrice, bindingB.FullMethod())
	assert.Equal(t, 1, srv.ReflectionStreams())
	assert.Equal(t, 1, c.BindingCount(srv.Addr()))
}

func TestResolveMethod_AbandonedLookupStillCaches(t *testing.T) {
	srv := startSlowBackend(t, 200*time.Millisecond)
	c := newClient(t, Options{})
	ep := Endpoint{Address: srv.Addr()}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.ResolveMethod(ctx, ep, testbackend.PricingService, "GetPrice")
	require.Error(t, err)
	assert.Equal(t, 499, gwerr.HTTPStatus(err))

	assert.Eventually(t, func() bool { return c.BindingCount(srv.Addr()) == 1 }, 2*time.Second, 20*time.Millisecond)
	_, err = c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.ReflectionStreams())
}

func TestInvalidate_DuringHandshakeCachesNothing(t *testing.T) {
	srv := startSlowBackend(t, 300*time.Millisecond)
	c := newClient(t, Options{})
	ep := Endpoint{Address: srv.Addr()}

	done := make(chan error, 1)
	go func() {
		_, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.ReflectionStreams() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Invalidate(srv.Addr())
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.BindingCount(srv.Addr()))

	_, err := c.ResolveMethod(context.Background(), ep, testbackend.PricingService, "GetPrice")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.ReflectionStreams())
	assert.Equal(t, 1, c.BindingCount(srv.Addr()))
}

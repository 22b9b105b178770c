package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/getmockd/rpcgate/pkg/discovery"
	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/invoker"
	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/notify"
	"github.com/getmockd/rpcgate/pkg/registry"
	"github.com/getmockd/rpcgate/pkg/router"
	"github.com/getmockd/rpcgate/pkg/upstream"
)

// Defaults for liveness tracking.
const (
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultSweepInterval    = 30 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running gateway.
var ErrAlreadyStarted = errors.New("gateway already started")

// Config holds the tunables of a Gateway. Zero values select defaults.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	// StaticRoutes are registered on Start and kept alive for the life of
	// the process.
	StaticRoutes []registry.ServiceDefinition
	Discovery    discovery.Options
	Invoker      invoker.Options
}

// Deps are the external collaborators of a Gateway.
type Deps struct {
	// Backend is the durable route store. Required.
	Backend registry.Backend
	// Cache is the distributed route cache; nil disables it.
	Cache registry.RouteCache
	// Notifier broadcasts changes to peer replicas; nil disables it.
	Notifier notify.Notifier
	// Pool shares backend connections; nil creates a private pool.
	Pool    *upstream.Pool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Closers are released on Shutdown after everything else.
	Closers []io.Closer
}

// Gateway is the HTTP-to-gRPC translation core.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	router   *router.Resolver
	disco    *discovery.Client
	invoker  *invoker.Invoker
	pool     *upstream.Pool
	notifier notify.Notifier
	sweeper  *registry.Sweeper
	closers  []io.Closer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a gateway. Nothing is loaded or started until Start.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	log := logging.OrNop(deps.Logger)

	g := &Gateway{
		cfg:      cfg,
		log:      log,
		metrics:  deps.Metrics,
		pool:     deps.Pool,
		notifier: deps.Notifier,
		closers:  deps.Closers,
	}
	if g.pool == nil {
		g.pool = upstream.NewPool(upstream.WithLogger(log.With("component", "upstream")))
	}
	if g.notifier == nil {
		g.notifier = notify.Nop{}
	}

	opts := []registry.Option{
		registry.WithLogger(log.With("component", "registry")),
		registry.WithMetrics(deps.Metrics),
		registry.WithObserver(registry.ObserverFunc(g.registryChanged)),
		registry.WithObserver(g.notifier),
	}
	if deps.Cache != nil {
		opts = append(opts, registry.WithRouteCache(deps.Cache))
	}
	g.registry = registry.New(deps.Backend, opts...)
	g.router = router.New(g.registry, log.With("component", "router"))

	dopts := cfg.Discovery
	dopts.Logger = log.With("component", "discovery")
	dopts.Metrics = deps.Metrics
	g.disco = discovery.New(g.pool, dopts)

	iopts := cfg.Invoker
	iopts.Logger = log.With("component", "invoker")
	iopts.Metrics = deps.Metrics
	g.invoker = invoker.New(g.disco, g.pool, iopts)

	g.sweeper = registry.NewSweeper(g.registry, cfg.SweepInterval, cfg.HeartbeatTimeout, log.With("component", "sweeper"))
	return g
}

// Start loads the route table, registers static routes and starts the
// background loops. The loops stop on Shutdown or when ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}

	if err := g.registry.LoadAll(ctx); err != nil {
		return err
	}
	for _, def := range g.cfg.StaticRoutes {
		if _, err := g.registry.RegisterService(ctx, def); err != nil {
			return fmt.Errorf("register static service %s: %w", def.Name, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	g.cancel = cancel

	if err := g.notifier.Subscribe(runCtx, g.peerChanged); err != nil {
		g.log.Warn("peer notifications unavailable", "error", err)
	}
	g.sweeper.Start(runCtx)
	if len(g.cfg.StaticRoutes) > 0 {
		g.wg.Add(1)
		go g.keepStaticAlive(runCtx)
	}

	g.started = true
	snap := g.registry.Snapshot()
	g.log.Info("gateway started", "services", snap.ServiceCount(), "routes", snap.Len())
	return nil
}

// Shutdown stops the background loops and releases every resource. It
// returns the first error per resource, joined.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweeper.Stop()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("shutdown deadline reached before background loops stopped")
	}

	var errs []error
	if err := g.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if err := g.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("upstream pool: %w", err))
	}
	if err := g.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.started = false
	g.log.Info("gateway stopped")
	return errors.Join(errs...)
}

// Handle resolves method and path to a route and invokes its backend
// method. Unknown routes fail with a RouteNotFound error.
func (g *Gateway) Handle(ctx context.Context, method, path string, body []byte, query url.Values) (json.RawMessage, error) {
	start := time.Now()
	rr, ok := g.router.Resolve(ctx, method, path)
	if !ok {
		g.metrics.ObserveRequest("unmatched", http.StatusNotFound, time.Since(start))
		return nil, gwerr.New(gwerr.KindRouteNotFound, "gateway.handle", "no route for %s %s", method, path)
	}

	out, err := g.invoker.Invoke(ctx, rr, body, query)
	status := http.StatusOK
	if err != nil {
		status = gwerr.HTTPStatus(err)
		g.log.Debug("backend call failed",
			"route", rr.Route.Key(),
			"service", rr.Service.Name,
			"method", rr.Route.FullMethod(),
			"error", err)
	}
	g.metrics.ObserveRequest(rr.Route.Key(), status, time.Since(start))
	return out, err
}

// Registry returns the route store.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Router returns the route resolver.
func (g *Gateway) Router() *router.Resolver { return g.router }

// Discovery returns the schema discovery client.
func (g *Gateway) Discovery() *discovery.Client { return g.disco }

// Invoker returns the dynamic invoker.
func (g *Gateway) Invoker() *invoker.Invoker { return g.invoker }

// Pool returns the upstream connection pool.
func (g *Gateway) Pool() *upstream.Pool { return g.pool }

// Metrics returns the metrics collectors, which may be nil.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// SweepInterval returns the effective sweep interval.
func (g *Gateway) SweepInterval() time.Duration { return g.cfg.SweepInterval }

// HeartbeatTimeout returns the effective heartbeat timeout.
func (g *Gateway) HeartbeatTimeout() time.Duration { return g.cfg.HeartbeatTimeout }

func (g *Gateway) keepStaticAlive(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.HeartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, def := range g.cfg.StaticRoutes {
				ok, err := g.registry.Heartbeat(ctx, def.Name)
				if err != nil {
					g.log.Warn("static service heartbeat failed", "service", def.Name, "error", err)
					continue
				}
				if !ok {
					if _, err := g.registry.RegisterService(ctx, def); err != nil {
						g.log.Warn("failed to re-register static service", "service", def.Name, "error", err)
					}
				}
			}
		}
	}
}

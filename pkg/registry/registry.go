package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/metrics"
)

// EventType identifies a registry mutation.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventDeactivated  EventType = "deactivated"
)

// Event describes a registry mutation delivered to observers.
type Event struct {
	Type    EventType
	Service string
	// Previous is the registration before the change, when one existed.
	Previous *ServiceRegistration
	// EndpointChanged is set when a re-registration moved the service or
	// changed its version or schema source.
	EndpointChanged bool
}

// Observer receives registry events after they are persisted and mirrored.
// Observers run synchronously on the mutating goroutine and must not call
// back into the registry's mutating methods.
type Observer interface {
	RegistryChanged(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) RegistryChanged(ctx context.Context, ev Event) { f(ctx, ev) }

// Option configures a Registry.
type Option func(*Registry)

// WithRouteCache mirrors the route table into a distributed cache.
func WithRouteCache(c RouteCache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNop(log) }
}

// WithMetrics records registration and sweep metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the route store.
type Registry struct {
	backend   Backend
	cache     RouteCache
	mirror    *mirror
	log       *slog.Logger
	metrics   *metrics.Metrics
	observers []Observer
	now       func() time.Time

	// mu serializes writers. Readers use the mirror.
	mu sync.Mutex
}

// New creates a Registry over backend. Call LoadAll before serving.
func New(backend Backend, opts ...Option) *Registry {
	r := &Registry{
		backend: backend,
		mirror:  newMirror(),
		log:     logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers an observer after construction.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Snapshot returns the current route table.
func (r *Registry) Snapshot() *Snapshot {
	return r.mirror.load()
}

// Cache returns the distributed route cache, or nil.
func (r *Registry) Cache() RouteCache {
	return r.cache
}

// Repopulate installs a route found in the distributed cache into the local
// mirror. Only literal routes are accepted.
func (r *Registry) Repopulate(rr *ResolvedRoute) {
	if rr == nil {
		return
	}
	r.mirror.put(rr)
}

// LoadAll rebuilds the local mirror and the distributed cache from the
// backend.
func (r *Registry) LoadAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadAllLocked(ctx)
}

func (r *Registry) loadAllLocked(ctx context.Context) error {
	services, routes, err := r.backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	snap := buildSnapshot(services, routes, r.now(), r.log)
	r.mirror.store(snap)
	r.metrics.SetServicesActive(snap.ServiceCount())

	if r.cache != nil {
		if err := r.cache.ReplaceAll(ctx, snap.byKey()); err != nil {
			// The local mirror is authoritative for this replica.
			r.log.Warn("failed to refresh distributed route cache", "error", err)
		}
	}

	r.log.Debug("route mirror reloaded", "services", snap.ServiceCount(), "routes", snap.Len())
	return nil
}

// RegisterService upserts a service and its routes. Connection metadata and
// heartbeat are always refreshed; a route is written only when its content
// hash differs from the stored one.
func (r *Registry) RegisterService(ctx context.Context, def ServiceDefinition) (*RegisterResult, error) {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	prev, err := r.backend.GetService(ctx, def.Name)
	if err != nil && !errors.Is(err, ErrServiceNotFound) {
		return nil, fmt.Errorf("get service %s: %w", def.Name, err)
	}

	svc := &ServiceRegistration{
		ID:        uuid.NewString(),
		Name:      def.Name,
		CreatedAt: now,
	}
	if prev != nil {
		svc.ID = prev.ID
		svc.CreatedAt = prev.CreatedAt
	}
	svc.Protocol = def.Protocol
	svc.Host = def.Host
	svc.Port = def.Port
	svc.TLS = def.TLS
	svc.SchemaSource = def.SchemaSource
	svc.Version = def.Version
	svc.Active = true
	svc.LastHeartbeat = now
	svc.UpdatedAt = now

	if err := r.backend.SaveService(ctx, svc); err != nil {
		return nil, fmt.Errorf("save service %s: %w", def.Name, err)
	}

	stored, err := r.backend.ServiceRoutes(ctx, def.Name)
	if err != nil {
		return nil, fmt.Errorf("load routes for %s: %w", def.Name, err)
	}
	existing := make(map[string]RouteDefinition, len(stored))
	for _, route := range stored {
		existing[route.Key()] = route
	}

	var changed, moved []RouteDefinition
	skipped := 0
	for i, route := range def.Routes {
		route.ServiceName = def.Name
		route.Order = i
		route.Hash = ComputeHash(route)
		if old, ok := existing[route.Key()]; ok && old.Hash == route.Hash {
			// Order is not hashed; a moved route still counts as skipped.
			if old.Order != i {
				old.Order = i
				moved = append(moved, old)
			}
			skipped++
			continue
		}
		route.UpdatedAt = now
		changed = append(changed, route)
	}

	if writes := append(changed, moved...); len(writes) > 0 {
		if err := r.backend.SaveRoutes(ctx, writes); err != nil {
			return nil, fmt.Errorf("save routes for %s: %w", def.Name, err)
		}
	}

	if err := r.loadAllLocked(ctx); err != nil {
		return nil, err
	}

	r.metrics.Registration(len(changed), skipped)
	r.log.Info("service registered",
		"service", def.Name,
		"endpoint", svc.Endpoint(),
		"registered", len(changed),
		"skipped", skipped)

	r.emit(ctx, Event{
		Type:            EventRegistered,
		Service:         def.Name,
		Previous:        prev,
		EndpointChanged: prev != nil && prev.connectionChanged(svc),
	})

	return &RegisterResult{
		Success:          true,
		Message:          fmt.Sprintf("registered %d routes, skipped %d unchanged", len(changed), skipped),
		RoutesRegistered: len(changed),
		RoutesSkipped:    skipped,
		ServiceID:        svc.ID,
	}, nil
}

// UnregisterService deletes a service and its routes from every layer.
func (r *Registry) UnregisterService(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.backend.GetService(ctx, name)
	if errors.Is(err, ErrServiceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get service %s: %w", name, err)
	}

	owned, err := r.backend.ServiceRoutes(ctx, name)
	if err != nil {
		return false, fmt.Errorf("load routes for %s: %w", name, err)
	}

	deleted, err := r.backend.DeleteService(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete service %s: %w", name, err)
	}
	if !deleted {
		return false, nil
	}

	if r.cache != nil && len(owned) > 0 {
		keys := make([]string, len(owned))
		for i := range owned {
			keys[i] = owned[i].Key()
		}
		if err := r.cache.Delete(ctx, keys...); err != nil {
			r.log.Warn("failed to evict routes from distributed cache", "service", name, "error", err)
		}
	}

	if err := r.loadAllLocked(ctx); err != nil {
		return true, err
	}

	r.log.Info("service unregistered", "service", name, "routes", len(owned))
	r.emit(ctx, Event{Type: EventUnregistered, Service: name, Previous: prev})
	return true, nil
}

// Heartbeat refreshes the heartbeat timestamp of an active service. The
// route mirror is not rebuilt.
func (r *Registry) Heartbeat(ctx context.Context, name string) (bool, error) {
	ok, err := r.backend.Touch(ctx, name, r.now())
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", name, err)
	}
	return ok, nil
}

// SweepStale deactivates every service whose heartbeat is older than
// timeout and reloads the mirror only if at least one was deactivated.
func (r *Registry) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	names, err := r.backend.DeactivateStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale services: %w", err)
	}
	if len(names) == 0 {
		return 0, nil
	}

	r.metrics.Deactivated(len(names))
	r.log.Info("deactivated stale services", "services", names, "timeout", timeout)

	if err := r.loadAllLocked(ctx); err != nil {
		return len(names), err
	}
	for _, name := range names {
		r.emit(ctx, Event{Type: EventDeactivated, Service: name})
	}
	return len(names), nil
}

// CheckRoutes reports which of a service's routes are already stored with
// the given hash. Every route of an unknown or inactive service needs
// registration.
func (r *Registry) CheckRoutes(ctx context.Context, name string, checks []RouteCheck) (*RouteCheckResult, error) {
	result := &RouteCheckResult{
		UpToDate:          []RouteCheck{},
		NeedsRegistration: []RouteCheck{},
	}

	svc, err := r.backend.GetService(ctx, name)
	if errors.Is(err, ErrServiceNotFound) || (err == nil && !svc.Active) {
		result.NeedsRegistration = append(result.NeedsRegistration, checks...)
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", name, err)
	}

	stored, err := r.backend.ServiceRoutes(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load routes for %s: %w", name, err)
	}
	hashes := make(map[string]string, len(stored))
	for _, route := range stored {
		hashes[route.Key()] = route.Hash
	}

	for _, c := range checks {
		if h, ok := hashes[RouteKey(c.HTTPMethod, c.Path)]; ok && h == c.RouteHash {
			result.UpToDate = append(result.UpToDate, c)
		} else {
			result.NeedsRegistration = append(result.NeedsRegistration, c)
		}
	}
	return result, nil
}

// ListRoutes returns the active route table in registration order.
func (r *Registry) ListRoutes() []*ResolvedRoute {
	return r.mirror.load().Routes()
}

// ListServices returns every stored service, including inactive ones.
func (r *Registry) ListServices(ctx context.Context) ([]ServiceRegistration, error) {
	services, _, err := r.backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// GetService returns a stored service by name.
func (r *Registry) GetService(ctx context.Context, name string) (*ServiceRegistration, error) {
	return r.backend.GetService(ctx, name)
}

// Close closes the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}

func (r *Registry) emit(ctx context.Context, ev Event) {
	for _, o := range r.observers {
		o.RegistryChanged(ctx, ev)
	}
}

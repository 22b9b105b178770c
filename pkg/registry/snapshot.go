package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/rpcgate/internal/matching"
)

// PatternRoute is a templated route compiled for matching.
type PatternRoute struct {
	Template *matching.Template
	Route    *ResolvedRoute
}

// Snapshot is an immutable view of the active route table.
type Snapshot struct {
	exact    map[string]*ResolvedRoute
	patterns map[string][]PatternRoute
	services map[string]*ServiceRegistration
	ordered  []*ResolvedRoute
	loadedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		exact:    map[string]*ResolvedRoute{},
		patterns: map[string][]PatternRoute{},
		services: map[string]*ServiceRegistration{},
	}
}

// buildSnapshot joins active services with their routes. Services are ordered
// by creation time and routes by their position in the service definition,
// which fixes the scan order of pattern routes.
func buildSnapshot(services []ServiceRegistration, routes []RouteDefinition, now time.Time, log *slog.Logger) *Snapshot {
	s := emptySnapshot()
	s.loadedAt = now

	active := make([]*ServiceRegistration, 0, len(services))
	for i := range services {
		if services[i].Active {
			svc := services[i]
			active = append(active, &svc)
			s.services[svc.Name] = &svc
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].Name < active[j].Name
	})

	byService := make(map[string][]RouteDefinition)
	for _, r := range routes {
		byService[r.ServiceName] = append(byService[r.ServiceName], r)
	}

	for _, svc := range active {
		owned := byService[svc.Name]
		sort.SliceStable(owned, func(i, j int) bool { return owned[i].Order < owned[j].Order })
		for _, r := range owned {
			rr := &ResolvedRoute{Route: r, Service: *svc}
			if err := s.add(rr); err != nil {
				log.Warn("skipping route with invalid path template",
					"service", svc.Name, "route", r.Key(), "error", err)
			}
		}
	}
	return s
}

func (s *Snapshot) add(rr *ResolvedRoute) error {
	key := rr.Route.Key()
	if matching.IsTemplate(rr.Route.Path) {
		tmpl, err := matching.Compile(NormalizePath(rr.Route.Path))
		if err != nil {
			return err
		}
		method := strings.ToUpper(rr.Route.HTTPMethod)
		s.patterns[method] = append(s.patterns[method], PatternRoute{Template: tmpl, Route: rr})
	} else {
		s.exact[key] = rr
	}
	s.ordered = append(s.ordered, rr)
	return nil
}

// Exact returns the literal route registered under key.
func (s *Snapshot) Exact(key string) (*ResolvedRoute, bool) {
	rr, ok := s.exact[key]
	return rr, ok
}

// Patterns returns the templated routes for method in scan order. The slice
// must not be modified.
func (s *Snapshot) Patterns(method string) []PatternRoute {
	return s.patterns[strings.ToUpper(method)]
}

// Routes returns every active route in registration order.
func (s *Snapshot) Routes() []*ResolvedRoute {
	out := make([]*ResolvedRoute, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Service returns the active registration for name.
func (s *Snapshot) Service(name string) (*ServiceRegistration, bool) {
	svc, ok := s.services[name]
	return svc, ok
}

// Services returns the active registrations sorted by name.
func (s *Snapshot) Services() []*ServiceRegistration {
	out := make([]*ServiceRegistration, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServiceCount returns the number of active services.
func (s *Snapshot) ServiceCount() int { return len(s.services) }

// Len returns the number of active routes.
func (s *Snapshot) Len() int { return len(s.ordered) }

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// byKey returns every route indexed by routing key.
func (s *Snapshot) byKey() map[string]*ResolvedRoute {
	out := make(map[string]*ResolvedRoute, len(s.ordered))
	for _, rr := range s.ordered {
		out[rr.Route.Key()] = rr
	}
	return out
}

// with returns a copy of s that also holds the literal route rr.
func (s *Snapshot) with(rr *ResolvedRoute) *Snapshot {
	next := &Snapshot{
		exact:    make(map[string]*ResolvedRoute, len(s.exact)+1),
		patterns: s.patterns,
		services: s.services,
		ordered:  make([]*ResolvedRoute, 0, len(s.ordered)+1),
		loadedAt: s.loadedAt,
	}
	for k, v := range s.exact {
		next.exact[k] = v
	}
	key := rr.Route.Key()
	for _, o := range s.ordered {
		if o.Route.Key() != key {
			next.ordered = append(next.ordered, o)
		}
	}
	next.exact[key] = rr
	next.ordered = append(next.ordered, rr)
	if _, ok := next.services[rr.Service.Name]; !ok {
		services := make(map[string]*ServiceRegistration, len(s.services)+1)
		for k, v := range s.services {
			services[k] = v
		}
		svc := rr.Service
		services[svc.Name] = &svc
		next.services = services
	}
	return next
}

// mirror holds the current snapshot. Loads never block.
type mirror struct {
	cur atomic.Pointer[Snapshot]
	mu  sync.Mutex
}

func newMirror() *mirror {
	m := &mirror{}
	m.cur.Store(emptySnapshot())
	return m
}

func (m *mirror) load() *Snapshot { return m.cur.Load() }

func (m *mirror) store(s *Snapshot) {
	m.mu.Lock()
	m.cur.Store(s)
	m.mu.Unlock()
}

func (m *mirror) put(rr *ResolvedRoute) {
	m.mu.Lock()
	m.cur.Store(m.cur.Load().with(rr))
	m.mu.Unlock()
}

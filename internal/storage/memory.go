package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getmockd/rpcgate/pkg/registry"
)

// MemoryBackend is a thread-safe in-memory registry.Backend.
type MemoryBackend struct {
	mu       sync.RWMutex
	services map[string]registry.ServiceRegistration
	routes   map[string]registry.RouteDefinition
	closed   bool
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		services: make(map[string]registry.ServiceRegistration),
		routes:   make(map[string]registry.RouteDefinition),
	}
}

// LoadAll returns services sorted by name and routes sorted by key.
func (m *MemoryBackend) LoadAll(_ context.Context) ([]registry.ServiceRegistration, []registry.RouteDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, registry.ErrClosed
	}

	services := make([]registry.ServiceRegistration, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	routes := make([]registry.RouteDefinition, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Key() < routes[j].Key() })

	return services, routes, nil
}

func (m *MemoryBackend) GetService(_ context.Context, name string) (*registry.ServiceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, registry.ErrClosed
	}
	s, ok := m.services[name]
	if !ok {
		return nil, registry.ErrServiceNotFound
	}
	return &s, nil
}

func (m *MemoryBackend) SaveService(_ context.Context, svc *registry.ServiceRegistration) error {
	if svc == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return registry.ErrClosed
	}
	m.services[svc.Name] = *svc
	return nil
}

func (m *MemoryBackend) ServiceRoutes(_ context.Context, name string) ([]registry.RouteDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, registry.ErrClosed
	}
	var out []registry.RouteDefinition
	for _, r := range m.routes {
		if r.ServiceName == name {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *MemoryBackend) SaveRoutes(_ context.Context, routes []registry.RouteDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return registry.ErrClosed
	}
	for _, r := range routes {
		m.routes[r.Key()] = r
	}
	return nil
}

func (m *MemoryBackend) DeleteService(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, registry.ErrClosed
	}
	if _, ok := m.services[name]; !ok {
		return false, nil
	}
	delete(m.services, name)
	for k, r := range m.routes {
		if r.ServiceName == name {
			delete(m.routes, k)
		}
	}
	return true, nil
}

func (m *MemoryBackend) Touch(_ context.Context, name string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, registry.ErrClosed
	}
	s, ok := m.services[name]
	if !ok || !s.Active {
		return false, nil
	}
	s.LastHeartbeat = at
	m.services[name] = s
	return true, nil
}

func (m *MemoryBackend) DeactivateStale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, registry.ErrClosed
	}
	var names []string
	for name, s := range m.services {
		if s.Active && s.LastHeartbeat.Before(cutoff) {
			s.Active = false
			m.services[name] = s
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close marks the backend closed; later calls return registry.ErrClosed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ registry.Backend = (*MemoryBackend)(nil)

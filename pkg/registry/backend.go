package registry

import (
	"context"
	"time"
)

// Backend is durable storage for registrations and routes.
//
// Routes are keyed globally by RouteKey; saving a route whose key is owned by
// another service transfers ownership.
type Backend interface {
	// LoadAll returns every stored service, active or not, and every route.
	LoadAll(ctx context.Context) ([]ServiceRegistration, []RouteDefinition, error)
	// GetService returns ErrServiceNotFound when name is unknown.
	GetService(ctx context.Context, name string) (*ServiceRegistration, error)
	SaveService(ctx context.Context, svc *ServiceRegistration) error
	// ServiceRoutes returns the routes owned by the named service.
	ServiceRoutes(ctx context.Context, name string) ([]RouteDefinition, error)
	SaveRoutes(ctx context.Context, routes []RouteDefinition) error
	// DeleteService removes the service and all routes it owns.
	DeleteService(ctx context.Context, name string) (bool, error)
	// Touch sets the heartbeat of an active service. It reports false when
	// the service is unknown or inactive.
	Touch(ctx context.Context, name string, at time.Time) (bool, error)
	// DeactivateStale marks every active service whose heartbeat is before
	// cutoff as inactive in one operation and returns their names.
	DeactivateStale(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// RouteCache is a distributed read-through copy of the route table shared
// between gateway replicas. Get returns (nil, nil) on a miss.
type RouteCache interface {
	Get(ctx context.Context, key string) (*ResolvedRoute, error)
	// ReplaceAll clears the cache and stores routes under their keys.
	ReplaceAll(ctx context.Context, routes map[string]*ResolvedRoute) error
	Delete(ctx context.Context, keys ...string) error
}

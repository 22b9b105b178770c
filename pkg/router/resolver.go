// Package router resolves inbound HTTP method and path pairs to registered
// routes.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/getmockd/rpcgate/internal/matching"
	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// Source supplies the current route table and the optional distributed
// cache. *registry.Registry implements it.
type Source interface {
	Snapshot() *registry.Snapshot
	Cache() registry.RouteCache
	Repopulate(rr *registry.ResolvedRoute)
}

// Resolver maps (method, path) to a route.
//
// Lookup order: the literal "METHOD:path" key, then the method's templated
// routes in registration order where the first match wins, then the
// distributed cache. A distributed cache hit is copied into the local mirror.
type Resolver struct {
	src Source
	log *slog.Logger
}

// New creates a Resolver over src.
func New(src Source, log *slog.Logger) *Resolver {
	return &Resolver{src: src, log: logging.OrNop(log)}
}

// Resolve returns the route for method and path, or false when nothing
// matches. The returned value is a copy carrying the path variables.
func (r *Resolver) Resolve(ctx context.Context, method, path string) (*registry.ResolvedRoute, bool) {
	method = strings.ToUpper(method)
	path = registry.NormalizePath(path)
	key := method + ":" + path
	snap := r.src.Snapshot()

	if rr, ok := snap.Exact(key); ok {
		return withVariables(rr, map[string]string{}), true
	}

	for _, p := range snap.Patterns(method) {
		if vars, ok := p.Template.Match(path); ok {
			return withVariables(p.Route, vars), true
		}
	}

	cache := r.src.Cache()
	if cache == nil {
		return nil, false
	}
	rr, err := cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("distributed route cache lookup failed", "route", key, "error", err)
		return nil, false
	}
	if rr == nil || matching.IsTemplate(rr.Route.Path) {
		return nil, false
	}
	r.src.Repopulate(rr)
	r.log.Debug("route repopulated from distributed cache", "route", key, "service", rr.Service.Name)
	return withVariables(rr, map[string]string{}), true
}

// ExtractVariables returns the bindings of path against a route template.
func ExtractVariables(pattern, path string) map[string]string {
	return matching.ExtractVariables(registry.NormalizePath(pattern), registry.NormalizePath(path))
}

func withVariables(rr *registry.ResolvedRoute, vars map[string]string) *registry.ResolvedRoute {
	out := *rr
	out.Variables = vars
	return &out
}

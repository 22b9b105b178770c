package gateway

import (
	"context"

	"github.com/getmockd/rpcgate/pkg/notify"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// registryChanged drops cached schemas and connections for endpoints a
// mutation moved away from or retired.
func (g *Gateway) registryChanged(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.EventRegistered:
		if ev.EndpointChanged && ev.Previous != nil {
			g.retire(ev.Previous, ev.Service)
		}
	case registry.EventUnregistered:
		if ev.Previous != nil {
			g.retire(ev.Previous, "")
		}
	case registry.EventDeactivated:
		prev := ev.Previous
		if prev == nil {
			svc, err := g.registry.GetService(ctx, ev.Service)
			if err != nil {
				g.log.Debug("deactivated service not found", "service", ev.Service, "error", err)
				return
			}
			prev = svc
		}
		g.retire(prev, "")
	}
}

// peerChanged reloads the route table after another replica mutated the
// shared store, then retires the old endpoint if the service moved or went
// away.
func (g *Gateway) peerChanged(ctx context.Context, msg notify.Message) {
	before, _ := g.registry.Snapshot().Service(msg.Service)
	before = before.Clone()

	if err := g.registry.LoadAll(ctx); err != nil {
		g.log.Warn("failed to reload routes after peer change", "service", msg.Service, "error", err)
		return
	}
	g.log.Debug("routes reloaded after peer change", "service", msg.Service, "type", msg.Type)

	if before == nil {
		return
	}
	after, ok := g.registry.Snapshot().Service(msg.Service)
	if !ok {
		g.retire(before, "")
		return
	}
	if before.Endpoint() != after.Endpoint() || before.TLS != after.TLS ||
		before.Version != after.Version || before.SchemaSource != after.SchemaSource {
		g.retire(before, msg.Service)
	}
}

// retire invalidates discovery state for svc's endpoint and evicts its
// pooled connection unless another active service still dials it. The
// service named keep is not counted as a sharer.
func (g *Gateway) retire(svc *registry.ServiceRegistration, keep string) {
	endpoint := svc.Endpoint()
	dropped := g.disco.Invalidate(endpoint)

	shared := false
	for _, other := range g.registry.Snapshot().Services() {
		if other.Name != svc.Name && other.Name != keep && other.Endpoint() == endpoint {
			shared = true
			break
		}
	}
	evicted := false
	if !shared {
		evicted = g.pool.Evict(endpoint)
	}
	g.log.Info("endpoint retired",
		"service", svc.Name,
		"endpoint", endpoint,
		"bindings_dropped", dropped,
		"connection_evicted", evicted)
}

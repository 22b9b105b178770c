package invoker

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/registry"
	"github.com/getmockd/rpcgate/pkg/upstream"
)

// healthTimeout bounds a pass-through health check.
const healthTimeout = 5 * time.Second

// Health status values beyond those defined by grpc.health.v1.
const (
	HealthUnknown     = "UNKNOWN"
	HealthUnreachable = "UNREACHABLE"
)

// Health is the result of a pass-through health check.
type Health struct {
	Service   string    `json:"service"`
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Latency   string    `json:"latency"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Info describes a backend as seen through the gateway.
type Info struct {
	Service        registry.ServiceRegistration `json:"service"`
	Endpoint       string                       `json:"endpoint"`
	Services       []string                     `json:"services"`
	CachedBindings int                          `json:"cachedBindings"`
}

// Metrics is the gateway-side view of traffic to one backend.
type Metrics struct {
	Service        string `json:"service"`
	Calls          uint64 `json:"calls"`
	Errors         uint64 `json:"errors"`
	CachedBindings int    `json:"cachedBindings"`
}

// GetHealth runs grpc.health.v1 Check against the backend over the shared
// connection. Backends without a health service report UNKNOWN.
func (i *Invoker) GetHealth(ctx context.Context, svc *registry.ServiceRegistration) (*Health, error) {
	h := &Health{Service: svc.Name, Endpoint: svc.Endpoint(), CheckedAt: time.Now().UTC()}

	cc, err := i.conns.Conn(upstream.Target{Endpoint: svc.Endpoint(), TLS: svc.TLS})
	if err != nil {
		return nil, &gwerr.Error{Kind: gwerr.KindServiceUnavailable, Op: "invoker.health", Msg: svc.Endpoint(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	h.Latency = time.Since(start).String()
	switch {
	case err == nil:
		h.Status = resp.GetStatus().String()
	case status.Code(err) == codes.Unimplemented:
		h.Status = HealthUnknown
		h.Message = "backend does not implement grpc.health.v1"
	case status.Code(err) == codes.Unavailable || status.Code(err) == codes.DeadlineExceeded:
		h.Status = HealthUnreachable
		h.Message = status.Convert(err).Message()
	default:
		return nil, &gwerr.Error{Kind: gwerr.KindUpstream, Op: "invoker.health", GRPCCode: status.Code(err), Msg: status.Convert(err).Message(), Err: err}
	}
	return h, nil
}

// GetInfo lists the services the backend exports along with its
// registration.
func (i *Invoker) GetInfo(ctx context.Context, svc *registry.ServiceRegistration) (*Info, error) {
	services, err := i.resolver.ListServices(ctx, EndpointOf(svc))
	if err != nil {
		return nil, err
	}
	return &Info{
		Service:        *svc.Clone(),
		Endpoint:       svc.Endpoint(),
		Services:       services,
		CachedBindings: i.resolver.BindingCount(svc.Endpoint()),
	}, nil
}

// GetMetrics reports call counters for the backend.
func (i *Invoker) GetMetrics(svc *registry.ServiceRegistration) *Metrics {
	ok, failed := i.metrics.BackendCallCounts(svc.Name)
	return &Metrics{
		Service:        svc.Name,
		Calls:          ok + failed,
		Errors:         failed,
		CachedBindings: i.resolver.BindingCount(svc.Endpoint()),
	}
}

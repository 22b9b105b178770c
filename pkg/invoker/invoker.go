// Package invoker performs unary gRPC calls from JSON without generated
// stubs.
//
// A call resolves the target method through discovery, converts the HTTP
// body, query parameters and path variables into a dynamic request message,
// invokes the backend with its own deadline, and renders the response back
// to JSON including unpopulated fields.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/getmockd/rpcgate/pkg/discovery"
	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/registry"
	"github.com/getmockd/rpcgate/pkg/upstream"
)

// DefaultCallTimeout bounds every backend call.
const DefaultCallTimeout = 30 * time.Second

// Resolver is the part of the discovery client the invoker uses.
type Resolver interface {
	ResolveMethod(ctx context.Context, ep discovery.Endpoint, service, method string) (*discovery.MethodBinding, error)
	ListServices(ctx context.Context, ep discovery.Endpoint) ([]string, error)
	BindingCount(endpoint string) int
	Invalidate(endpoint string) int
}

// Options tunes JSON conversion and deadlines.
type Options struct {
	CallTimeout time.Duration
	// DiscardUnknown ignores JSON fields the input type does not declare.
	DiscardUnknown bool
	// UseProtoNames renders response fields with their proto names instead
	// of lowerCamelCase.
	UseProtoNames bool
	// EmitUnpopulated renders fields holding default values.
	EmitUnpopulated bool
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// DefaultOptions returns the gateway defaults.
func DefaultOptions() Options {
	return Options{
		CallTimeout:     DefaultCallTimeout,
		DiscardUnknown:  true,
		EmitUnpopulated: true,
	}
}

// Invoker calls backends on behalf of resolved routes.
type Invoker struct {
	resolver Resolver
	conns    discovery.ConnProvider
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an invoker.
func New(resolver Resolver, conns discovery.ConnProvider, opts Options) *Invoker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Invoker{
		resolver: resolver,
		conns:    conns,
		opts:     opts,
		log:      logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// EndpointOf returns the discovery endpoint for a registration.
func EndpointOf(svc *registry.ServiceRegistration) discovery.Endpoint {
	return discovery.Endpoint{
		Address:      svc.Endpoint(),
		TLS:          svc.TLS,
		SchemaSource: svc.SchemaSource,
	}
}

// Invoke calls the route's target method and returns the JSON response.
func (i *Invoker) Invoke(ctx context.Context, rr *registry.ResolvedRoute, body []byte, query url.Values) (json.RawMessage, error) {
	const op = "invoker.invoke"

	ep := EndpointOf(&rr.Service)
	binding, err := i.resolver.ResolveMethod(ctx, ep, rr.Route.TargetService, rr.Route.TargetMethod)
	if err != nil {
		return nil, err
	}
	if binding.IsStreaming() {
		return nil, gwerr.New(gwerr.KindMethodNotFound, op, "%s is a streaming method; only unary calls are proxied", binding.FullMethod())
	}

	payload, err := buildRequest(binding.Input(), body, MergeParams(query, rr.Variables), rr.Variables)
	if err != nil {
		return nil, &gwerr.Error{Kind: gwerr.KindPayloadConversion, Op: op, Direction: gwerr.Inbound, Msg: "request body is not valid JSON", Err: err}
	}

	req := dynamicpb.NewMessage(binding.Input())
	um := protojson.UnmarshalOptions{DiscardUnknown: i.opts.DiscardUnknown, Resolver: binding.Types}
	if err := um.Unmarshal(payload, req); err != nil {
		return nil, &gwerr.Error{
			Kind:      gwerr.KindPayloadConversion,
			Op:        op,
			Direction: gwerr.Inbound,
			Msg:       "cannot convert request to " + string(binding.Input().FullName()),
			Err:       err,
		}
	}

	cc, err := i.conns.Conn(upstream.Target{Endpoint: ep.Address, TLS: ep.TLS})
	if err != nil {
		return nil, &gwerr.Error{Kind: gwerr.KindServiceUnavailable, Op: op, Msg: ep.Address, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, i.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp := dynamicpb.NewMessage(binding.Output())
	err = cc.Invoke(callCtx, binding.FullMethod(), req, resp)
	i.metrics.BackendCall(rr.Service.Name, err)
	if err != nil {
		gerr := i.classify(ctx, op, rr, err)
		if gerr.Kind == gwerr.KindServiceUnavailable {
			i.log.Warn("backend unavailable",
				"service", rr.Service.Name,
				"endpoint", ep.Address,
				"method", binding.FullMethod(),
				"duration", time.Since(start),
				"error", err,
			)
		}
		return nil, gerr
	}

	mo := protojson.MarshalOptions{
		EmitUnpopulated: i.opts.EmitUnpopulated,
		UseProtoNames:   i.opts.UseProtoNames,
		Resolver:        binding.Types,
	}
	out, err := mo.Marshal(resp)
	if err != nil {
		return nil, &gwerr.Error{
			Kind:      gwerr.KindPayloadConversion,
			Op:        op,
			Direction: gwerr.Outbound,
			Msg:       "cannot render " + string(binding.Output().FullName()),
			Err:       err,
		}
	}

	i.log.Debug("backend call",
		"service", rr.Service.Name,
		"method", binding.FullMethod(),
		"duration", time.Since(start),
	)
	return out, nil
}

var errCallerGone = errors.New("caller went away before the backend answered")

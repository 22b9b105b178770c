package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/getmockd/rpcgate/internal/protoload"
	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/upstream"
)

// Defaults for cache sizing and the handshake bound.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSchemaTTL        = 30 * time.Minute
	DefaultSchemaCapacity   = 2000
	DefaultBindingTTL       = time.Hour
	DefaultBindingCapacity  = 500
)

// Endpoint is the backend a schema is learned from.
type Endpoint struct {
	// Address is "host:port".
	Address string
	TLS     bool
	// SchemaSource selects where the schema comes from. Empty or
	// "reflection" uses server reflection; a comma-separated list of .proto
	// paths (optionally file:// prefixed) is compiled locally.
	SchemaSource string
}

func (e Endpoint) target() upstream.Target {
	return upstream.Target{Endpoint: e.Address, TLS: e.TLS}
}

// ConnProvider hands out shared client connections.
type ConnProvider interface {
	Conn(t upstream.Target) (grpc.ClientConnInterface, error)
}

// MethodBinding is a resolved unary or streaming method on one endpoint.
type MethodBinding struct {
	Endpoint string
	Method   protoreflect.MethodDescriptor
	// Types resolves message types in the method's schema closure, for
	// google.protobuf.Any and extensions.
	Types      *dynamicpb.Types
	ResolvedAt time.Time
}

// FullMethod returns the gRPC method path, "/pkg.Service/Method".
func (b *MethodBinding) FullMethod() string {
	return fmt.Sprintf("/%s/%s", b.Method.Parent().FullName(), b.Method.Name())
}

// Input returns the request message descriptor.
func (b *MethodBinding) Input() protoreflect.MessageDescriptor { return b.Method.Input() }

// Output returns the response message descriptor.
func (b *MethodBinding) Output() protoreflect.MessageDescriptor { return b.Method.Output() }

// IsStreaming reports whether either side of the method streams.
func (b *MethodBinding) IsStreaming() bool {
	return b.Method.IsStreamingClient() || b.Method.IsStreamingServer()
}

type docKey struct {
	endpoint string
	name     string
}

type symbolKey struct {
	endpoint string
	service  string
}

type bindingKey struct {
	endpoint string
	service  string
	method   string
}

func (k bindingKey) String() string {
	return k.endpoint + "|" + k.service + "|" + k.method
}

type schemaEntry struct {
	service protoreflect.ServiceDescriptor
	types   *dynamicpb.Types
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	SchemaTTL        time.Duration
	SchemaCapacity   int
	BindingTTL       time.Duration
	BindingCapacity  int
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	// Now is the clock used for MethodBinding.ResolvedAt.
	Now func() time.Time
}

// Client resolves method bindings, caching what it learns per endpoint.
type Client struct {
	conns   ConnProvider
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	docs        *expirable.LRU[docKey, *descriptorpb.FileDescriptorProto]
	schemas     *expirable.LRU[symbolKey, *schemaEntry]
	fileSchemas *expirable.LRU[docKey, *protoload.Schema]
	bindings    *expirable.LRU[bindingKey, *MethodBinding]

	group singleflight.Group

	genMu sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

// New creates a discovery client using conns for backend connections.
func New(conns ConnProvider, opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.SchemaTTL <= 0 {
		opts.SchemaTTL = DefaultSchemaTTL
	}
	if opts.SchemaCapacity <= 0 {
		opts.SchemaCapacity = DefaultSchemaCapacity
	}
	if opts.BindingTTL <= 0 {
		opts.BindingTTL = DefaultBindingTTL
	}
	if opts.BindingCapacity <= 0 {
		opts.BindingCapacity = DefaultBindingCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		conns:       conns,
		timeout:     opts.HandshakeTimeout,
		log:         logging.OrNop(opts.Logger),
		metrics:     opts.Metrics,
		now:         opts.Now,
		docs:        expirable.NewLRU[docKey, *descriptorpb.FileDescriptorProto](opts.SchemaCapacity, nil, opts.SchemaTTL),
		schemas:     expirable.NewLRU[symbolKey, *schemaEntry](opts.SchemaCapacity, nil, opts.SchemaTTL),
		fileSchemas: expirable.NewLRU[docKey, *protoload.Schema](opts.SchemaCapacity, nil, opts.SchemaTTL),
		bindings:    expirable.NewLRU[bindingKey, *MethodBinding](opts.BindingCapacity, nil, opts.BindingTTL),
		gens:        make(map[string]uint64),
	}
}

// ResolveMethod returns the binding for service/method on ep, learning the
// schema on a cache miss. Concurrent misses for the same binding share one
// handshake.
func (c *Client) ResolveMethod(ctx context.Context, ep Endpoint, service, method string) (*MethodBinding, error) {
	const op = "discovery.resolve"
	if service == "" || method == "" {
		return nil, gwerr.New(gwerr.KindInvalidRequest, op, "service and method are required")
	}

	key := bindingKey{endpoint: ep.Address, service: service, method: method}
	if b, ok := c.bindings.Get(key); ok {
		// Re-adding restarts the idle timer.
		c.bindings.Add(key, b)
		c.metrics.BindingLookup(true)
		return b, nil
	}
	c.metrics.BindingLookup(false)

	// The shared lookup is detached from any one caller; the handshake
	// timeout bounds it and each caller waits under its own context.
	gen := c.generation(ep.Address)
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		if b, ok := c.bindings.Peek(key); ok {
			return b, nil
		}
		entry, err := c.resolveService(detached, ep, service)
		if err != nil {
			return nil, err
		}
		md := entry.service.Methods().ByName(protoreflect.Name(method))
		if md == nil {
			return nil, gwerr.New(gwerr.KindMethodNotFound, op, "method %s not found on service %s", method, service)
		}
		b := &MethodBinding{
			Endpoint:   ep.Address,
			Method:     md,
			Types:      entry.types,
			ResolvedAt: c.now(),
		}
		if c.generation(ep.Address) != gen {
			// Invalidated mid-handshake: answer this flight, cache nothing.
			c.drop(ep.Address)
			return b, nil
		}
		c.bindings.Add(key, b)
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*MethodBinding), nil
	case <-ctx.Done():
		return nil, callerGone(op, ctx.Err())
	}
}

func (c *Client) resolveService(ctx context.Context, ep Endpoint, service string) (*schemaEntry, error) {
	key := symbolKey{endpoint: ep.Address, service: service}
	if e, ok := c.schemas.Get(key); ok {
		return e, nil
	}

	var (
		files *protoregistry.Files
		err   error
	)
	if isFileSource(ep.SchemaSource) {
		files, err = c.loadFileSchema(ctx, ep)
	} else {
		files, err = c.handshake(ctx, ep, service)
	}
	if err != nil {
		return nil, err
	}

	d, err := files.FindDescriptorByName(protoreflect.FullName(service))
	if err != nil {
		return nil, gwerr.New(gwerr.KindSchemaDiscovery, "discovery.resolve", "service %s not found in schema of %s", service, ep.Address)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, gwerr.New(gwerr.KindSchemaDiscovery, "discovery.resolve", "%s is not a service", service)
	}

	entry := &schemaEntry{service: sd, types: dynamicpb.NewTypes(files)}
	c.schemas.Add(key, entry)
	return entry, nil
}

// handshake runs one reflection session and links the schema closure of
// symbol.
func (c *Client) handshake(ctx context.Context, ep Endpoint, symbol string) (*protoregistry.Files, error) {
	const op = "discovery.handshake"

	cc, err := c.conns.Conn(ep.target())
	if err != nil {
		c.metrics.Handshake(metrics.ResultFailure)
		return nil, &gwerr.Error{Kind: gwerr.KindServiceUnavailable, Op: op, Msg: ep.Address, Err: err}
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	sess := newSession(sctx, cc)
	defer sess.close()

	files, rounds, err := c.fetchClosure(sess, ep.Address, symbol)
	if err != nil {
		gerr := c.classify(ctx, sctx, op, ep, symbol, err)
		if gerr.Retryable && gerr.Kind == gwerr.KindSchemaDiscovery {
			c.metrics.Handshake(metrics.ResultTimeout)
		} else {
			c.metrics.Handshake(metrics.ResultFailure)
		}
		c.log.Warn("schema discovery failed", "endpoint", ep.Address, "symbol", symbol, "error", gerr)
		return nil, gerr
	}

	linked, err := link(files)
	if err != nil {
		c.metrics.Handshake(metrics.ResultFailure)
		return nil, &gwerr.Error{Kind: gwerr.KindSchemaDiscovery, Op: op, Msg: "malformed schema from " + ep.Address, Err: err}
	}

	c.metrics.Handshake(metrics.ResultSuccess)
	c.log.Debug("schema discovered",
		"endpoint", ep.Address,
		"symbol", symbol,
		"files", len(files),
		"rounds", rounds,
		"duration", time.Since(start),
	)
	return linked, nil
}

// fetchClosure requests the file declaring symbol, then any missing
// imports in follow-up rounds on the same session.
func (c *Client) fetchClosure(sess *session, endpoint, symbol string) (map[string]*descriptorpb.FileDescriptorProto, int, error) {
	files := make(map[string]*descriptorpb.FileDescriptorProto)

	first, err := sess.fileContainingSymbol(symbol)
	if err != nil {
		return nil, 0, err
	}
	c.accept(endpoint, files, first)
	rounds := 1

	for {
		missing := c.missing(endpoint, files)
		if len(missing) == 0 {
			return files, rounds, nil
		}
		rounds++
		for _, name := range missing {
			got, err := sess.fileByName(name)
			if err != nil {
				return nil, rounds, fmt.Errorf("fetch %s: %w", name, err)
			}
			c.accept(endpoint, files, got)
			if _, ok := files[name]; !ok {
				return nil, rounds, fmt.Errorf("backend did not return %s", name)
			}
		}
	}
}

func (c *Client) accept(endpoint string, into map[string]*descriptorpb.FileDescriptorProto, got []*descriptorpb.FileDescriptorProto) {
	for _, fd := range got {
		into[fd.GetName()] = fd
		if !isWellKnown(fd.GetName()) {
			c.docs.Add(docKey{endpoint: endpoint, name: fd.GetName()}, fd)
		}
	}
}

// missing lists imports not yet in files, filling what it can from the
// document cache and the well-known types. The result is sorted.
func (c *Client) missing(endpoint string, files map[string]*descriptorpb.FileDescriptorProto) []string {
	for {
		var need []string
		added := false
		seen := make(map[string]bool)
		for _, fd := range files {
			for _, dep := range fd.GetDependency() {
				if _, ok := files[dep]; ok || seen[dep] {
					continue
				}
				seen[dep] = true
				if isWellKnown(dep) {
					if wk, ok := wellKnownFile(dep); ok {
						files[dep] = wk
						added = true
						continue
					}
				}
				if cached, ok := c.docs.Get(docKey{endpoint: endpoint, name: dep}); ok {
					files[dep] = cached
					added = true
					continue
				}
				need = append(need, dep)
			}
		}
		// Documents taken from a cache may import further files.
		if !added {
			sort.Strings(need)
			return need
		}
	}
}

func link(files map[string]*descriptorpb.FileDescriptorProto) (*protoregistry.Files, error) {
	set := &descriptorpb.FileDescriptorSet{File: make([]*descriptorpb.FileDescriptorProto, 0, len(files))}
	for _, fd := range files {
		set.File = append(set.File, fd)
	}
	return protodesc.NewFiles(set)
}

// classify maps a session failure to a gateway error.
func (c *Client) classify(parent, sctx context.Context, op string, ep Endpoint, symbol string, err error) *gwerr.Error {
	var re *responseError
	switch {
	case parent.Err() != nil:
		return callerGone(op, parent.Err())
	case errors.Is(sctx.Err(), context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded:
		return &gwerr.Error{Kind: gwerr.KindSchemaDiscovery, Op: op, Retryable: true,
			Msg: fmt.Sprintf("handshake with %s timed out after %s", ep.Address, c.timeout), Err: err}
	case status.Code(err) == codes.Unavailable:
		return &gwerr.Error{Kind: gwerr.KindServiceUnavailable, Op: op, Msg: ep.Address, Err: err}
	case errors.As(err, &re) && re.code == codes.NotFound:
		return &gwerr.Error{Kind: gwerr.KindSchemaDiscovery, Op: op, Msg: fmt.Sprintf("symbol %s not found on %s", symbol, ep.Address), Err: err}
	default:
		return &gwerr.Error{Kind: gwerr.KindSchemaDiscovery, Op: op, Msg: ep.Address, Err: err}
	}
}

// callerGone reports a caller whose own context ended while it waited.
func callerGone(op string, err error) *gwerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &gwerr.Error{Kind: gwerr.KindUpstream, Op: op, GRPCCode: codes.DeadlineExceeded, Msg: "request deadline exceeded during schema discovery", Err: err}
	}
	return &gwerr.Error{Kind: gwerr.KindUpstream, Op: op, GRPCCode: codes.Canceled, Msg: "request cancelled during schema discovery", Err: err}
}

func isFileSource(src string) bool {
	src = strings.TrimSpace(src)
	return strings.HasPrefix(src, "file://") || strings.HasSuffix(src, ".proto") || strings.Contains(src, ".proto,")
}

func (c *Client) loadFileSchema(ctx context.Context, ep Endpoint) (*protoregistry.Files, error) {
	key := docKey{endpoint: ep.Address, name: ep.SchemaSource}
	if s, ok := c.fileSchemas.Get(key); ok {
		return s.Registry(), nil
	}

	var paths []string
	for _, p := range strings.Split(ep.SchemaSource, ",") {
		p = strings.TrimPrefix(strings.TrimSpace(p), "file://")
		if p != "" {
			paths = append(paths, p)
		}
	}
	schema, err := protoload.Compile(ctx, paths, nil)
	if err != nil {
		return nil, &gwerr.Error{Kind: gwerr.KindSchemaDiscovery, Op: "discovery.compile", Msg: ep.SchemaSource, Err: err}
	}
	c.fileSchemas.Add(key, schema)
	return schema.Registry(), nil
}

// ListServices returns the services a backend exports, sorted. Reflection
// backends are asked live; file sources report what they declare.
func (c *Client) ListServices(ctx context.Context, ep Endpoint) ([]string, error) {
	const op = "discovery.list"
	if isFileSource(ep.SchemaSource) {
		if _, err := c.loadFileSchema(ctx, ep); err != nil {
			return nil, err
		}
		s, _ := c.fileSchemas.Peek(docKey{endpoint: ep.Address, name: ep.SchemaSource})
		return s.Services(), nil
	}

	cc, err := c.conns.Conn(ep.target())
	if err != nil {
		return nil, &gwerr.Error{Kind: gwerr.KindServiceUnavailable, Op: op, Msg: ep.Address, Err: err}
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	sess := newSession(sctx, cc)
	defer sess.close()

	names, err := sess.listServices()
	if err != nil {
		return nil, c.classify(ctx, sctx, op, ep, "", err)
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops every schema document, schema and binding learned from
// endpoint. Handshakes already running for endpoint finish without caching
// their results. It returns the number of bindings removed.
func (c *Client) Invalidate(endpoint string) int {
	c.genMu.Lock()
	c.gens[endpoint]++
	c.genMu.Unlock()

	removed := c.drop(endpoint)
	if removed > 0 {
		c.log.Debug("discovery cache invalidated", "endpoint", endpoint, "bindings", removed)
	}
	return removed
}

func (c *Client) drop(endpoint string) int {
	for _, k := range c.docs.Keys() {
		if k.endpoint == endpoint {
			c.docs.Remove(k)
		}
	}
	for _, k := range c.fileSchemas.Keys() {
		if k.endpoint == endpoint {
			c.fileSchemas.Remove(k)
		}
	}
	for _, k := range c.schemas.Keys() {
		if k.endpoint == endpoint {
			c.schemas.Remove(k)
		}
	}
	removed := 0
	for _, k := range c.bindings.Keys() {
		if k.endpoint == endpoint && c.bindings.Remove(k) {
			removed++
		}
	}
	return removed
}

// InvalidateAll empties every cache.
func (c *Client) InvalidateAll() {
	c.genMu.Lock()
	c.epoch++
	c.genMu.Unlock()

	c.docs.Purge()
	c.fileSchemas.Purge()
	c.schemas.Purge()
	c.bindings.Purge()
}

// generation changes whenever endpoint's caches are invalidated.
func (c *Client) generation(endpoint string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.epoch + c.gens[endpoint]
}

// BindingCount returns the number of cached bindings for endpoint.
func (c *Client) BindingCount(endpoint string) int {
	n := 0
	for _, k := range c.bindings.Keys() {
		if k.endpoint == endpoint {
			n++
		}
	}
	return n
}

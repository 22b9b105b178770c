// Package upstream keeps one gRPC client connection per backend endpoint.
//
// Connections are created lazily with grpc.NewClient and shared by schema
// discovery and invocation. They are evicted when a service's endpoint
// changes, when it is unregistered, or when it is swept as stale.
package upstream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/getmockd/rpcgate/pkg/logging"
)

// ErrClosed is returned by Conn after Close.
var ErrClosed = errors.New("upstream pool closed")

// Target identifies a backend endpoint and how to reach it.
type Target struct {
	// Endpoint is "host:port".
	Endpoint string
	// TLS enables transport security with the system roots.
	TLS bool
}

func (t Target) key() string {
	if t.TLS {
		return "tls://" + t.Endpoint
	}
	return t.Endpoint
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) { p.log = logging.OrNop(log) }
}

// WithDialOptions appends extra dial options for every connection.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(p *Pool) { p.dialOpts = append(p.dialOpts, opts...) }
}

// WithTLSConfig sets the TLS configuration used for TLS targets.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(p *Pool) { p.tlsConfig = cfg }
}

// Pool is a concurrency-safe set of client connections keyed by endpoint.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool

	dialOpts  []grpc.DialOption
	tlsConfig *tls.Config
	log       *slog.Logger
}

// NewPool creates an empty pool.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		conns:     make(map[string]*grpc.ClientConn),
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Conn returns the shared connection for t, creating it on first use.
// Creation does not block on the network; failures surface on the first RPC.
func (p *Pool) Conn(t Target) (grpc.ClientConnInterface, error) {
	if t.Endpoint == "" {
		return nil, errors.New("upstream: empty endpoint")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if cc, ok := p.conns[t.key()]; ok {
		return cc, nil
	}

	cc, err := p.dial(t)
	if err != nil {
		return nil, fmt.Errorf("failed to create client connection for %s: %w", t.Endpoint, err)
	}
	p.conns[t.key()] = cc
	p.log.Debug("upstream connection created", "endpoint", t.Endpoint, "tls", t.TLS)
	return cc, nil
}

func (p *Pool) dial(t Target) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithNoProxy(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	if t.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(p.tlsConfig.Clone())))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, p.dialOpts...)
	return grpc.NewClient(t.Endpoint, opts...)
}

// Evict closes and forgets every connection to endpoint, plain or TLS.
// It reports whether anything was removed.
func (p *Pool) Evict(endpoint string) bool {
	p.mu.Lock()
	var victims []*grpc.ClientConn
	for _, key := range []string{endpoint, "tls://" + endpoint} {
		if cc, ok := p.conns[key]; ok {
			victims = append(victims, cc)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()

	for _, cc := range victims {
		if err := cc.Close(); err != nil {
			p.log.Debug("closing evicted connection", "endpoint", endpoint, "error", err)
		}
	}
	if len(victims) > 0 {
		p.log.Debug("upstream connection evicted", "endpoint", endpoint)
	}
	return len(victims) > 0
}

// Len returns the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection. Subsequent Conn calls fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for key, cc := range conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

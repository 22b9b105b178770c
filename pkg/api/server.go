package api

import (
	"log/slog"
	"net/http"

	"github.com/getmockd/rpcgate/pkg/gateway"
	"github.com/getmockd/rpcgate/pkg/logging"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 4 << 20

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(log) }
}

// WithMaxBodyBytes caps inbound request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithVersion sets the version reported by /health and the OpenAPI export.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server holds the HTTP handlers of one gateway.
type Server struct {
	gw      *gateway.Gateway
	log     *slog.Logger
	maxBody int64
	version string
}

// New creates the HTTP surface for gw.
func New(gw *gateway.Gateway, opts ...Option) *Server {
	s := &Server{
		gw:      gw,
		log:     logging.Nop(),
		maxBody: DefaultMaxBodyBytes,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler serves the admin API and the gateway catch-all on one mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAdminRoutes(mux)
	s.registerGatewayRoutes(mux)
	return s.wrap(mux)
}

// AdminHandler serves only the admin API, for a dedicated admin listener.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAdminRoutes(mux)
	return s.wrap(mux)
}

// GatewayHandler serves only gateway calls and /health.
func (s *Server) GatewayHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	s.registerGatewayRoutes(mux)
	return s.wrap(mux)
}

func (s *Server) wrap(h http.Handler) http.Handler {
	return s.recoverPanics(s.logRequests(h))
}

// Package testbackend runs an in-process gRPC backend built from .proto
// fixtures. Methods are served dynamically, so tests only supply handlers
// operating on JSON-shaped maps.
package testbackend

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	reflectionv1alpha "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/getmockd/rpcgate/internal/protoload"
	"github.com/getmockd/rpcgate/pkg/logging"
)

//go:embed testdata/*.proto
var fixtures embed.FS

// Fixture service and method names.
const (
	PricingService = "pricing.PricingService"

	GetPrice     = "/pricing.PricingService/GetPrice"
	GetPriceByID = "/pricing.PricingService/GetPriceById"
	ListPrices   = "/pricing.PricingService/ListPrices"
	SetPrice     = "/pricing.PricingService/SetPrice"
)

// PricingSchema compiles the embedded pricing fixture and its imports.
func PricingSchema(ctx context.Context) (*protoload.Schema, error) {
	entries, err := fixtures.ReadDir("testdata")
	if err != nil {
		return nil, err
	}
	sources := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := fixtures.ReadFile("testdata/" + e.Name())
		if err != nil {
			return nil, err
		}
		sources[e.Name()] = string(data)
	}
	return protoload.CompileSources(ctx, sources, "pricing.proto")
}

// Handler serves one unary method. The request is the protojson form of
// the decoded message using proto field names. The returned value is
// encoded to JSON and decoded into the method's output type.
type Handler func(ctx context.Context, req map[string]any) (any, error)

// ReflectionMode selects which reflection services the backend exposes.
type ReflectionMode int

const (
	// ReflectionFull registers the stock v1 and v1alpha services.
	ReflectionFull ReflectionMode = iota
	// ReflectionV1Alpha registers only the v1alpha service.
	ReflectionV1Alpha
	// ReflectionShallow answers each request with exactly one file and no
	// dependencies, forcing clients to fetch imports in follow-up rounds.
	ReflectionShallow
	// ReflectionOff disables reflection.
	ReflectionOff
)

// Option configures a Server.
type Option func(*Server)

// WithReflection sets the reflection mode.
func WithReflection(mode ReflectionMode) Option {
	return func(s *Server) { s.reflection = mode }
}

// WithReflectionDelay holds every reflection stream for d before serving it.
func WithReflectionDelay(d time.Duration) Option {
	return func(s *Server) { s.reflectionDelay = d }
}

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(log) }
}

// Server is a dynamic gRPC backend.
type Server struct {
	schema          *protoload.Schema
	reflection      ReflectionMode
	reflectionDelay time.Duration
	log             *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	calls    map[string]int

	reflectionStreams  atomic.Int64
	reflectionRequests atomic.Int64

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// New creates a server for every service declared in schema.
func New(schema *protoload.Schema, opts ...Option) *Server {
	s := &Server{
		schema:   schema,
		log:      logging.Nop(),
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle installs h for a full method name ("/pkg.Service/Method").
func (s *Server) Handle(fullMethod string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[fullMethod] = h
}

// Start listens on an ephemeral loopback port and serves in the background.
func (s *Server) Start() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(grpc.StreamInterceptor(s.countReflection))
	if err := s.registerServices(); err != nil {
		_ = lis.Close()
		return "", err
	}

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	opts := reflection.ServerOptions{Services: s.grpcServer, DescriptorResolver: s.schema.Registry()}
	switch s.reflection {
	case ReflectionFull:
		reflectionv1.RegisterServerReflectionServer(s.grpcServer, reflection.NewServerV1(opts))
		reflectionv1alpha.RegisterServerReflectionServer(s.grpcServer, reflection.NewServer(opts))
	case ReflectionV1Alpha:
		reflectionv1alpha.RegisterServerReflectionServer(s.grpcServer, reflection.NewServer(opts))
	case ReflectionShallow:
		reflectionv1.RegisterServerReflectionServer(s.grpcServer, &shallowReflection{server: s})
	}

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("test backend error", "error", err)
		}
	}()
	return lis.Addr().String(), nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the server, forcing connections closed after a short grace period.
func (s *Server) Stop() {
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.grpcServer.Stop()
	}
}

// SetServing flips the overall health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Calls returns how many times fullMethod was invoked.
func (s *Server) Calls(fullMethod string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[fullMethod]
}

// ReflectionStreams returns the number of reflection sessions opened.
func (s *Server) ReflectionStreams() int {
	return int(s.reflectionStreams.Load())
}

// ReflectionRequests returns the number of requests served by the shallow
// reflection service.
func (s *Server) ReflectionRequests() int {
	return int(s.reflectionRequests.Load())
}

func (s *Server) countReflection(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if strings.HasSuffix(info.FullMethod, "/ServerReflectionInfo") {
		s.reflectionStreams.Add(1)
		if s.reflectionDelay > 0 {
			select {
			case <-time.After(s.reflectionDelay):
			case <-ss.Context().Done():
				return ss.Context().Err()
			}
		}
	}
	return handler(srv, ss)
}

func (s *Server) registerServices() error {
	for _, name := range s.schema.Services() {
		svc, err := s.schema.FindService(name)
		if err != nil {
			return err
		}

		var methods []grpc.MethodDesc
		var streams []grpc.StreamDesc
		ms := svc.Methods()
		for i := 0; i < ms.Len(); i++ {
			md := ms.Get(i)
			if md.IsStreamingClient() || md.IsStreamingServer() {
				streams = append(streams, grpc.StreamDesc{
					StreamName:    string(md.Name()),
					Handler:       unimplementedStream,
					ServerStreams: md.IsStreamingServer(),
					ClientStreams: md.IsStreamingClient(),
				})
				continue
			}
			methods = append(methods, grpc.MethodDesc{
				MethodName: string(md.Name()),
				Handler:    s.makeUnaryHandler(md),
			})
		}

		s.grpcServer.RegisterService(&grpc.ServiceDesc{
			ServiceName: name,
			HandlerType: (*any)(nil),
			Methods:     methods,
			Streams:     streams,
		}, struct{}{})
	}
	return nil
}

func unimplementedStream(any, grpc.ServerStream) error {
	return status.Error(codes.Unimplemented, "streaming is not served by the test backend")
}

func (s *Server) makeUnaryHandler(md protoreflect.MethodDescriptor) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		return s.handleUnary(ctx, md, fullMethod, dec)
	}
}

func (s *Server) handleUnary(ctx context.Context, md protoreflect.MethodDescriptor, fullMethod string, dec func(any) error) (any, error) {
	reqMsg := dynamicpb.NewMessage(md.Input())
	if err := dec(reqMsg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
	}

	s.mu.Lock()
	s.calls[fullMethod]++
	h := s.handlers[fullMethod]
	s.mu.Unlock()

	if h == nil {
		return nil, status.Errorf(codes.Unimplemented, "no handler for %s", fullMethod)
	}

	req, err := messageToMap(reqMsg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to convert request: %v", err)
	}

	data, err := h(ctx, req)
	if err != nil {
		return nil, err
	}
	return buildResponse(md.Output(), data)
}

func buildResponse(desc protoreflect.MessageDescriptor, data any) (*dynamicpb.Message, error) {
	resp := dynamicpb.NewMessage(desc)
	if data == nil {
		return resp, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal response data: %v", err)
	}
	if err := protojson.Unmarshal(raw, resp); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to unmarshal response into proto: %v", err)
	}
	return resp, nil
}

func messageToMap(msg proto.Message) (map[string]any, error) {
	raw, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package registry

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// ProtocolGRPC is the only transport tag the gateway can invoke.
const ProtocolGRPC = "grpc"

// ServiceRegistration is a backend service known to the gateway.
type ServiceRegistration struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	TLS      bool   `json:"tls" yaml:"tls"`
	// SchemaSource is empty or "reflection" for runtime discovery, or a
	// .proto path / file:// URL compiled locally.
	SchemaSource  string    `json:"schemaSource,omitempty" yaml:"schemaSource,omitempty"`
	Version       string    `json:"version,omitempty" yaml:"version,omitempty"`
	Active        bool      `json:"active" yaml:"active"`
	LastHeartbeat time.Time `json:"lastHeartbeat" yaml:"lastHeartbeat"`
	CreatedAt     time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Endpoint returns the host:port dial target.
func (s *ServiceRegistration) Endpoint() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Clone returns a copy of s.
func (s *ServiceRegistration) Clone() *ServiceRegistration {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// connectionChanged reports whether b would be reached differently than s.
func (s *ServiceRegistration) connectionChanged(b *ServiceRegistration) bool {
	return s.Host != b.Host || s.Port != b.Port || s.TLS != b.TLS ||
		s.Version != b.Version || s.SchemaSource != b.SchemaSource
}

// RouteDefinition maps an HTTP method and path template to an RPC method.
type RouteDefinition struct {
	HTTPMethod string `json:"httpMethod" yaml:"httpMethod"`
	Path       string `json:"path" yaml:"path"`
	// ServiceName is the owning registration; set by the registry.
	ServiceName   string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	TargetService string `json:"targetService" yaml:"targetService"`
	TargetMethod  string `json:"targetMethod" yaml:"targetMethod"`
	// RequestType and ResponseType are advisory; schemas are discovered.
	RequestType  string   `json:"requestType,omitempty" yaml:"requestType,omitempty"`
	ResponseType string   `json:"responseType,omitempty" yaml:"responseType,omitempty"`
	Public       bool     `json:"public" yaml:"public"`
	Roles        []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Hash         string   `json:"routeHash,omitempty" yaml:"routeHash,omitempty"`
	// Order is the route's position in its service definition.
	Order     int       `json:"order" yaml:"order"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Key returns the routing key "METHOD:path".
func (r *RouteDefinition) Key() string {
	return RouteKey(r.HTTPMethod, r.Path)
}

// FullMethod returns the gRPC method path "/pkg.Service/Method".
func (r *RouteDefinition) FullMethod() string {
	return "/" + r.TargetService + "/" + r.TargetMethod
}

// RouteKey builds the routing key for a method and path.
func RouteKey(method, path string) string {
	return strings.ToUpper(method) + ":" + NormalizePath(path)
}

// NormalizePath adds a leading slash and strips trailing slashes.
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// ServiceDefinition is the self-description a service registers with.
type ServiceDefinition struct {
	Name         string            `json:"name" yaml:"name"`
	Protocol     string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Host         string            `json:"host" yaml:"host"`
	Port         int               `json:"port" yaml:"port"`
	TLS          bool              `json:"tls,omitempty" yaml:"tls,omitempty"`
	SchemaSource string            `json:"schemaSource,omitempty" yaml:"schemaSource,omitempty"`
	Version      string            `json:"version,omitempty" yaml:"version,omitempty"`
	Routes       []RouteDefinition `json:"routes" yaml:"routes"`
}

// RegisterResult is returned by RegisterService.
type RegisterResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RoutesRegistered int    `json:"routesRegistered"`
	RoutesSkipped    int    `json:"routesSkipped"`
	ServiceID        string `json:"serviceId"`
}

// RouteCheck identifies a route version a service believes is registered.
type RouteCheck struct {
	HTTPMethod string `json:"httpMethod"`
	Path       string `json:"path"`
	RouteHash  string `json:"routeHash"`
}

// RouteCheckResult partitions RouteChecks by whether they need resending.
type RouteCheckResult struct {
	UpToDate          []RouteCheck `json:"upToDate"`
	NeedsRegistration []RouteCheck `json:"needsRegistration"`
}

// ResolvedRoute is a route joined with the registration serving it.
type ResolvedRoute struct {
	Route   RouteDefinition     `json:"route"`
	Service ServiceRegistration `json:"service"`
	// Variables holds path template bindings; set by the resolver.
	Variables map[string]string `json:"variables,omitempty"`
}

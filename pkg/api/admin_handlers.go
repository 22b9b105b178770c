package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/getmockd/rpcgate/pkg/httputil"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Services int    `json:"services"`
	Routes   int    `json:"routes"`
	LoadedAt string `json:"loadedAt,omitempty"`
}

// SuccessResponse is returned by heartbeat and unregister.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// RouteCheckRequest is the body of a route check.
type RouteCheckRequest struct {
	Routes []registry.RouteCheck `json:"routes"`
}

// RouteInfo is one row of GET /admin/routes.
type RouteInfo struct {
	Key          string `json:"key"`
	HTTPMethod   string `json:"httpMethod"`
	Path         string `json:"path"`
	Service      string `json:"service"`
	Endpoint     string `json:"endpoint"`
	TargetMethod string `json:"targetMethod"`
	RouteHash    string `json:"routeHash"`
	Public       bool   `json:"public"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.gw.Registry().Snapshot()
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Services: snap.ServiceCount(),
		Routes:   snap.Len(),
	}
	if t := snap.LoadedAt(); !t.IsZero() {
		resp.LoadedAt = t.UTC().Format(time.RFC3339)
	}
	httputil.WriteOK(w, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var def registry.ServiceDefinition
	if err := httputil.DecodeJSON(r, s.maxBody, &def); err != nil {
		writeBodyError(w, err)
		return
	}

	res, err := s.gw.Registry().RegisterService(r.Context(), def)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidDefinition) {
			httputil.WriteJSON(w, http.StatusBadRequest, registry.RegisterResult{
				Success: false,
				Message: err.Error(),
			})
			return
		}
		s.writeStoreError(w, "register service", err)
		return
	}
	httputil.WriteOK(w, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ok, err := s.gw.Registry().Heartbeat(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, "heartbeat", err)
		return
	}
	httputil.WriteOK(w, SuccessResponse{Success: ok})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	ok, err := s.gw.Registry().UnregisterService(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, "unregister service", err)
		return
	}
	httputil.WriteOK(w, SuccessResponse{Success: ok})
}

func (s *Server) handleCheckRoutes(w http.ResponseWriter, r *http.Request) {
	var req RouteCheckRequest
	if err := httputil.DecodeJSON(r, s.maxBody, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	res, err := s.gw.Registry().CheckRoutes(r.Context(), r.PathValue("name"), req.Routes)
	if err != nil {
		s.writeStoreError(w, "check routes", err)
		return
	}
	httputil.WriteOK(w, res)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.gw.Registry().ListServices(r.Context())
	if err != nil {
		s.writeStoreError(w, "list services", err)
		return
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	if services == nil {
		services = []registry.ServiceRegistration{}
	}
	httputil.WriteOK(w, services)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.gw.Registry().GetService(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, "get service", err)
		return
	}
	httputil.WriteOK(w, svc)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.gw.Registry().ListRoutes()
	out := make([]RouteInfo, 0, len(routes))
	for _, rr := range routes {
		out = append(out, RouteInfo{
			Key:          rr.Route.Key(),
			HTTPMethod:   rr.Route.HTTPMethod,
			Path:         rr.Route.Path,
			Service:      rr.Service.Name,
			Endpoint:     rr.Service.Endpoint(),
			TargetMethod: rr.Route.FullMethod(),
			RouteHash:    rr.Route.Hash,
			Public:       rr.Route.Public,
		})
	}
	httputil.WriteOK(w, out)
}

// activeService returns the named active registration or writes a 404.
func (s *Server) activeService(w http.ResponseWriter, r *http.Request) (*registry.ServiceRegistration, bool) {
	svc, ok := s.gw.Registry().Snapshot().Service(r.PathValue("name"))
	if !ok {
		httputil.WriteNotFound(w, codeServiceNotFound, msgServiceNotFound)
		return nil, false
	}
	return svc, true
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.activeService(w, r)
	if !ok {
		return
	}
	h, err := s.gw.Invoker().GetHealth(r.Context(), svc)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	httputil.WriteOK(w, h)
}

func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.activeService(w, r)
	if !ok {
		return
	}
	info, err := s.gw.Invoker().GetInfo(r.Context(), svc)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	httputil.WriteOK(w, info)
}

func (s *Server) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.activeService(w, r)
	if !ok {
		return
	}
	httputil.WriteOK(w, s.gw.Invoker().GetMetrics(svc))
}

package api

import "net/http"

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.gw.Metrics().Handler())

	mux.HandleFunc("POST /admin/services", s.handleRegister)
	mux.HandleFunc("GET /admin/services", s.handleListServices)
	mux.HandleFunc("GET /admin/services/{name}", s.handleGetService)
	mux.HandleFunc("DELETE /admin/services/{name}", s.handleUnregister)
	mux.HandleFunc("PUT /admin/services/{name}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /admin/services/{name}/routes/check", s.handleCheckRoutes)

	mux.HandleFunc("GET /admin/services/{name}/health", s.handleServiceHealth)
	mux.HandleFunc("GET /admin/services/{name}/info", s.handleServiceInfo)
	mux.HandleFunc("GET /admin/services/{name}/metrics", s.handleServiceMetrics)

	mux.HandleFunc("GET /admin/routes", s.handleListRoutes)
	mux.HandleFunc("GET /admin/openapi.json", s.handleOpenAPI)
}

func (s *Server) registerGatewayRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleGateway)
}

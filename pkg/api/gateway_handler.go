package api

import (
	"net/http"

	"github.com/getmockd/rpcgate/pkg/httputil"
)

// handleGateway forwards any non-admin request to its backend method.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r, s.maxBody)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	out, err := s.gw.Handle(r.Context(), r.Method, r.URL.Path, body, r.URL.Query())
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	httputil.WriteRawJSON(w, http.StatusOK, out)
}

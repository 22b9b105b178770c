package api

import (
	"errors"
	"net/http"

	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/httputil"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// Error codes for failures outside the gateway error kinds.
const (
	codeInternal        = "INTERNAL_ERROR"
	codeInvalidJSON     = "INVALID_JSON"
	codeBodyTooLarge    = "BODY_TOO_LARGE"
	codeInvalidRequest  = string(gwerr.KindInvalidRequest)
	codeServiceNotFound = "SERVICE_NOT_FOUND"
)

// Client-facing messages for failures whose details stay in the log.
const (
	msgInternal        = "An internal error occurred"
	msgUnavailable     = "Backend service is unavailable"
	msgSchemaDiscovery = "Failed to discover the backend method schema"
	msgOutbound        = "Failed to encode the backend response"
	msgServiceNotFound = "Service not found"
	msgBodyTooLarge    = "Request body too large"
)

// writeGatewayError writes err as a sanitized error response. The full
// error is logged.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	status := gwerr.HTTPStatus(err)
	body := httputil.ErrorBody{Error: codeInternal, Message: msgInternal}

	var e *gwerr.Error
	if errors.As(err, &e) {
		body.Error = string(e.Kind)
		body.Retryable = gwerr.IsRetryable(err)
		switch e.Kind {
		case gwerr.KindServiceUnavailable:
			body.Message = msgUnavailable
		case gwerr.KindSchemaDiscovery:
			body.Message = msgSchemaDiscovery
		case gwerr.KindPayloadConversion:
			body.Message = msgOutbound
			if e.Direction == gwerr.Inbound {
				body.Message = clientMessage(e)
			}
		case gwerr.KindUpstream:
			body.Message = e.Msg
			body.Details = e.Details
		default:
			body.Message = clientMessage(e)
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.Warn("gateway call failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.log.Debug("gateway call rejected",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	httputil.WriteErrorBody(w, status, body)
}

// clientMessage is the message of a client-caused error, including the
// wrapped cause.
func clientMessage(e *gwerr.Error) string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	return msg
}

// writeStoreError writes an admin operation failure.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, registry.ErrServiceNotFound):
		httputil.WriteNotFound(w, codeServiceNotFound, msgServiceNotFound)
	case errors.Is(err, registry.ErrInvalidDefinition):
		httputil.WriteBadRequest(w, codeInvalidRequest, err.Error())
	default:
		s.log.Error("admin operation failed", "operation", op, "error", err)
		httputil.WriteInternalError(w, codeInternal, msgInternal)
	}
}

// writeBodyError writes a request body decoding failure.
func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, codeBodyTooLarge, msgBodyTooLarge)
		return
	}
	httputil.WriteBadRequest(w, codeInvalidJSON, err.Error())
}

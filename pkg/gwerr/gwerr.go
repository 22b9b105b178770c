// Package gwerr defines the error kinds surfaced by the gateway.
//
// Every failure on the request path is classified into a Kind so the HTTP
// surface can choose a status code without inspecting error strings. Kinds
// compare with errors.Is against the exported sentinels:
//
//	if errors.Is(err, gwerr.ErrServiceUnavailable) {
//	    // retry later
//	}
package gwerr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies a gateway failure.
type Kind string

// Error kinds.
const (
	KindRouteNotFound      Kind = "ROUTE_NOT_FOUND"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindSchemaDiscovery    Kind = "SCHEMA_DISCOVERY_FAILED"
	KindPayloadConversion  Kind = "PAYLOAD_CONVERSION_FAILED"
	KindMethodNotFound     Kind = "METHOD_NOT_FOUND"
	KindUpstream           Kind = "UPSTREAM_ERROR"
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	// KindRegistrationConflict is reserved: upserts resolve duplicates by hash.
	KindRegistrationConflict Kind = "REGISTRATION_CONFLICT"
)

// Sentinels for errors.Is matching against a kind.
var (
	ErrRouteNotFound        = &Error{Kind: KindRouteNotFound}
	ErrServiceUnavailable   = &Error{Kind: KindServiceUnavailable}
	ErrSchemaDiscovery      = &Error{Kind: KindSchemaDiscovery}
	ErrPayloadConversion    = &Error{Kind: KindPayloadConversion}
	ErrMethodNotFound       = &Error{Kind: KindMethodNotFound}
	ErrUpstream             = &Error{Kind: KindUpstream}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrRegistrationConflict = &Error{Kind: KindRegistrationConflict}
)

// Direction tells whether a payload conversion failed on the way in or out.
type Direction int

const (
	// Inbound is the JSON → wire direction (client fault).
	Inbound Direction = iota
	// Outbound is the wire → JSON direction (gateway/backend fault).
	Outbound
)

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "discovery.resolve".
	Op  string
	Msg string
	// Retryable marks conditions a caller may retry (the gateway never does).
	Retryable bool
	// Direction is meaningful for KindPayloadConversion only.
	Direction Direction
	// GRPCCode is the upstream status code for KindUpstream.
	GRPCCode codes.Code
	// Details carries upstream status details rendered as JSON-friendly values.
	Details []any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a classified error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable || e.Kind == KindServiceUnavailable
	}
	return false
}

// HTTPStatus maps err to the status code returned to HTTP callers.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindSchemaDiscovery:
		if e.Retryable {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	case KindPayloadConversion:
		if e.Direction == Inbound {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	case KindMethodNotFound:
		return http.StatusNotImplemented
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindRegistrationConflict:
		return http.StatusConflict
	case KindUpstream:
		return HTTPStatusFromCode(e.GRPCCode)
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusFromCode maps a gRPC status code to its conventional HTTP status.
func HTTPStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

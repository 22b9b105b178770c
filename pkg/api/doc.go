// Package api serves the gateway over HTTP.
//
// The admin surface under /admin handles self-registration, heartbeats,
// route checks, listings, backend pass-through status and an OpenAPI
// rendering of the route table. Every other path is a gateway call: the
// method, path, body and query are handed to the gateway and the backend's
// JSON response is returned unchanged.
//
// Error responses share one shape:
//
//	{"error": "SERVICE_UNAVAILABLE", "message": "backend service is unavailable", "retryable": true}
//
// Internal failure details are logged, never returned.
package api

// Package discovery learns backend schemas at runtime through the gRPC
// server reflection protocol and turns them into method bindings the
// invoker can use to build dynamic messages.
//
// A handshake opens one reflection stream, asks for the file declaring the
// target service and then requests any imports the server did not bundle,
// round by round, until the dependency closure is complete. Well-known
// types (google/protobuf/*) are never fetched; the gateway's own copies are
// used. Each session is bounded by a handshake timeout.
//
// Three caches sit in front of the network:
//
//   - schema documents, keyed by (endpoint, file name), expire a fixed time
//     after they were fetched;
//   - linked service schemas, keyed by (endpoint, service), expire the same
//     way;
//   - method bindings, keyed by (endpoint, service, method), expire after a
//     period without access.
//
// Failures are never cached. Invalidate drops everything learned from one
// endpoint without touching other endpoints.
//
// Services registered with a .proto schema source are compiled locally
// instead of using reflection.
package discovery

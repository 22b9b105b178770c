// Package registry owns service registrations and the routes they publish.
//
// A Registry persists registrations through a Backend, mirrors the active
// route table into an immutable Snapshot that readers load without locking,
// and optionally mirrors the same table into a distributed RouteCache.
// Writers (registration, unregister, the staleness sweep) build a new
// Snapshot and swap it in whole.
//
// Registration is an idempotent upsert: each route carries a content hash
// over its routing-relevant fields, and a route whose stored hash already
// matches is skipped instead of rewritten.
package registry

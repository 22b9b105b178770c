// Package gateway wires the route store, resolver, schema discovery and
// dynamic invoker into one process-level component.
//
// A Gateway owns the lifecycle: Start loads the route table, registers
// static routes, starts the staleness sweeper and subscribes to peer
// notifications; Shutdown stops them and releases connections and stores.
// Registry changes that move or retire a backend invalidate the discovery
// caches and pooled connection of the old endpoint.
package gateway

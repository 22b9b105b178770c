// Package metrics holds the Prometheus collectors exported by the gateway.
//
// All collectors live on a Metrics value registered against a caller-owned
// prometheus.Registerer, so tests can use an isolated registry. Every method
// is safe to call on a nil *Metrics, which lets components run without
// metrics wired in.
package metrics

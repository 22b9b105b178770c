// Package routecache implements registry.RouteCache.
//
// The Redis backend stores each resolved route as a JSON string under
// "<prefix>route:<METHOD:path>" with a TTL, plus a set of live keys under
// "<prefix>routes" so the table can be replaced without SCAN. Nop is used
// when no Redis URL is configured.
package routecache

// Package cli implements the rpcgate command line.
//
// "rpcgate serve" runs the gateway. The remaining commands are thin clients
// of a running gateway's admin API (register, unregister, heartbeat, check,
// routes, services) or work on local files without a server (validate,
// config).
package cli

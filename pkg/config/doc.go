// Package config loads gateway configuration.
//
// Values are layered: built-in defaults, then a YAML or JSON file (format
// chosen by extension), then RPCGATE_* environment variables. Command-line
// flags are applied last by the cli package. Sources records where each
// overridden value came from so `rpcgate config` can explain
// the effective configuration.
//
// Static route files are YAML or JSON documents holding one service
// definition or a list of them. They are located with doublestar globs and
// registered at startup through the regular, idempotent registration path.
package config

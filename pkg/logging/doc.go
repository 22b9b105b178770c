// Package logging builds the structured loggers used across rpcgate.
//
// It wraps log/slog so every component logs with the same level and format
// conventions. Components accept a *slog.Logger in their constructor or via
// a setter and fall back to Nop() when none is given.
//
//	log := logging.New(logging.Config{
//	    Level:  logging.ParseLevel("debug"),
//	    Format: logging.FormatJSON,
//	})
//	log.Info("route registered", "service", "pricing", "path", "/api/pricing/{sku}")
//
// Records can additionally be shipped to Loki by combining the console handler
// with a LokiHandler through NewMultiHandler.
package logging

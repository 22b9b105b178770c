// Package store holds configuration shared by the durable registry backends.
//
// Backends live in sub-packages:
//   - file: a JSON document rewritten atomically with debounced saves
//   - bolt: a BoltDB database with one bucket per collection
//
// Data directories follow the XDG Base Directory Specification:
// $XDG_DATA_HOME/rpcgate or ~/.local/share/rpcgate.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Common errors
var (
	ErrReadOnly       = errors.New("store is read-only")
	ErrUnknownBackend = errors.New("unknown store backend")
	ErrCorrupt        = errors.New("store data is corrupt")
)

// Backend represents a storage backend type.
type Backend string

const (
	// BackendFile stores the registry in a JSON file.
	BackendFile Backend = "file"
	// BackendBolt stores the registry in a BoltDB file.
	BackendBolt Backend = "bolt"
	// BackendMemory keeps the registry in memory only.
	BackendMemory Backend = "memory"
)

// Config holds store configuration.
type Config struct {
	// Backend specifies the storage backend to use
	Backend Backend `json:"backend" yaml:"backend"`

	// DataDir is the directory holding the store files.
	// Defaults to XDG_DATA_HOME/rpcgate or ~/.local/share/rpcgate
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`

	// ReadOnly prevents any write operations
	ReadOnly bool `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend: BackendFile,
		DataDir: DefaultDataDir(),
	}
}

// Validate checks the backend name.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendBolt, BackendMemory:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
}

// DefaultDataDir returns the default data directory following XDG conventions.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "rpcgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".rpcgate", "data")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "rpcgate")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "rpcgate")
		}
		return filepath.Join(home, "AppData", "Local", "rpcgate")
	}
	return filepath.Join(home, ".local", "share", "rpcgate")
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0700)
}

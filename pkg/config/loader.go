package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getmockd/rpcgate/pkg/store"
)

// Loading errors.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidJSON      = errors.New("invalid JSON syntax")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// Value sources.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
	SourceFlag    = "flag"
)

// Environment variable names.
const (
	EnvConfig           = "RPCGATE_CONFIG"
	EnvPort             = "RPCGATE_PORT"
	EnvAdminPort        = "RPCGATE_ADMIN_PORT"
	EnvStoreBackend     = "RPCGATE_STORE_BACKEND"
	EnvDataDir          = "RPCGATE_DATA_DIR"
	EnvRedisURL         = "RPCGATE_REDIS_URL"
	EnvNATSURL          = "RPCGATE_NATS_URL"
	EnvLogLevel         = "RPCGATE_LOG_LEVEL"
	EnvLogFormat        = "RPCGATE_LOG_FORMAT"
	EnvLokiURL          = "RPCGATE_LOKI_URL"
	EnvHeartbeatTimeout = "RPCGATE_HEARTBEAT_TIMEOUT"
	EnvSweepInterval    = "RPCGATE_SWEEP_INTERVAL"
	EnvHandshakeTimeout = "RPCGATE_HANDSHAKE_TIMEOUT"
	EnvCallTimeout      = "RPCGATE_CALL_TIMEOUT"
	EnvStaticRoutes     = "RPCGATE_STATIC_ROUTES"
)

// Load builds the effective configuration: defaults, then the file at path
// when non-empty, then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads a configuration file over the defaults. The format is
// detected from the extension: .yaml and .yml are YAML, anything else JSON.
func LoadFromFile(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	cfg := Default()
	if isYAML(path) {
		err = ParseYAML(data, cfg)
	} else {
		err = ParseJSON(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Sources["configFile"] = path
	markFileSources(data, cfg.Sources)
	return cfg, nil
}

// markFileSources records every section.key present in data as coming from
// the file. JSON parses as YAML, so one decoder covers both formats.
func markFileSources(data []byte, sources map[string]string) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	for section, v := range raw {
		fields, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for key := range fields {
			sources[section+"."+key] = SourceFile
		}
	}
}

// ParseYAML decodes YAML over cfg. Unknown keys are rejected.
func ParseYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// ParseJSON decodes JSON over cfg. Unknown keys are rejected.
func ParseJSON(data []byte, cfg *Config) error {
	if !json.Valid(data) {
		return ErrInvalidJSON
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv overrides values from RPCGATE_* variables that are set.
func (c *Config) ApplyEnv() error {
	if c.Sources == nil {
		c.Sources = make(map[string]string)
	}
	var errs []error

	setInt := func(env, key string, dst *int) {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
				return
			}
			*dst = n
			c.Sources[key] = SourceEnv
		}
	}
	setString := func(env, key string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
			c.Sources[key] = SourceEnv
		}
	}
	setDuration := func(env, key string, dst *Duration) {
		if v := os.Getenv(env); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
				return
			}
			*dst = d
			c.Sources[key] = SourceEnv
		}
	}

	setInt(EnvPort, "server.port", &c.Server.Port)
	setInt(EnvAdminPort, "server.adminPort", &c.Server.AdminPort)
	if v := os.Getenv(EnvStoreBackend); v != "" {
		c.Store.Backend = store.Backend(strings.ToLower(v))
		c.Sources["store.backend"] = SourceEnv
	}
	setString(EnvDataDir, "store.dataDir", &c.Store.DataDir)
	setString(EnvRedisURL, "cache.redisUrl", &c.Cache.RedisURL)
	setString(EnvNATSURL, "notify.natsUrl", &c.Notify.NATSURL)
	setString(EnvLogLevel, "logging.level", &c.Logging.Level)
	setString(EnvLogFormat, "logging.format", &c.Logging.Format)
	setString(EnvLokiURL, "logging.lokiUrl", &c.Logging.LokiURL)
	setDuration(EnvHeartbeatTimeout, "registry.heartbeatTimeout", &c.Registry.HeartbeatTimeout)
	setDuration(EnvSweepInterval, "registry.sweepInterval", &c.Registry.SweepInterval)
	setDuration(EnvHandshakeTimeout, "discovery.handshakeTimeout", &c.Discovery.HandshakeTimeout)
	setDuration(EnvCallTimeout, "invoker.callTimeout", &c.Invoker.CallTimeout)
	if v := os.Getenv(EnvStaticRoutes); v != "" {
		c.Registry.StaticRoutes = splitList(v)
		c.Sources["registry.staticRoutes"] = SourceEnv
	}

	return errors.Join(errs...)
}

// Source reports where key's value came from.
func (c *Config) Source(key string) string {
	if s, ok := c.Sources[key]; ok {
		return s
	}
	return SourceDefault
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

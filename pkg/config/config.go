package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/getmockd/rpcgate/pkg/discovery"
	"github.com/getmockd/rpcgate/pkg/invoker"
	"github.com/getmockd/rpcgate/pkg/notify"
	"github.com/getmockd/rpcgate/pkg/routecache"
	"github.com/getmockd/rpcgate/pkg/store"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Store     store.Config    `json:"store" yaml:"store"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Invoker   InvokerConfig   `json:"invoker" yaml:"invoker"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`

	// Sources maps dotted field names to where their value came from.
	Sources map[string]string `json:"-" yaml:"-"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
	// AdminPort serves the admin API separately when non-zero; otherwise
	// admin routes share Port.
	AdminPort    int      `json:"adminPort,omitempty" yaml:"adminPort,omitempty"`
	ReadTimeout  Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout"`
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes int64 `json:"maxBodyBytes" yaml:"maxBodyBytes"`
}

// RegistryConfig configures liveness tracking and static routes.
type RegistryConfig struct {
	HeartbeatTimeout Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`
	SweepInterval    Duration `json:"sweepInterval" yaml:"sweepInterval"`
	// StaticRoutes are glob patterns ("routes/**/*.yaml") of route files.
	StaticRoutes []string `json:"staticRoutes,omitempty" yaml:"staticRoutes,omitempty"`
}

// CacheConfig configures the distributed route cache. An empty RedisURL
// disables it.
type CacheConfig struct {
	RedisURL string   `json:"redisUrl,omitempty" yaml:"redisUrl,omitempty"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
	Prefix   string   `json:"prefix" yaml:"prefix"`
}

// DiscoveryConfig sizes the schema caches.
type DiscoveryConfig struct {
	HandshakeTimeout Duration `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	SchemaTTL        Duration `json:"schemaTtl" yaml:"schemaTtl"`
	SchemaCapacity   int      `json:"schemaCapacity" yaml:"schemaCapacity"`
	BindingTTL       Duration `json:"bindingTtl" yaml:"bindingTtl"`
	BindingCapacity  int      `json:"bindingCapacity" yaml:"bindingCapacity"`
}

// InvokerConfig configures backend calls and JSON conversion.
type InvokerConfig struct {
	CallTimeout     Duration `json:"callTimeout" yaml:"callTimeout"`
	DiscardUnknown  bool     `json:"discardUnknown" yaml:"discardUnknown"`
	UseProtoNames   bool     `json:"useProtoNames" yaml:"useProtoNames"`
	EmitUnpopulated bool     `json:"emitUnpopulated" yaml:"emitUnpopulated"`
}

// NotifyConfig configures cross-replica change notifications. An empty
// NATSURL disables them.
type NotifyConfig struct {
	NATSURL string `json:"natsUrl,omitempty" yaml:"natsUrl,omitempty"`
	Subject string `json:"subject" yaml:"subject"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `json:"level" yaml:"level"`
	Format  string `json:"format" yaml:"format"`
	LokiURL string `json:"lokiUrl,omitempty" yaml:"lokiUrl,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
			MaxBodyBytes: 4 << 20,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: Duration(90 * time.Second),
			SweepInterval:    Duration(30 * time.Second),
		},
		Store: store.DefaultConfig(),
		Cache: CacheConfig{
			TTL:    Duration(routecache.DefaultTTL),
			Prefix: routecache.DefaultPrefix,
		},
		Discovery: DiscoveryConfig{
			HandshakeTimeout: Duration(discovery.DefaultHandshakeTimeout),
			SchemaTTL:        Duration(discovery.DefaultSchemaTTL),
			SchemaCapacity:   discovery.DefaultSchemaCapacity,
			BindingTTL:       Duration(discovery.DefaultBindingTTL),
			BindingCapacity:  discovery.DefaultBindingCapacity,
		},
		Invoker: InvokerConfig{
			CallTimeout:     Duration(invoker.DefaultCallTimeout),
			DiscardUnknown:  true,
			EmitUnpopulated: true,
		},
		Notify: NotifyConfig{
			Subject: notify.DefaultSubject,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Sources: make(map[string]string),
	}
}

// Validation errors.
var (
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrInvalidURL      = errors.New("invalid URL")
)

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %w", ErrInvalidPort))
	}
	if c.Server.AdminPort != 0 {
		if c.Server.AdminPort < 1 || c.Server.AdminPort > 65535 {
			errs = append(errs, fmt.Errorf("server.adminPort: %w", ErrInvalidPort))
		} else if c.Server.AdminPort == c.Server.Port {
			errs = append(errs, errors.New("server.adminPort: must differ from server.port"))
		}
	}

	positive := map[string]Duration{
		"registry.heartbeatTimeout":  c.Registry.HeartbeatTimeout,
		"registry.sweepInterval":     c.Registry.SweepInterval,
		"discovery.handshakeTimeout": c.Discovery.HandshakeTimeout,
		"discovery.schemaTtl":        c.Discovery.SchemaTTL,
		"discovery.bindingTtl":       c.Discovery.BindingTTL,
		"invoker.callTimeout":        c.Invoker.CallTimeout,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrInvalidDuration))
		}
	}
	if c.Registry.SweepInterval > c.Registry.HeartbeatTimeout {
		errs = append(errs, errors.New("registry.sweepInterval: must not exceed registry.heartbeatTimeout"))
	}
	if c.Discovery.SchemaCapacity < 1 || c.Discovery.BindingCapacity < 1 {
		errs = append(errs, errors.New("discovery: cache capacities must be positive"))
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store.backend: %w", err))
	}

	if c.Cache.RedisURL != "" {
		if err := checkURL(c.Cache.RedisURL, "redis", "rediss"); err != nil {
			errs = append(errs, fmt.Errorf("cache.redisUrl: %w", err))
		}
	}
	if c.Notify.NATSURL != "" {
		if err := checkURL(c.Notify.NATSURL, "nats", "tls"); err != nil {
			errs = append(errs, fmt.Errorf("notify.natsUrl: %w", err))
		}
	}
	if c.Logging.LokiURL != "" {
		if err := checkURL(c.Logging.LokiURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("logging.lokiUrl: %w", err))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%w: scheme must be one of %s", ErrInvalidURL, strings.Join(schemes, ", "))
}

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/getmockd/rpcgate/internal/storage"
	"github.com/getmockd/rpcgate/pkg/config"
	"github.com/getmockd/rpcgate/pkg/discovery"
	"github.com/getmockd/rpcgate/pkg/invoker"
	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/notify"
	"github.com/getmockd/rpcgate/pkg/registry"
	"github.com/getmockd/rpcgate/pkg/routecache"
	"github.com/getmockd/rpcgate/pkg/store"
	"github.com/getmockd/rpcgate/pkg/store/bolt"
	"github.com/getmockd/rpcgate/pkg/store/file"
)

// Build creates a gateway from the process configuration: it opens the
// configured store, connects the optional Redis cache and NATS notifier,
// and loads static route files. The returned gateway is not started.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	log = logging.OrNop(log)

	backend, err := OpenBackend(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	deps := Deps{Backend: backend, Metrics: m, Logger: log}
	cleanup := func() {
		_ = backend.Close()
		for _, c := range deps.Closers {
			_ = c.Close()
		}
	}

	if cfg.Cache.RedisURL != "" {
		rc := routecache.NewRedis(routecache.NewPool(cfg.Cache.RedisURL),
			routecache.WithTTL(cfg.Cache.TTL.Std()),
			routecache.WithPrefix(cfg.Cache.Prefix))
		if err := rc.Ping(ctx); err != nil {
			log.Warn("distributed route cache unreachable, continuing with local mirror", "error", err)
		}
		deps.Cache = rc
		deps.Closers = append(deps.Closers, rc)
	}

	if cfg.Notify.NATSURL != "" {
		n, err := notify.ConnectNATS(cfg.Notify.NATSURL,
			notify.WithSubject(cfg.Notify.Subject),
			notify.WithLogger(log.With("component", "notify")))
		if err != nil {
			cleanup()
			return nil, err
		}
		deps.Notifier = n
	}

	static, err := config.LoadStaticRoutes(staticBaseDir(cfg), cfg.Registry.StaticRoutes)
	if err != nil {
		cleanup()
		if deps.Notifier != nil {
			_ = deps.Notifier.Close()
		}
		return nil, fmt.Errorf("load static routes: %w", err)
	}

	gcfg := Config{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout.Std(),
		SweepInterval:    cfg.Registry.SweepInterval.Std(),
		StaticRoutes:     static,
		Discovery: discovery.Options{
			HandshakeTimeout: cfg.Discovery.HandshakeTimeout.Std(),
			SchemaTTL:        cfg.Discovery.SchemaTTL.Std(),
			SchemaCapacity:   cfg.Discovery.SchemaCapacity,
			BindingTTL:       cfg.Discovery.BindingTTL.Std(),
			BindingCapacity:  cfg.Discovery.BindingCapacity,
		},
		Invoker: invoker.Options{
			CallTimeout:     cfg.Invoker.CallTimeout.Std(),
			DiscardUnknown:  cfg.Invoker.DiscardUnknown,
			UseProtoNames:   cfg.Invoker.UseProtoNames,
			EmitUnpopulated: cfg.Invoker.EmitUnpopulated,
		},
	}
	return New(gcfg, deps), nil
}

// OpenBackend opens the durable store named by cfg.Backend.
func OpenBackend(ctx context.Context, cfg store.Config, log *slog.Logger) (registry.Backend, error) {
	switch cfg.Backend {
	case store.BackendFile, "":
		fs := file.New(cfg, file.WithLogger(log.With("component", "store")))
		if err := fs.Open(ctx); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return fs, nil
	case store.BackendBolt:
		bs, err := bolt.Open(cfg)
		if err != nil {
			return nil, err
		}
		return bs, nil
	case store.BackendMemory:
		return storage.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownBackend, cfg.Backend)
	}
}

func staticBaseDir(cfg *config.Config) string {
	if path, ok := cfg.Sources["configFile"]; ok {
		return filepath.Dir(path)
	}
	return ""
}

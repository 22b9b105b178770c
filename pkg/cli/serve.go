package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/rpcgate/pkg/api"
	"github.com/getmockd/rpcgate/pkg/config"
	"github.com/getmockd/rpcgate/pkg/gateway"
	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/metrics"
	"github.com/getmockd/rpcgate/pkg/store"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// serverFlags are the configuration overrides accepted by serve and config.
type serverFlags struct {
	configPath string
	port       int
	adminPort  int
	store      string
	dataDir    string
	redisURL   string
	natsURL    string
	logLevel   string
	logFormat  string
	lokiURL    string
	routes     []string
}

func (f *serverFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv(config.EnvConfig), "Path to a YAML or JSON config file")
	fs.IntVarP(&f.port, "port", "p", 0, "Gateway HTTP port")
	fs.IntVar(&f.adminPort, "admin-port", 0, "Serve the admin API on a separate port")
	fs.StringVar(&f.store, "store", "", "Registry store backend (file, bolt, memory)")
	fs.StringVar(&f.dataDir, "data-dir", "", "Directory for store files")
	fs.StringVar(&f.redisURL, "redis-url", "", "Redis URL of the shared route cache")
	fs.StringVar(&f.natsURL, "nats-url", "", "NATS URL for cross-replica change notifications")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&f.lokiURL, "loki-url", "", "Also push logs to this Loki endpoint")
	fs.StringSliceVar(&f.routes, "routes", nil, "Static route file globs (repeatable)")
}

// load builds the effective configuration. Precedence is flags, then
// environment, then file, then defaults.
func (f *serverFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	set := func(flag, key string, apply func()) {
		if fs.Changed(flag) {
			apply()
			cfg.Sources[key] = config.SourceFlag
		}
	}
	set("port", "server.port", func() { cfg.Server.Port = f.port })
	set("admin-port", "server.adminPort", func() { cfg.Server.AdminPort = f.adminPort })
	set("store", "store.backend", func() { cfg.Store.Backend = store.Backend(f.store) })
	set("data-dir", "store.dataDir", func() { cfg.Store.DataDir = f.dataDir })
	set("redis-url", "cache.redisUrl", func() { cfg.Cache.RedisURL = f.redisURL })
	set("nats-url", "notify.natsUrl", func() { cfg.Notify.NATSURL = f.natsURL })
	set("log-level", "logging.level", func() { cfg.Logging.Level = f.logLevel })
	set("log-format", "logging.format", func() { cfg.Logging.Format = f.logFormat })
	set("loki-url", "logging.lokiUrl", func() { cfg.Logging.LokiURL = f.lokiURL })
	set("routes", "registry.staticRoutes", func() { cfg.Registry.StaticRoutes = f.routes })

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until interrupted.

Backends register their routes through the admin API (or are loaded from
static route files); every other HTTP request is matched against the route
table and forwarded to the owning gRPC service.`,
		Example: `  # Serve on :8080 with a file-backed registry
  rpcgate serve

  # Separate admin port, bolt store and static routes
  rpcgate serve --admin-port 9090 --store bolt --routes 'routes/**/*.yaml'

  # Shared cache and change notifications across replicas
  rpcgate serve --redis-url redis://cache:6379 --nats-url nats://nats:4222`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts)
		},
	}
	flags.register(cmd)
	return cmd
}

func newLogger(cfg config.LoggingConfig, opts *rootOptions) *slog.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Level),
		Format:  logging.ParseFormat(cfg.Format),
		Output:  opts.errOut,
		LokiURL: cfg.LokiURL,
	})
}

// runServe starts the gateway and its listeners and blocks until ctx is
// cancelled or a listener fails.
func runServe(ctx context.Context, cfg *config.Config, opts *rootOptions) error {
	log := newLogger(cfg.Logging, opts)
	m := metrics.New(nil)

	gw, err := gateway.Build(ctx, cfg, log, m)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	srv := api.New(gw,
		api.WithLogger(log.With("component", "api")),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithVersion(Version))

	var servers []*http.Server
	if cfg.Server.AdminPort == 0 {
		servers = append(servers, newHTTPServer(cfg.Server, cfg.Server.Port, srv.Handler()))
	} else {
		servers = append(servers,
			newHTTPServer(cfg.Server, cfg.Server.Port, srv.GatewayHandler()),
			newHTTPServer(cfg.Server, cfg.Server.AdminPort, srv.AdminHandler()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range servers {
		g.Go(func() error {
			log.Info("listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", hs.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, hs := range servers {
			errs = append(errs, hs.Shutdown(shutdownCtx))
		}
		errs = append(errs, gw.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newHTTPServer(cfg config.ServerConfig, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout.Std(),
		WriteTimeout:      cfg.WriteTimeout.Std(),
	}
}

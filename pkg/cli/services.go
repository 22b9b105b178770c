package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/rpcgate/pkg/cli/internal/output"
	"github.com/getmockd/rpcgate/pkg/config"
	"github.com/getmockd/rpcgate/pkg/registry"
)

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register -f <file>",
		Short: "Register the services described in a route file",
		Long: `Register every service definition in a YAML or JSON route file with a
running gateway. A file may hold a single definition or a list of them.
Registration is idempotent: unchanged routes are reported as skipped.`,
		Example: `  rpcgate register -f routes/pricing.yaml
  rpcgate register -f routes/all.json --admin-url http://gw:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := config.LoadRouteFile(file)
			if err != nil {
				return err
			}
			client := opts.client()
			results := make([]*registry.RegisterResult, 0, len(defs))
			var failed int
			for _, def := range defs {
				res, err := client.Register(cmd.Context(), def)
				if err != nil {
					return fmt.Errorf("register %s: %w", def.Name, err)
				}
				if !res.Success {
					failed++
				}
				results = append(results, res)
			}

			err = opts.printResult(results, func() {
				for i, res := range results {
					if !res.Success {
						fmt.Fprintf(opts.out, "%s: rejected: %s\n", defs[i].Name, res.Message)
						continue
					}
					fmt.Fprintf(opts.out, "%s: %d registered, %d unchanged (id %s)\n",
						defs[i].Name, res.RoutesRegistered, res.RoutesSkipped, res.ServiceID)
				}
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions rejected", failed, len(defs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Route file to register")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newUnregisterCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <service>",
		Short: "Remove a service and its routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := opts.client().Unregister(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printResult(map[string]any{"service": args[0], "removed": ok}, func() {
				if ok {
					fmt.Fprintf(opts.out, "Unregistered %s\n", args[0])
				} else {
					fmt.Fprintf(opts.out, "Service %s was not registered\n", args[0])
				}
			})
		},
	}
}

func newHeartbeatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <service>",
		Short: "Refresh a service's liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := opts.client().Heartbeat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := opts.printResult(map[string]any{"service": args[0], "active": ok}, func() {
				if ok {
					fmt.Fprintf(opts.out, "Heartbeat accepted for %s\n", args[0])
				}
			}); err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("service %s is not registered or inactive; register it again", args[0])
			}
			return nil
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check -f <file>",
		Short: "Report which routes in a route file need re-registration",
		Long: `Compare the route hashes of a local route file with what the gateway has
stored. Routes whose hash differs, or that the gateway does not know, are
listed as needing registration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := config.LoadRouteFile(file)
			if err != nil {
				return err
			}
			client := opts.client()
			results := make(map[string]*registry.RouteCheckResult, len(defs))
			for _, def := range defs {
				def.Normalize()
				checks := make([]registry.RouteCheck, 0, len(def.Routes))
				for _, r := range def.Routes {
					checks = append(checks, registry.RouteCheck{
						HTTPMethod: r.HTTPMethod,
						Path:       r.Path,
						RouteHash:  registry.ComputeHash(r),
					})
				}
				res, err := client.CheckRoutes(cmd.Context(), def.Name, checks)
				if err != nil {
					return fmt.Errorf("check %s: %w", def.Name, err)
				}
				results[def.Name] = res
			}

			return opts.printResult(results, func() {
				tw := output.Table(opts.out)
				_, _ = fmt.Fprintln(tw, "SERVICE\tMETHOD\tPATH\tSTATUS")
				for _, def := range defs {
					res := results[def.Name]
					for _, c := range res.UpToDate {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\tup-to-date\n", def.Name, c.HTTPMethod, c.Path)
					}
					for _, c := range res.NeedsRegistration {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\tneeds registration\n", def.Name, c.HTTPMethod, c.Path)
					}
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Route file to check")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRoutesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "routes",
		Aliases: []string{"ls"},
		Short:   "List the active route table",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			routes, err := opts.client().ListRoutes(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printResult(routes, func() {
				if len(routes) == 0 {
					fmt.Fprintln(opts.out, "No routes registered")
					return
				}
				tw := output.Table(opts.out)
				_, _ = fmt.Fprintln(tw, "METHOD\tPATH\tSERVICE\tTARGET\tENDPOINT")
				for _, r := range routes {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.HTTPMethod, r.Path, r.Service, r.TargetMethod, r.Endpoint)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newServicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := opts.client().ListServices(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printResult(services, func() {
				if len(services) == 0 {
					fmt.Fprintln(opts.out, "No services registered")
					return
				}
				tw := output.Table(opts.out)
				_, _ = fmt.Fprintln(tw, "NAME\tENDPOINT\tVERSION\tACTIVE\tLAST HEARTBEAT")
				for _, s := range services {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						s.Name, s.Endpoint(), s.Version, strconv.FormatBool(s.Active), since(s.LastHeartbeat))
				}
				_ = tw.Flush()
			})
		},
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate -f <file>",
		Short: "Validate a route file without a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			defs, err := config.LoadRouteFile(file)
			if err != nil {
				return err
			}
			type result struct {
				Service string `json:"service"`
				Valid   bool   `json:"valid"`
				Error   string `json:"error,omitempty"`
			}
			results := make([]result, 0, len(defs))
			var invalid int
			for _, def := range defs {
				def.Normalize()
				r := result{Service: def.Name, Valid: true}
				if err := def.Validate(); err != nil {
					r.Valid = false
					r.Error = err.Error()
					invalid++
				}
				results = append(results, r)
			}
			if err := opts.printResult(results, func() {
				for _, r := range results {
					if r.Valid {
						fmt.Fprintf(opts.out, "%s: ok\n", r.Service)
					} else {
						fmt.Fprintf(opts.out, "%s: %s\n", r.Service, r.Error)
					}
				}
			}); err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(defs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Route file to validate")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective serve configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return output.JSON(opts.out, cfg)
			}
			tw := output.Table(opts.out)
			_, _ = fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
			for _, row := range configRows(cfg) {
				_, _ = fmt.Fprintf(tw, "%s\t%v\t%s\n", row.key, row.value, cfg.Source(row.key))
			}
			_ = tw.Flush()
			if p := cfg.Sources["configFile"]; p != "" {
				fmt.Fprintf(opts.out, "\nConfig file: %s\n", p)
			} else if _, err := os.Stat("rpcgate.yaml"); err == nil {
				output.Warn(opts.errOut, "rpcgate.yaml found in the current directory but not loaded; pass --config")
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

type configRow struct {
	key   string
	value any
}

func configRows(cfg *config.Config) []configRow {
	return []configRow{
		{"server.port", cfg.Server.Port},
		{"server.adminPort", cfg.Server.AdminPort},
		{"server.readTimeout", cfg.Server.ReadTimeout},
		{"server.writeTimeout", cfg.Server.WriteTimeout},
		{"server.maxBodyBytes", cfg.Server.MaxBodyBytes},
		{"registry.heartbeatTimeout", cfg.Registry.HeartbeatTimeout},
		{"registry.sweepInterval", cfg.Registry.SweepInterval},
		{"registry.staticRoutes", cfg.Registry.StaticRoutes},
		{"store.backend", cfg.Store.Backend},
		{"store.dataDir", cfg.Store.DataDir},
		{"cache.redisUrl", cfg.Cache.RedisURL},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.prefix", cfg.Cache.Prefix},
		{"discovery.handshakeTimeout", cfg.Discovery.HandshakeTimeout},
		{"discovery.schemaTtl", cfg.Discovery.SchemaTTL},
		{"discovery.schemaCapacity", cfg.Discovery.SchemaCapacity},
		{"discovery.bindingTtl", cfg.Discovery.BindingTTL},
		{"discovery.bindingCapacity", cfg.Discovery.BindingCapacity},
		{"invoker.callTimeout", cfg.Invoker.CallTimeout},
		{"invoker.discardUnknown", cfg.Invoker.DiscardUnknown},
		{"invoker.useProtoNames", cfg.Invoker.UseProtoNames},
		{"invoker.emitUnpopulated", cfg.Invoker.EmitUnpopulated},
		{"notify.natsUrl", cfg.Notify.NATSURL},
		{"notify.subject", cfg.Notify.Subject},
		{"logging.level", cfg.Logging.Level},
		{"logging.format", cfg.Logging.Format},
		{"logging.lokiUrl", cfg.Logging.LokiURL},
	}
}

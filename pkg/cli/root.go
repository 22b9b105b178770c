package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Build information, injected at link time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// EnvAdminURL overrides the default admin API address of client commands.
const EnvAdminURL = "RPCGATE_ADMIN_URL"

const defaultAdminURL = "http://localhost:8080"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	adminURL   string
	jsonOutput bool
	out        io.Writer
	errOut     io.Writer
}

// NewRootCommand builds the rpcgate command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{out: os.Stdout, errOut: os.Stderr}

	cmd := &cobra.Command{
		Use:   "rpcgate",
		Short: "rpcgate is an HTTP to gRPC gateway with runtime schema discovery",
		Long: `rpcgate exposes a stable HTTP/JSON surface and forwards every call to a
registered gRPC backend. Backends self-register their routes; the gateway
discovers method schemas through server reflection, so it is never compiled
against backend message types.

Configuration can be provided via a YAML or JSON file, RPCGATE_* environment
variables, or flags. Flags take precedence over the environment, which takes
precedence over the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.out = cmd.OutOrStdout()
			opts.errOut = cmd.ErrOrStderr()
		},
	}

	adminURL := os.Getenv(EnvAdminURL)
	if adminURL == "" {
		adminURL = defaultAdminURL
	}
	cmd.PersistentFlags().StringVar(&opts.adminURL, "admin-url", adminURL, "Admin API base URL (env "+EnvAdminURL+")")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output command results in JSON format")

	cmd.AddCommand(
		newServeCommand(opts),
		newRegisterCommand(opts),
		newUnregisterCommand(opts),
		newHeartbeatCommand(opts),
		newCheckCommand(opts),
		newRoutesCommand(opts),
		newServicesCommand(opts),
		newValidateCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// Execute runs the command line with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *rootOptions) client() *Client {
	return NewClient(o.adminURL)
}

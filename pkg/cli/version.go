package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// VersionOutput is the JSON form of the version command.
type VersionOutput struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Go      string `json:"go"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
}

func buildVersion() VersionOutput {
	v := VersionOutput{
		Version: Version,
		Commit:  Commit,
		Date:    BuildDate,
		Go:      runtime.Version(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}
	// go install builds carry no ldflags; fall back to module info.
	if v.Version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v.Version = info.Main.Version
		}
	}
	return v
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			v := buildVersion()
			return opts.printResult(v, func() {
				fmt.Fprintf(opts.out, "rpcgate %s\n", v.Version)
				fmt.Fprintf(opts.out, "  commit:  %s\n", v.Commit)
				fmt.Fprintf(opts.out, "  built:   %s\n", v.Date)
				fmt.Fprintf(opts.out, "  go:      %s\n", v.Go)
				fmt.Fprintf(opts.out, "  os/arch: %s/%s\n", v.OS, v.Arch)
			})
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmarm/cmd/rdmarm-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	opts := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "rdmarm-cli",
		Short: "rdmarm CLI - inspect and exercise RDMA resources",
		Long: `rdmarm-cli lists the RDMA devices of this host and exercises the
resource manager against a verbs backend.

Examples:
  rdmarm-cli devices
  rdmarm-cli selftest --backend simulated
  rdmarm-cli churn --workers 8 --iterations 10000
  rdmarm-cli config show --config /etc/rdmarm/rdmarm.yaml

Configuration is read the same way as the daemon: rdmarm.yaml and
RDMARM_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.SetupLogging()
		},
	}

	opts.Bind(rootCmd.PersistentFlags())

	rootCmd.AddCommand(commands.NewDevicesCmd())
	rootCmd.AddCommand(commands.NewSelfTestCmd(opts))
	rootCmd.AddCommand(commands.NewChurnCmd(opts))
	rootCmd.AddCommand(commands.NewConfigCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

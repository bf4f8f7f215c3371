package commands

import (
	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command
func NewConfigCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect rdmarm configuration",
	}

	cmd.AddCommand(newConfigShowCmd(opts))

	return cmd
}

func newConfigShowCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration as YAML",
		Long: `Show the configuration after defaults, the config file, RDMARM_*
environment variables and flags have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}

			return writeYAML(cmd.OutOrStdout(), cfg)
		},
	}
}

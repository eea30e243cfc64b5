package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/pluginhost"
)

// NewValidateConfigCommand creates the validate-config command
func NewValidateConfigCommand(opts *globalOptions) *cobra.Command {
	var format string
	var printConfig bool
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the host configuration",
		Long: `Load defaults, the given config files and PLUGINHOST_* environment
variables, validate the result and optionally print the effective configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pluginhost.LoadConfig(opts.configFiles...)
			if err != nil {
				return err
			}
			if !printConfig {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			}
			out, err := cfg.Marshal(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration")
	cmd.Flags().StringVar(&format, "format", "yaml", "output format for --print: yaml, json or toml")
	return cmd
}

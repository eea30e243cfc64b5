package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/pluginhost"
)

// NewInspectBundleCommand creates the inspect-bundle command
func NewInspectBundleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-bundle <path>",
		Short: "Parse a bundle and print its descriptor",
		Long: `Parse a manifest bundle named {moduleId}-{version}.{ext}, validate it and
print the descriptor. Sibling bundles of the same module are listed as
available versions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			desc, err := pluginhost.NewManifestLoader().Parse(cmd.Context(), path)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Module:      %s\n", desc.ID)
			fmt.Fprintf(w, "Name:        %s\n", desc.DisplayName())
			fmt.Fprintf(w, "Version:     %s\n", desc.Version)
			fmt.Fprintf(w, "Entry point: %s\n", desc.EntryPoint)
			fmt.Fprintf(w, "Priority:    %d\n", desc.Priority)
			if desc.TrustLevel != "" {
				fmt.Fprintf(w, "Trust level: %s\n", desc.TrustLevel)
			}
			if len(desc.Dependencies) > 0 {
				fmt.Fprintln(w, "Dependencies:")
				for _, dep := range desc.Dependencies {
					req := dep.Requirement
					if req == "" {
						req = "*"
					}
					optional := ""
					if dep.Optional {
						optional = " (optional)"
					}
					fmt.Fprintf(w, "  - %s %s%s\n", dep.ID, req, optional)
				}
			}
			if len(desc.Properties) > 0 {
				fmt.Fprintln(w, "Properties:")
				keys := make([]string, 0, len(desc.Properties))
				for k := range desc.Properties {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "  %s: %v\n", k, desc.Properties[k])
				}
			}

			catalog := pluginhost.NewBundleCatalog(filepath.Dir(path), []string{filepath.Ext(path)})
			if versions := catalog.Versions(desc.ID); len(versions) > 1 {
				fmt.Fprintf(w, "Available:   %v\n", versions)
			}
			return nil
		},
	}
}

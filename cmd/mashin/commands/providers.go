package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mashin-run/mashin/pkg/catalog"
)

func newProvidersCommand() *cobra.Command {
	var catalogDir string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List provider manifests available to a module",
		Long: `Providers scans a directory of provider subdirectories for
manifest.yaml files and prints each one's name, version, and declared
capabilities, without loading any WASM module or starting a pipeline
run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listProviders(catalogDir)
		},
	}

	cmd.Flags().StringVar(&catalogDir, "dir", "providers", "directory to scan for provider manifests")
	return cmd
}

func listProviders(dir string) error {
	registry := catalog.NewRegistry(dir)
	if errs := registry.ScanDirectory(dir); len(errs) > 0 {
		for _, err := range errs {
			fmt.Printf("warning: %v\n", err)
		}
	}

	list := registry.List()
	if len(list) == 0 {
		fmt.Println("No providers found.")
		return nil
	}

	for _, m := range list {
		fmt.Printf("%s@%s  %s\n", m.Name, m.Version, m.Description)
		if len(m.Capabilities) > 0 {
			fmt.Printf("  capabilities: %v\n", m.Capabilities)
		}
	}
	return nil
}

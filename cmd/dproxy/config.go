package main

import (
	"fmt"

	"github.com/fihtony/dproxy/pkg/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Manage DeepProxy configuration files.`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
	)

	return cmd
}

type configInitOptions struct {
	output string
}

func newConfigInitCmd() *cobra.Command {
	opts := &configInitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file with default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.output
			if path == "" {
				path = config.DefaultConfigPath()
			}

			cfg := config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Configuration file created: %s\n", path)
			fmt.Printf("\nTo use this configuration:\n  dproxy serve --config %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path (default: ~/.dproxy/config.yaml)")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show example configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("# DeepProxy configuration example")
			fmt.Println("# Save this to a file and pass it to 'dproxy serve --config <path>'")
			fmt.Println()
			fmt.Println(config.ExampleConfig())
			return nil
		},
	}
}

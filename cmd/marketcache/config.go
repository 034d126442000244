package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective freshness configuration",
	Long: `Print the per-data-type freshness configuration as YAML.

With --config the file is validated and merged over the built-in defaults;
the output is a complete file that can be edited and passed back in.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(registry); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return Cfg.WriteYAML(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

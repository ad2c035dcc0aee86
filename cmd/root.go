// Package cmd defines and implements the CLI commands for the arachne executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arachne",
		Short: "An adaptive crawler and search index for FTP servers and file shares.",
		Long: `arachne walks configured FTP servers and local file shares, keeps a
searchable index of everything it finds and adapts the revisit rate of
each directory to how often its contents actually change.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is arachne.yaml in the working directory)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSearchCmd())
	return cmd
}

// configPath resolves the configuration file to load. An explicit --config
// wins; otherwise arachne.yaml is picked up when present.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat("arachne.yaml"); err == nil {
		return "arachne.yaml"
	}
	return ""
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

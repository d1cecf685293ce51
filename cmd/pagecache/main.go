package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	siteKey    string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pagecache",
		Short: "pagecache - full-page cache backend tool",
		Long:  "Inspect, fill and invalidate the full-page cache, or run the admin/invalidation daemon",

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&siteKey, "site", "", "Site key to resolve the cache snapshot for")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		daemonCmd(),
		statusCmd(),
		getCmd(),
		setCmd(),
		storeCmd(),
		clearCmd(),
	)
	return rootCmd
}

package cli

import (
	"github.com/spf13/cobra"
)

// Version is reported in every log line.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	LogLevel    string // overrides logging.level when set
	MetricsAddr string // overrides metrics.addr when set
}

// NewRootCommand creates the root command for the transcom-sync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "transcom-sync",
		Short: "Synchronize TRANSCOM traffic events into PostGIS",
		Long: `Incrementally download traffic-incident events from the TRANSCOM event
search API, merge them into the events table and link each event to its
nearest reference road segment.`,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /health and /metrics on this address during the run")

	// Add subcommands
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDownloadCommand(opts))
	cmd.AddCommand(NewUploadCommand(opts))
	cmd.AddCommand(NewMatchCommand(opts))

	return cmd
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"transcom-sync/internal/config"
	"transcom-sync/internal/handlers"
	"transcom-sync/internal/models"
	"transcom-sync/internal/repository"
	"transcom-sync/internal/services"
	"transcom-sync/pkg/database"
	"transcom-sync/pkg/logging"
	"transcom-sync/pkg/metrics"
)

// RunFlags holds the per-command flags shared by the pipeline commands.
type RunFlags struct {
	*RootOptions
	Start      string
	End        string
	OutputDir  string
	MatchAll   bool
	SkipMatch  bool
	SkipVacuum bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &RunFlags{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch, merge and match events in one run",
		Long: `Fetch events for the range, merge them into the events table, match
new events to road segments and vacuum the table.

Without --start the range begins at the latest creation time already stored.

Example:
  transcom-sync sync
  transcom-sync sync --start "2018-01-15 00:00:00" --end "2018-03-10 23:59:59"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), flags, services.ModeSync, "", cmd.OutOrStdout())
		},
	}

	addRangeFlags(cmd, flags)
	addMergeFlags(cmd, flags)
	return cmd
}

// NewDownloadCommand creates the download command.
func NewDownloadCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &RunFlags{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Fetch events into a compressed NDJSON artifact",
		Long: `Fetch events for the range and write them to
{start}-{end}.{downloaded}.ndjson.gz in the output directory. The database is
only contacted when --start is omitted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), flags, services.ModeDownload, "", cmd.OutOrStdout())
		},
	}

	addRangeFlags(cmd, flags)
	cmd.Flags().StringVarP(&flags.OutputDir, "output", "o", "", "artifact directory (overrides output.dir)")
	return cmd
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &RunFlags{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload <artifact>",
		Short: "Merge a downloaded artifact and match its events",
		Long: `Merge an .ndjson.gz or .ndjson artifact, or a JSON document carrying the
records under the configured key, then match and vacuum.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), flags, services.ModeUpload, args[0], cmd.OutOrStdout())
		},
	}

	addMergeFlags(cmd, flags)
	return cmd
}

// NewMatchCommand creates the match command.
func NewMatchCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &RunFlags{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match unmatched events to road segments",
		Long: `Run one spatial match cycle. With --since only events closed at or after
that time are considered; otherwise every unmatched event is.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), flags, services.ModeMatch, "", cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.Start, "since", "", `close_time watermark "YYYY-MM-DD HH:MM:SS"`)
	return cmd
}

func addRangeFlags(cmd *cobra.Command, flags *RunFlags) {
	cmd.Flags().StringVar(&flags.Start, "start", "", `range start "YYYY-MM-DD HH:MM:SS" (default: latest stored creation)`)
	cmd.Flags().StringVar(&flags.End, "end", "", `range end "YYYY-MM-DD HH:MM:SS" (default: now)`)
}

func addMergeFlags(cmd *cobra.Command, flags *RunFlags) {
	cmd.Flags().BoolVar(&flags.MatchAll, "match-all", false, "match every unmatched event, not only those closed since the last update")
	cmd.Flags().BoolVar(&flags.SkipMatch, "skip-match", false, "do not run the spatial match")
	cmd.Flags().BoolVar(&flags.SkipVacuum, "skip-vacuum", false, "do not VACUUM ANALYZE after the merge")
}

// loadConfig applies the file, environment and flag layers, then validates.
func loadConfig(flags *RunFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if flags.MetricsAddr != "" {
		cfg.Metrics.Addr = flags.MetricsAddr
	}
	if flags.OutputDir != "" {
		cfg.Output.Dir = flags.OutputDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, &models.ValidationError{Field: "config", Message: err.Error()}
	}
	return cfg, nil
}

// execute validates every input, then wires and runs the pipeline. Any
// validation failure returns before the network or the database is touched.
func execute(ctx context.Context, flags *RunFlags, mode services.Mode, input string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	start, end, err := parseRange(flags.Start, flags.End, cfg.Location())
	if err != nil {
		return err
	}
	if mode == services.ModeUpload {
		if _, err := os.Stat(input); err != nil {
			return &models.ValidationError{Field: "artifact", Value: input, Message: "cannot be read"}
		}
	}

	logger := logging.NewStructuredLogger("transcom-sync", Version, logging.ParseLevel(cfg.Logging.Level))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, reg)

	var (
		repo  repository.EventRepository
		store handlers.HealthChecker
	)
	if mode != services.ModeDownload || start == nil {
		db, err := database.NewPostgresDB(ctx, &database.Config{
			DSN:             cfg.Database.DSN(),
			Host:            cfg.Database.Host,
			Database:        cfg.Database.Database,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger, metricsCollector)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		repo = repository.NewEventRepository(db, cfg.Store, cfg.Location(), logger, metricsCollector)
		store = db
	}

	if cfg.Metrics.Addr != "" {
		srv := handlers.NewServer(cfg.Metrics.Addr, handlers.NewHealthHandler(store, reg, logger), logger)
		srv.Start(ctx)
		defer srv.Shutdown()
	}

	fetcher := services.NewFetcher(cfg.Source, cfg.Location(), nil, "", logger, metricsCollector)
	svc := services.NewSyncService(cfg, repo, fetcher, logger, metricsCollector)

	result, err := svc.Run(ctx, services.RunOptions{
		Mode:       mode,
		Start:      start,
		End:        end,
		InputPath:  input,
		MatchAll:   flags.MatchAll,
		SkipMatch:  flags.SkipMatch,
		SkipVacuum: flags.SkipVacuum,
	})
	if result != nil {
		printSummary(out, result)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run %s cancelled: %w", result.RunID, err)
		}
		return err
	}
	return nil
}

// printSummary writes a short human-readable report to stdout.
func printSummary(w io.Writer, r *services.RunResult) {
	fmt.Fprintf(w, "run %s (%s) finished in %s\n", r.RunID, r.Mode, r.Duration.Round(time.Millisecond))
	if len(r.Windows) > 0 {
		fmt.Fprintf(w, "  range:     %s - %s (%d windows)\n",
			r.Start.Format(models.WindowLayout), r.End.Format(models.WindowLayout), len(r.Windows))
	}
	if r.Fetch != nil {
		fmt.Fprintf(w, "  fetched:   %d records, %d/%d windows committed\n", r.Fetch.Records, r.Fetch.Committed, r.Fetch.Windows)
		for _, f := range r.Fetch.Failed {
			fmt.Fprintf(w, "  failed:    %s: %v\n", f.Window, f.Err)
		}
	}
	if r.Artifact != "" {
		fmt.Fprintf(w, "  artifact:  %s\n", r.Artifact)
	}
	if r.Merge != nil {
		fmt.Fprintf(w, "  merged:    %d staged, %d inserted, %d updated, %d unchanged, %d skipped\n",
			r.Merge.Staged, r.Merge.Inserted, r.Merge.Updated, r.Merge.Unchanged, r.Skipped)
	}
	if r.Match != nil {
		fmt.Fprintf(w, "  matched:   %d of %d candidates (%d assigned, %d unmatched)\n",
			r.Match.Matched, r.Match.Candidates, r.Match.Assigned, r.Match.Unmatched)
	}
}

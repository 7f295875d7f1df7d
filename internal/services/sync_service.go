package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"transcom-sync/internal/artifact"
	"transcom-sync/internal/config"
	"transcom-sync/internal/models"
	"transcom-sync/internal/repository"
	"transcom-sync/pkg/logging"
	"transcom-sync/pkg/metrics"
)

// Mode selects which phases a run executes.
type Mode string

const (
	// ModeSync fetches, merges, matches and vacuums.
	ModeSync Mode = "sync"
	// ModeDownload fetches into a compressed artifact and stops.
	ModeDownload Mode = "download"
	// ModeUpload merges a previously downloaded artifact, then matches.
	ModeUpload Mode = "upload"
	// ModeMatch only runs the spatial match.
	ModeMatch Mode = "match"
)

// RunOptions parametrize one pipeline run.
type RunOptions struct {
	Mode       Mode
	Start      *time.Time // nil: latest creation time in the store
	End        *time.Time // nil: now
	InputPath  string     // artifact to merge in upload mode
	MatchAll   bool       // ignore the open_time watermark
	SkipMatch  bool
	SkipVacuum bool
}

// RunResult contains the outcome of every phase that ran.
type RunResult struct {
	RunID     string
	Mode      Mode
	Start     time.Time
	End       time.Time
	Windows   []models.FetchWindow
	Fetch     *FetchResult
	Artifact  string
	Records   int // normalized events handed to the merge
	Skipped   int // records rejected by the normalizer
	Watermark *time.Time
	Merge     *repository.MergeResult
	Match     *MatchResult
	Duration  time.Duration
}

// SyncService sequences partition, fetch, merge, match and maintenance. It is
// the only component that knows the order of the phases.
type SyncService struct {
	cfg        *config.Config
	repo       repository.EventRepository
	fetcher    *Fetcher
	normalizer *Normalizer
	matcher    *MatchService
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
	now        func() time.Time
}

// NewSyncService wires the pipeline. repo may be nil for download runs that
// are given an explicit start.
func NewSyncService(cfg *config.Config, repo repository.EventRepository, fetcher *Fetcher, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *SyncService {
	s := &SyncService{
		cfg:        cfg,
		repo:       repo,
		fetcher:    fetcher,
		normalizer: NewNormalizer(cfg.Categories, cfg.Location()),
		logger:     logger,
		metrics:    metricsCollector,
		now:        time.Now,
	}
	if repo != nil {
		s.matcher = NewMatchService(repo, cfg.Match, logger, metricsCollector)
	}
	return s
}

// Run executes one pipeline cycle. Cancellation is honoured between fetch
// windows and between phases; a store statement already in flight is left to
// finish or fail on its own. Nothing is retried: a failed run is repaired by
// running it again.
func (s *SyncService) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	started := time.Now()
	result := &RunResult{RunID: uuid.NewString(), Mode: opts.Mode}
	ctx = logging.WithRunID(ctx, result.RunID)

	s.logger.Info(ctx, "[RUN_START] Pipeline run started", logging.Fields{
		"mode": string(opts.Mode),
	})

	var err error
	switch opts.Mode {
	case ModeSync:
		err = s.runSync(ctx, opts, result)
	case ModeDownload:
		err = s.runDownload(ctx, opts, result)
	case ModeUpload:
		err = s.runUpload(ctx, opts, result)
	case ModeMatch:
		err = s.runMatch(ctx, opts, result)
	default:
		err = &models.ValidationError{Field: "mode", Value: string(opts.Mode), Message: "must be one of sync, download, upload, match"}
	}
	result.Duration = time.Since(started)

	if err != nil {
		s.logger.Error(ctx, "[RUN_FAILED] Pipeline run failed", logging.Fields{
			"mode":             string(opts.Mode),
			"retryable":        models.IsTransient(err),
			"duration_seconds": result.Duration.Seconds(),
		}, err)
		return result, err
	}

	s.metrics.LastSuccess.SetToCurrentTime()
	s.logger.Info(ctx, "[RUN_COMPLETE] Pipeline run completed", logging.Fields{
		"mode":             string(opts.Mode),
		"records":          result.Records,
		"skipped":          result.Skipped,
		"duration_seconds": result.Duration.Seconds(),
	})
	return result, nil
}

func (s *SyncService) runSync(ctx context.Context, opts RunOptions, result *RunResult) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	if err := s.plan(ctx, opts, result); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "transcom-sync-*")
	if err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	defer os.RemoveAll(dir)

	sink, err := artifact.CreateSpool(filepath.Join(dir, "records.ndjson"))
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := s.phase(ctx, "fetch", func(ctx context.Context) error {
		res, err := s.fetcher.FetchRange(ctx, result.Windows, sink)
		result.Fetch = res
		if err != nil {
			return err
		}
		return sink.Close()
	}); err != nil {
		return err
	}

	if result.Fetch.Committed > 0 {
		if err := s.mergeAndMatch(ctx, opts, artifact.ReadRecords(sink.Path(), ""), result); err != nil {
			return err
		}
	}

	return result.Fetch.Err()
}

func (s *SyncService) runDownload(ctx context.Context, opts RunOptions, result *RunResult) error {
	if err := s.plan(ctx, opts, result); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "transcom-download-*")
	if err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	defer os.RemoveAll(dir)

	sink, err := artifact.CreateSpool(filepath.Join(dir, "records.ndjson"))
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := s.phase(ctx, "fetch", func(ctx context.Context) error {
		res, err := s.fetcher.FetchRange(ctx, result.Windows, sink)
		result.Fetch = res
		return err
	}); err != nil {
		return err
	}

	if result.Fetch.Committed == 0 {
		return result.Fetch.Err()
	}

	// The artifact covers exactly the committed windows.
	end := result.Windows[result.Fetch.Committed-1].End
	name := artifact.FileName(result.Start, end, s.now().In(s.cfg.Location()))

	if err := s.phase(ctx, "package", func(ctx context.Context) error {
		path, err := artifact.WriteGzip(sink, s.cfg.Output.Dir, name)
		if err != nil {
			return err
		}
		result.Artifact = path
		return nil
	}); err != nil {
		return err
	}

	s.logger.Info(ctx, "[DOWNLOAD_ARTIFACT] Artifact written", logging.Fields{
		"path":    result.Artifact,
		"records": result.Fetch.Records,
	})

	return result.Fetch.Err()
}

func (s *SyncService) runUpload(ctx context.Context, opts RunOptions, result *RunResult) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	if opts.InputPath == "" {
		return &models.ValidationError{Field: "input", Message: "an artifact path is required for upload"}
	}
	if _, err := os.Stat(opts.InputPath); err != nil {
		return &models.ValidationError{Field: "input", Value: opts.InputPath, Message: err.Error()}
	}
	result.Artifact = opts.InputPath

	return s.mergeAndMatch(ctx, opts, artifact.ReadRecords(opts.InputPath, s.cfg.Source.RecordsKey), result)
}

func (s *SyncService) runMatch(ctx context.Context, opts RunOptions, result *RunResult) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	// Standalone matching has no merge to bound it: Start acts as the
	// watermark when given, otherwise every unmatched event is considered.
	if opts.Start != nil && !opts.MatchAll {
		w := opts.Start.In(s.cfg.Location())
		result.Watermark = &w
	}
	return s.phase(ctx, "match", func(ctx context.Context) error {
		res, err := s.matcher.MatchUnmatched(ctx, result.Watermark)
		result.Match = res
		return err
	})
}

// mergeAndMatch captures the match watermark, merges records, then matches
// and vacuums as configured.
func (s *SyncService) mergeAndMatch(ctx context.Context, opts RunOptions, records iter.Seq2[json.RawMessage, error], result *RunResult) error {
	if !opts.MatchAll && !opts.SkipMatch {
		if err := s.phase(ctx, "watermark", func(ctx context.Context) error {
			w, err := s.repo.LatestOpenTime(ctx)
			result.Watermark = w
			return err
		}); err != nil {
			return err
		}
	}

	if err := s.phase(ctx, "merge", func(ctx context.Context) error {
		res, err := s.repo.MergeEvents(ctx, s.normalized(ctx, records, result))
		result.Merge = res
		return err
	}); err != nil {
		return err
	}

	if !opts.SkipMatch {
		if err := s.phase(ctx, "match", func(ctx context.Context) error {
			res, err := s.matcher.MatchUnmatched(ctx, result.Watermark)
			result.Match = res
			return err
		}); err != nil {
			return err
		}
	}

	if !opts.SkipVacuum {
		if err := s.phase(ctx, "vacuum", s.repo.Vacuum); err != nil {
			return err
		}
	}
	return nil
}

// normalized adapts raw records into events. Rejected records are logged,
// counted and skipped; any other error ends the stream.
func (s *SyncService) normalized(ctx context.Context, records iter.Seq2[json.RawMessage, error], result *RunResult) iter.Seq2[*models.Event, error] {
	return func(yield func(*models.Event, error) bool) {
		for raw, err := range records {
			if err != nil {
				var lineErr *artifact.LineError
				if !errors.As(err, &lineErr) {
					yield(nil, err)
					return
				}
				s.skip(ctx, &models.PartialRecordError{Reason: "unreadable line", Err: lineErr})
				result.Skipped++
				continue
			}

			ev, err := s.normalizer.Normalize(raw)
			if err != nil {
				s.skip(ctx, err)
				result.Skipped++
				continue
			}

			result.Records++
			s.metrics.IngestionRecordsTotal.Inc()
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *SyncService) skip(ctx context.Context, err error) {
	s.metrics.RecordIngestionError("partial_record")
	s.logger.Warn(ctx, "[INGEST_RECORD_SKIPPED] Record rejected", logging.Fields{
		"error": err.Error(),
	})
}

// plan resolves the range and partitions it into windows.
func (s *SyncService) plan(ctx context.Context, opts RunOptions, result *RunResult) error {
	loc := s.cfg.Location()

	end := s.now().In(loc)
	if opts.End != nil {
		end = opts.End.In(loc)
	}

	var start time.Time
	switch {
	case opts.Start != nil:
		start = opts.Start.In(loc)
	case s.repo != nil:
		latest, err := s.repo.LatestCreation(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			return &models.ValidationError{Field: "start", Message: "no start given and the events table is empty"}
		}
		start = latest.In(loc)
	default:
		return &models.ValidationError{Field: "start", Message: "no start given and no store to derive it from"}
	}

	windows, err := PartitionRange(start, end)
	if err != nil {
		return err
	}
	result.Start = windows[0].Start
	result.End = windows[len(windows)-1].End
	result.Windows = windows

	s.logger.Info(ctx, "[RUN_RANGE] Range partitioned", logging.Fields{
		"start":   result.Start.Format(models.WindowLayout),
		"end":     result.End.Format(models.WindowLayout),
		"windows": len(windows),
	})
	return nil
}

// phase runs fn unless the run has been cancelled, and records its duration.
func (s *SyncService) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		s.logger.Warn(ctx, "[RUN_CANCELLED] Run cancelled before phase", logging.Fields{"phase": name})
		return err
	}

	timer := s.metrics.NewTimer(s.metrics.PhaseDuration.WithLabelValues(name))
	err := fn(ctx)
	elapsed := timer.ObserveDuration()

	s.logger.Debug(ctx, "[RUN_PHASE] Phase finished", logging.Fields{
		"phase":            name,
		"duration_seconds": elapsed.Seconds(),
		"ok":               err == nil,
	})
	return err
}

func (s *SyncService) requireStore() error {
	if s.repo == nil {
		return errors.New("this mode needs a database connection")
	}
	return nil
}

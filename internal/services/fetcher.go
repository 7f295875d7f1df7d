package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"transcom-sync/internal/artifact"
	"transcom-sync/internal/config"
	"transcom-sync/internal/models"
	"transcom-sync/pkg/logging"
	"transcom-sync/pkg/metrics"
)

// errWindowSkipped marks windows that were never requested because an earlier
// window failed or the run was cancelled.
var errWindowSkipped = errors.New("window skipped")

// NewHTTPClient returns a client tuned for a few long streaming responses.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Fetcher downloads event records from the search API one window at a time.
type Fetcher struct {
	client  *http.Client
	cfg     config.SourceConfig
	loc     *time.Location
	tempDir string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// FetchResult summarizes a FetchRange call.
type FetchResult struct {
	Windows   int
	Committed int
	Records   int
	Failed    []WindowFailure
	Duration  time.Duration
}

// WindowFailure records why a window produced nothing.
type WindowFailure struct {
	Window models.FetchWindow
	Err    error
}

// Complete reports whether every window was committed.
func (r *FetchResult) Complete() bool {
	return r.Committed == r.Windows
}

// Err joins the window failures, or returns nil.
func (r *FetchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return fmt.Errorf("%d of %d windows failed: %w", len(r.Failed), r.Windows, errors.Join(errs...))
}

// NewFetcher creates a fetcher. Per-window spools are written under tempDir
// (the OS default when empty).
func NewFetcher(cfg config.SourceConfig, loc *time.Location, client *http.Client, tempDir string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Fetcher {
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		loc:     loc,
		tempDir: tempDir,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// requestBody renders the fixed filter parameters plus the window bounds.
func (f *Fetcher) requestBody(w models.FetchWindow) ([]byte, error) {
	body := make(map[string]any, len(f.cfg.Params)+2)
	for k, v := range f.cfg.Params {
		body[k] = v
	}
	body["startDateTime"] = w.Start.In(f.loc).Format(f.cfg.TimestampLayout)
	body["endDateTime"] = w.End.In(f.loc).Format(f.cfg.TimestampLayout)
	return json.Marshal(body)
}

// FetchWindow issues one request for w and calls emit for every record as it
// is decoded from the response. Records already emitted before a failure
// belong to an incomplete window; callers must discard them.
func (f *Fetcher) FetchWindow(ctx context.Context, w models.FetchWindow, emit func(json.RawMessage) error) (int, error) {
	timer := f.metrics.NewTimer(f.metrics.FetchDuration)
	defer timer.ObserveDuration()

	payload, err := f.requestBody(w)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URI, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	f.logger.Debug(ctx, "[FETCH_REQUEST] Requesting window", logging.Fields{
		"uri":   f.cfg.URI,
		"start": w.Start.Format(models.WindowLayout),
		"end":   w.End.Format(models.WindowLayout),
	})

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordFetch("transport_error")
		return 0, &models.TransportError{Window: w, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		f.metrics.RecordFetch("transport_error")
		return 0, &models.TransportError{
			Window:     w,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}

	n, err := artifact.StreamArray(resp.Body, f.cfg.RecordsKey, func(rec json.RawMessage) error {
		if err := emit(rec); err != nil {
			return err
		}
		f.metrics.FetchRecordsTotal.Inc()
		return nil
	})
	if err != nil {
		var readErr *artifact.ReadError
		var syntaxErr *artifact.SyntaxError
		switch {
		case errors.As(err, &readErr):
			f.metrics.RecordFetch("transport_error")
			return n, &models.TransportError{Window: w, Err: readErr.Err}
		case errors.As(err, &syntaxErr),
			errors.Is(err, artifact.ErrNotObject),
			errors.Is(err, artifact.ErrKeyNotFound),
			errors.Is(err, artifact.ErrNotArray):
			f.metrics.RecordFetch("shape_error")
			return n, &models.ShapeError{Window: w, Key: f.cfg.RecordsKey, Message: err.Error()}
		default:
			f.metrics.RecordFetch("sink_error")
			return n, fmt.Errorf("failed to emit record for window %s: %w", w, err)
		}
	}

	f.metrics.RecordFetch("success")
	return n, nil
}

type windowSlot struct {
	done  chan struct{}
	spool *artifact.Spool
	count int
	err   error
}

// FetchRange fetches every window with bounded parallelism and appends the
// records to sink in range order, one window at a time. Committing stops at
// the first window that fails, so the sink always holds a gap-free prefix of
// the range; windows after it are discarded and reported.
func (f *Fetcher) FetchRange(ctx context.Context, windows []models.FetchWindow, sink *artifact.Spool) (*FetchResult, error) {
	started := time.Now()
	result := &FetchResult{Windows: len(windows)}

	dir, err := os.MkdirTemp(f.tempDir, "transcom-windows-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create window spool directory: %w", err)
	}
	defer os.RemoveAll(dir)

	concurrency := f.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	f.logger.Info(ctx, "[FETCH_START] Fetching windows", logging.Fields{
		"windows":     len(windows),
		"concurrency": concurrency,
		"records_key": f.cfg.RecordsKey,
	})

	slots := make([]*windowSlot, len(windows))
	for i := range slots {
		slots[i] = &windowSlot{done: make(chan struct{})}
	}

	var abort atomic.Bool
	var g errgroup.Group
	g.SetLimit(concurrency)

	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, w := range windows {
			slot := slots[i]
			g.Go(func() error {
				defer close(slot.done)
				if abort.Load() || ctx.Err() != nil {
					slot.err = errWindowSkipped
					return nil
				}
				slot.spool, slot.count, slot.err = f.fetchToSpool(ctx, dir, i, w)
				return nil
			})
		}
	}()

	drain := func() {
		abort.Store(true)
		for _, s := range slots {
			<-s.done
			if s.spool != nil {
				_ = s.spool.Remove()
			}
		}
		<-launched
		_ = g.Wait()
	}

	for i, w := range windows {
		slot := slots[i]
		<-slot.done

		if err := ctx.Err(); err != nil {
			drain()
			return result, err
		}

		if slot.err != nil {
			f.recordWindowFailure(ctx, w, slot.err)
			result.Failed = append(result.Failed, WindowFailure{Window: w, Err: slot.err})
			f.logger.Warn(ctx, "[FETCH_STOP] Discarding windows after failed window", logging.Fields{
				"failed_window": w.String(),
				"discarded":     len(windows) - i - 1,
			})
			break
		}

		if err := sink.AppendSpool(slot.spool); err != nil {
			drain()
			return result, fmt.Errorf("failed to commit window %s: %w", w, err)
		}
		_ = slot.spool.Remove()
		slot.spool = nil

		result.Committed++
		result.Records += slot.count
		f.metrics.FetchWindowsTotal.Inc()

		f.logger.Info(logging.WithWindow(ctx, w.String()), "[FETCH_WINDOW] Window committed", logging.Fields{
			"records": slot.count,
			"index":   i + 1,
			"total":   len(windows),
		})
	}

	drain()

	if err := sink.Flush(); err != nil {
		return result, err
	}

	result.Duration = time.Since(started)

	f.logger.Info(ctx, "[FETCH_COMPLETE] Fetch finished", logging.Fields{
		"windows":          result.Windows,
		"committed":        result.Committed,
		"failed":           len(result.Failed),
		"records":          result.Records,
		"duration_seconds": result.Duration.Seconds(),
	})

	return result, nil
}

// fetchToSpool streams one window into its own spool file.
func (f *Fetcher) fetchToSpool(ctx context.Context, dir string, index int, w models.FetchWindow) (*artifact.Spool, int, error) {
	spool, err := artifact.CreateSpool(filepath.Join(dir, fmt.Sprintf("window-%04d.ndjson", index)))
	if err != nil {
		return nil, 0, err
	}

	n, err := f.FetchWindow(logging.WithWindow(ctx, w.String()), w, spool.Append)
	if err != nil {
		_ = spool.Remove()
		return nil, n, err
	}
	if err := spool.Close(); err != nil {
		_ = spool.Remove()
		return nil, n, err
	}
	return spool, n, nil
}

func (f *Fetcher) recordWindowFailure(ctx context.Context, w models.FetchWindow, err error) {
	errorType := "fetch_error"
	var transportErr *models.TransportError
	var shapeErr *models.ShapeError
	switch {
	case errors.As(err, &transportErr):
		errorType = "transport_error"
	case errors.As(err, &shapeErr):
		errorType = "shape_error"
	}
	f.metrics.RecordWindowError(errorType)

	f.logger.Error(logging.WithWindow(ctx, w.String()), "[FETCH_WINDOW_ERROR] Window failed", logging.Fields{
		"error_type": errorType,
		"retryable":  models.IsTransient(err),
	}, err)
}

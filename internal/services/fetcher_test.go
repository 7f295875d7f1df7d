package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcom-sync/internal/artifact"
	"transcom-sync/internal/config"
	"transcom-sync/internal/models"
	"transcom-sync/pkg/logging"
	"transcom-sync/pkg/metrics"
)

func testMetrics() *metrics.Collector {
	return metrics.NewCollector("test", prometheus.NewRegistry())
}

func testSource(uri string) config.SourceConfig {
	src := config.Default().Source
	src.URI = uri
	src.Timeout = 5 * time.Second
	return src
}

func newTestFetcher(t *testing.T, src config.SourceConfig) *Fetcher {
	t.Helper()
	loc, err := time.LoadLocation(src.Timezone)
	require.NoError(t, err)
	return NewFetcher(src, loc, nil, t.TempDir(), logging.NewNopLogger(), testMetrics())
}

type capturedRequest struct {
	Method string
	Body   map[string]any
}

// searchServer answers each window with records derived from its start date.
func searchServer(t *testing.T, handle func(w http.ResponseWriter, body map[string]any)) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		reqs = append(reqs, capturedRequest{Method: r.Method, Body: body})
		mu.Unlock()

		handle(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func collect(t *testing.T, f *Fetcher, w models.FetchWindow) ([]string, error) {
	t.Helper()
	var ids []string
	_, err := f.FetchWindow(context.Background(), w, func(rec json.RawMessage) error {
		var m map[string]any
		require.NoError(t, json.Unmarshal(rec, &m))
		ids = append(ids, fmt.Sprint(m["id"]))
		return nil
	})
	return ids, err
}

func TestFetchWindow_StreamsRecordsInOrder(t *testing.T) {
	srv, reqs := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
		io.WriteString(w, `{"total": 3, "meta": {"x": [1, 2]}, "data": [{"id": "a"}, {"id": "b"}, {"id": "c"}], "after": true}`)
	})

	f := newTestFetcher(t, testSource(srv.URL))
	window := models.FetchWindow{Start: at(t, "2018-01-15 00:00:00"), End: at(t, "2018-01-31 23:59:59")}

	ids, err := collect(t, f, window)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "2018-01-15 00:00:00", req.Body["startDateTime"])
	assert.Equal(t, "2018-01-31 23:59:59", req.Body["endDateTime"])
	assert.Equal(t, "15", req.Body["orgID"])
	assert.Equal(t, "1,2,3,4,13", req.Body["eventCategoryIds"])
}

func TestFetchWindow_SlashLayoutAndListKey(t *testing.T) {
	srv, reqs := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
		io.WriteString(w, `{"list": [{"id": 1}]}`)
	})

	src := testSource(srv.URL)
	src.RecordsKey = "list"
	src.TimestampLayout = "2006/01/02 15:04:05"
	f := newTestFetcher(t, src)

	ids, err := collect(t, f, models.FetchWindow{Start: at(t, "2018-02-01 00:00:00"), End: at(t, "2018-02-28 23:59:59")})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)
	assert.Equal(t, "2018/02/01 00:00:00", (*reqs)[0].Body["startDateTime"])
}

func TestFetchWindow_ShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing key", `{"rows": []}`},
		{"key not an array", `{"data": {"id": "a"}}`},
		{"top level array", `[{"id": "a"}]`},
		{"malformed", `{"data": [{"id": "a"},, ]}`},
		{"empty body", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
				io.WriteString(w, tt.body)
			})
			f := newTestFetcher(t, testSource(srv.URL))

			_, err := collect(t, f, models.FetchWindow{Start: at(t, "2018-01-01 00:00:00"), End: at(t, "2018-01-02 00:00:00")})
			var shapeErr *models.ShapeError
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, "data", shapeErr.Key)
			assert.False(t, models.IsTransient(err))
		})
	}
}

func TestFetchWindow_TransportErrors(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		srv, _ := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		})
		f := newTestFetcher(t, testSource(srv.URL))

		_, err := collect(t, f, models.FetchWindow{Start: at(t, "2018-01-01 00:00:00"), End: at(t, "2018-01-02 00:00:00")})
		var transportErr *models.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, http.StatusBadGateway, transportErr.StatusCode)
		assert.True(t, models.IsTransient(err))
	})

	t.Run("truncated body", func(t *testing.T) {
		srv, _ := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
			w.Header().Set("Content-Length", "1000")
			io.WriteString(w, `{"data": [{"id": "a"}, {"id": "b"`)
		})
		f := newTestFetcher(t, testSource(srv.URL))

		ids, err := collect(t, f, models.FetchWindow{Start: at(t, "2018-01-01 00:00:00"), End: at(t, "2018-01-02 00:00:00")})
		var transportErr *models.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, []string{"a"}, ids)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		uri := srv.URL
		srv.Close()

		f := newTestFetcher(t, testSource(uri))
		_, err := collect(t, f, models.FetchWindow{Start: at(t, "2018-01-01 00:00:00"), End: at(t, "2018-01-02 00:00:00")})
		var transportErr *models.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Zero(t, transportErr.StatusCode)
	})
}

func readSpoolIDs(t *testing.T, path string) []string {
	t.Helper()
	var ids []string
	for rec, err := range artifact.ReadRecords(path, "") {
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(rec, &m))
		ids = append(ids, fmt.Sprint(m["id"]))
	}
	return ids
}

func TestFetchRange_CommitsInRangeOrder(t *testing.T) {
	// Earlier windows answer more slowly so completion order is reversed.
	srv, _ := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
		start := body["startDateTime"].(string)
		month := start[5:7]
		switch month {
		case "01":
			time.Sleep(150 * time.Millisecond)
		case "02":
			time.Sleep(75 * time.Millisecond)
		}
		fmt.Fprintf(w, `{"data": [{"id": "%s-1"}, {"id": "%s-2"}]}`, month, month)
	})

	src := testSource(srv.URL)
	src.Concurrency = 3
	f := newTestFetcher(t, src)

	windows, err := PartitionRange(at(t, "2018-01-15 00:00:00"), at(t, "2018-03-10 23:59:59"))
	require.NoError(t, err)

	sink, err := artifact.CreateSpool(filepath.Join(t.TempDir(), "sink.ndjson"))
	require.NoError(t, err)
	defer sink.Close()

	result, err := f.FetchRange(context.Background(), windows, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.True(t, result.Complete())
	assert.NoError(t, result.Err())
	assert.Equal(t, 3, result.Committed)
	assert.Equal(t, 6, result.Records)
	assert.Equal(t, []string{"01-1", "01-2", "02-1", "02-2", "03-1", "03-2"}, readSpoolIDs(t, sink.Path()))
}

func TestFetchRange_StopsAtFirstFailedWindow(t *testing.T) {
	var calls atomic.Int32
	srv, _ := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
		calls.Add(1)
		month := body["startDateTime"].(string)[5:7]
		if month == "02" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"data": [{"id": "%s"}]}`, month)
	})

	src := testSource(srv.URL)
	src.Concurrency = 1
	f := newTestFetcher(t, src)

	windows, err := PartitionRange(at(t, "2018-01-01 00:00:00"), at(t, "2018-04-30 23:59:59"))
	require.NoError(t, err)
	require.Len(t, windows, 4)

	sink, err := artifact.CreateSpool(filepath.Join(t.TempDir(), "sink.ndjson"))
	require.NoError(t, err)
	defer sink.Close()

	result, err := f.FetchRange(context.Background(), windows, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.False(t, result.Complete())
	assert.Equal(t, 1, result.Committed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, windows[1], result.Failed[0].Window)

	var transportErr *models.TransportError
	assert.ErrorAs(t, result.Err(), &transportErr)
	assert.Contains(t, result.Err().Error(), "1 of 4 windows failed")

	// Only the prefix before the failure reaches the sink.
	assert.Equal(t, []string{"01"}, readSpoolIDs(t, sink.Path()))

	// Per-window spool files never outlive the call.
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchRange_Cancelled(t *testing.T) {
	srv, _ := searchServer(t, func(w http.ResponseWriter, body map[string]any) {
		io.WriteString(w, `{"data": []}`)
	})
	f := newTestFetcher(t, testSource(srv.URL))

	windows, err := PartitionRange(at(t, "2018-01-01 00:00:00"), at(t, "2018-06-30 23:59:59"))
	require.NoError(t, err)

	sink, err := artifact.CreateSpool(filepath.Join(t.TempDir(), "sink.ndjson"))
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.FetchRange(ctx, windows, sink)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Committed)
}

func TestFetchResult_Err(t *testing.T) {
	r := &FetchResult{Windows: 2, Committed: 2}
	assert.NoError(t, r.Err())

	r = &FetchResult{Windows: 2, Committed: 0, Failed: []WindowFailure{{Err: &models.ShapeError{Key: "data", Message: "x"}}}}
	require.Error(t, r.Err())
	assert.True(t, strings.HasPrefix(r.Err().Error(), "1 of 2 windows failed"))
}

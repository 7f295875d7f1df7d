package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcom-sync/internal/models"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "transcom-sync", cmd.Use)

	for _, name := range []string{"sync", "download", "upload", "match"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	for _, flag := range []string{"config", "log-level", "metrics-addr"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}

	sync, _, _ := cmd.Find([]string{"sync"})
	for _, flag := range []string{"start", "end", "match-all", "skip-match", "skip-vacuum"} {
		assert.NotNil(t, sync.Flags().Lookup(flag), flag)
	}
	download, _, _ := cmd.Find([]string{"download"})
	assert.NotNil(t, download.Flags().ShorthandLookup("o"))
	match, _, _ := cmd.Find([]string{"match"})
	assert.NotNil(t, match.Flags().Lookup("since"))
}

func TestParseTimestamp(t *testing.T) {
	loc := newYork(t)

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"empty means unset", "", "", false},
		{"canonical", "2018-01-15 00:00:00", "2018-01-15 00:00:00", false},
		{"single digit month and day", "2018-1-5 07:30:00", "2018-01-05 07:30:00", false},
		{"date only", "2018-01-15", "", true},
		{"iso T separator", "2018-01-15T00:00:00", "", true},
		{"trailing zone", "2018-01-15 00:00:00Z", "", true},
		{"impossible date", "2018-02-30 00:00:00", "", true},
		{"hour out of range", "2018-01-15 25:00:00", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp("start", tt.value, loc)
			if tt.wantErr {
				var vErr *models.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, "start", vErr.Field)
				assert.Equal(t, tt.value, vErr.Value)
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Format(models.WindowLayout))
			assert.Equal(t, loc, got.Location())
		})
	}
}

func TestParseRange(t *testing.T) {
	loc := newYork(t)

	s, e, err := parseRange("2018-01-15 00:00:00", "2018-03-10 23:59:59", loc)
	require.NoError(t, err)
	assert.True(t, e.After(*s))

	s, e, err = parseRange("", "2018-03-10 23:59:59", loc)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NotNil(t, e)

	_, _, err = parseRange("2018-03-10 00:00:00", "2018-01-15 00:00:00", loc)
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "range", vErr.Field)

	_, _, err = parseRange("2018-01-15 00:00:00", "soon", loc)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "end", vErr.Field)
}

// isolateEnv keeps the caller's environment from steering the command.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE", "TRANSCOM_URI", "LOG_LEVEL", "METRICS_ADDR"} {
		t.Setenv(key, "")
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExecute_ValidationFailsBeforeAnyConnection(t *testing.T) {
	isolateEnv(t)
	// An unreachable database proves validation runs first: reaching it
	// would produce a connection error instead.
	t.Setenv("PGHOST", "203.0.113.1")

	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"malformed start", []string{"sync", "--start", "2018-01-15"}, "start"},
		{"malformed end", []string{"download", "--start", "2018-01-15 00:00:00", "--end", "tomorrow"}, "end"},
		{"inverted range", []string{"sync", "--start", "2018-03-01 00:00:00", "--end", "2018-01-01 00:00:00"}, "range"},
		{"missing artifact", []string{"upload", filepath.Join(t.TempDir(), "missing.ndjson.gz")}, "artifact"},
		{"malformed since", []string{"match", "--since", "last week"}, "start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, tt.args...)
			var vErr *models.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestExecute_InvalidConfig(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  uri: ftp://example.com\n  concurrency: 0\n"), 0o644))

	_, err := runCommand(t, "download", "-c", path, "--start", "2018-01-01 00:00:00")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "config", vErr.Field)
	assert.Contains(t, err.Error(), "source.uri")
	assert.Contains(t, err.Error(), "source.concurrency")
}

func TestExecute_DownloadWithoutDatabase(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PGHOST", "203.0.113.1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data": [{"id": "a"}, {"id": "b"}]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("source:\n  uri: %s\n  timeout: 5s\nlogging:\n  level: error\n", srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	outDir := filepath.Join(dir, "out")
	out, err := runCommand(t, "download", "-c", path, "-o", outDir,
		"--start", "2018-01-15 00:00:00", "--end", "2018-02-10 23:59:59")
	require.NoError(t, err)

	assert.Contains(t, out, "(download)")
	assert.Contains(t, out, "2 windows")
	assert.Contains(t, out, "4 records, 2/2 windows committed")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "20180115T000000-20180210T235959."))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".ndjson.gz"))
}

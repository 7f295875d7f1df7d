package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultURI is the historical event search endpoint.
const DefaultURI = "https://eventsearch.xcmdata.org/HistoricalEventSearch/xcmEvent/getEventGridData"

// Config is the complete runtime configuration, passed explicitly into the pipeline.
type Config struct {
	Database   DatabaseConfig    `yaml:"database"`
	Source     SourceConfig      `yaml:"source"`
	Store      StoreConfig       `yaml:"store"`
	Match      MatchConfig       `yaml:"match"`
	Output     OutputConfig      `yaml:"output"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Categories map[string]string `yaml:"categories"` // lowercased event type -> category, merged over the built-in table
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DSN renders the keyword/value connection string understood by lib/pq and pgx.
func (d DatabaseConfig) DSN() string {
	parts := []string{
		"host=" + quoteDSN(d.Host),
		"port=" + strconv.Itoa(d.Port),
		"user=" + quoteDSN(d.User),
		"dbname=" + quoteDSN(d.Database),
		"sslmode=" + quoteDSN(d.SSLMode),
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSN(d.Password))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// SourceConfig describes the remote event search API
type SourceConfig struct {
	URI             string         `yaml:"uri"`
	RecordsKey      string         `yaml:"records_key"`      // "data" for historical search, "list" for the grid endpoint
	TimestampLayout string         `yaml:"timestamp_layout"` // Go layout for startDateTime/endDateTime
	Timezone        string         `yaml:"timezone"`         // clock the API and the range flags are expressed in
	Params          map[string]any `yaml:"params"`           // fixed filter fields sent with every window
	Timeout         time.Duration  `yaml:"timeout"`
	Concurrency     int            `yaml:"concurrency"`
	UserAgent       string         `yaml:"user_agent"`
}

// StoreConfig names the durable tables
type StoreConfig struct {
	EventsTable       string `yaml:"events_table"`
	SegmentsTable     string `yaml:"segments_table"`
	SegmentIDColumn   string `yaml:"segment_id_column"`
	SegmentGeomColumn string `yaml:"segment_geom_column"`
	SRID              int    `yaml:"srid"`
}

// MatchConfig tunes the spatial matcher
type MatchConfig struct {
	BufferRadius float64 `yaml:"buffer_radius"` // in SRID units; degrees for 4326
	CellSize     float64 `yaml:"cell_size"`     // grid index cell; 0 derives it from the radius
	BatchSize    int     `yaml:"batch_size"`    // rows per guarded write-back statement
}

// OutputConfig locates downloaded artifacts
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the prometheus exposition settings
type MetricsConfig struct {
	Addr      string `yaml:"addr"` // empty disables the HTTP listener
	Namespace string `yaml:"namespace"`
}

// DefaultParams mirrors the filter body the event search UI sends.
func DefaultParams() map[string]any {
	return map[string]any{
		"eventCategoryIds": "1,2,3,4,13",
		"eventStatus":      "",
		"eventType":        "",
		"state":            "",
		"county":           "",
		"city":             "",
		"reportingOrg":     "",
		"facility":         "",
		"primaryLoc":       "",
		"secondaryLoc":     "",
		"eventDuration":    nil,
		"orgID":            "15",
		"direction":        "",
		"iseventbyweekday": 1,
		"tripIds":          "",
	}
}

// Default returns a configuration usable against a local PostGIS instance.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "transcom",
			SSLMode:         "disable",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Source: SourceConfig{
			URI:             DefaultURI,
			RecordsKey:      "data",
			TimestampLayout: "2006-01-02 15:04:05",
			Timezone:        "America/New_York",
			Params:          DefaultParams(),
			Timeout:         10 * time.Minute,
			Concurrency:     2,
		},
		Store: StoreConfig{
			EventsTable:       "transcom_events",
			SegmentsTable:     "ny.inrix_shapefile_20171107",
			SegmentIDColumn:   "tmc",
			SegmentGeomColumn: "wkb_geometry",
			SRID:              4326,
		},
		Match: MatchConfig{
			BufferRadius: 0.025,
			BatchSize:    5000,
		},
		Output: OutputConfig{
			Dir: "./data",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "transcom_sync",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("PGHOST", &c.Database.Host)
	str("PGUSER", &c.Database.User)
	str("PGPASSWORD", &c.Database.Password)
	str("PGDATABASE", &c.Database.Database)
	str("PGSSLMODE", &c.Database.SSLMode)
	str("TRANSCOM_URI", &c.Source.URI)
	str("LOG_LEVEL", &c.Logging.Level)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if v, ok := lookup("PGPORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PGPORT %q: %w", v, err)
		}
		c.Database.Port = port
	}

	return nil
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("database.port %d out of range", c.Database.Port))
	}
	if c.Database.Database == "" {
		errs = append(errs, errors.New("database.database is required"))
	}

	u, err := url.Parse(c.Source.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("source.uri %q must be an absolute http(s) URL", c.Source.URI))
	}
	if strings.TrimSpace(c.Source.RecordsKey) == "" {
		errs = append(errs, errors.New("source.records_key is required"))
	}
	if c.Source.TimestampLayout == "" {
		errs = append(errs, errors.New("source.timestamp_layout is required"))
	}
	if _, err := time.LoadLocation(c.Source.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("source.timezone: %w", err))
	}
	if c.Source.Concurrency < 1 {
		errs = append(errs, errors.New("source.concurrency must be at least 1"))
	}

	for name, ident := range map[string]string{
		"store.events_table":        c.Store.EventsTable,
		"store.segments_table":      c.Store.SegmentsTable,
		"store.segment_id_column":   c.Store.SegmentIDColumn,
		"store.segment_geom_column": c.Store.SegmentGeomColumn,
	} {
		if !identRE.MatchString(ident) {
			errs = append(errs, fmt.Errorf("%s %q is not a valid identifier", name, ident))
		}
	}
	if c.Store.SRID <= 0 {
		errs = append(errs, fmt.Errorf("store.srid %d must be positive", c.Store.SRID))
	}
	if c.Match.BatchSize < 1 {
		errs = append(errs, errors.New("match.batch_size must be at least 1"))
	}

	return errors.Join(errs...)
}

// Location returns the clock the source timestamps are expressed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Source.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

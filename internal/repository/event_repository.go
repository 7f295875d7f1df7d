package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/paulmach/orb"

	"transcom-sync/internal/config"
	"transcom-sync/internal/models"
	"transcom-sync/pkg/database"
	"transcom-sync/pkg/logging"
	"transcom-sync/pkg/metrics"
)

// dbTimestamp is how timestamps are rendered for TIMESTAMP (without time
// zone) columns: wall clock in the configured location.
const dbTimestamp = "2006-01-02 15:04:05.999999"

// EventRepository provides data access for traffic events and reference segments
type EventRepository interface {
	// Merge operations
	MergeEvents(ctx context.Context, events iter.Seq2[*models.Event, error]) (*MergeResult, error)
	LatestCreation(ctx context.Context) (*time.Time, error)
	LatestOpenTime(ctx context.Context) (*time.Time, error)

	// Spatial match operations
	UnmatchedCandidates(ctx context.Context, watermark *time.Time) ([]models.MatchCandidate, error)
	SegmentsWithin(ctx context.Context, bound orb.Bound) ([]models.Segment, error)
	AssignSegments(ctx context.Context, matches []models.SegmentMatch) (int64, error)

	// Utility operations
	Vacuum(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// MergeResult reports what one staging merge did
type MergeResult struct {
	StagingTable string
	Staged       int64 // rows copied into staging, duplicates included
	Distinct     int64 // distinct event ids in the batch
	Inserted     int64
	Updated      int64
	Unchanged    int64
	Duration     time.Duration
}

// stagedColumns are the event columns loaded through COPY, in order.
var stagedColumns = []string{
	"event_id",
	"event_type",
	"facility",
	"creation",
	"open_time",
	"close_time",
	"duration",
	"description",
	"from_city",
	"from_count",
	"to_city",
	"state",
	"from_mile_marker",
	"to_mile_marker",
	"latitude",
	"longitude",
	"event_category",
}

// eventRepository implements EventRepository
type eventRepository struct {
	db      *database.PostgresDB
	store   config.StoreConfig
	loc     *time.Location
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewEventRepository creates a new event repository. Timestamps are written
// and read as wall clock in loc.
func NewEventRepository(db *database.PostgresDB, store config.StoreConfig, loc *time.Location, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) EventRepository {
	if loc == nil {
		loc = time.Local
	}
	return &eventRepository{
		db:      db,
		store:   store,
		loc:     loc,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// quoteQualified quotes a possibly schema-qualified identifier.
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// stagingTableName derives a unique, length-safe staging name for one merge.
func stagingTableName(eventsTable string) string {
	base := eventsTable
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	if len(base) > 26 {
		base = base[:26]
	}
	return "stg_" + base + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *eventRepository) wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), r.loc)
}

func (r *eventRepository) dbTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.In(r.loc).Format(dbTimestamp)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MergeEvents loads events into a private staging table and upserts them into
// the events table, all in one transaction. The staging table is created
// ON COMMIT DROP, so it disappears on commit and with the rollback on any
// failure. Within the batch the row with the latest open_time wins per
// event_id (null open_time loses); equal open_times go to the later row.
// Rows whose columns already match are left untouched, so merging the same
// batch again changes nothing. The segment match is never written here.
func (r *eventRepository) MergeEvents(ctx context.Context, events iter.Seq2[*models.Event, error]) (*MergeResult, error) {
	started := time.Now()
	timer := r.metrics.NewTimer(r.metrics.MergeDuration)
	defer timer.ObserveDuration()

	stg := stagingTableName(r.store.EventsTable)
	result := &MergeResult{StagingTable: stg}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.MergeError{Stage: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn(ctx, "[MERGE_ROLLBACK] Rollback failed", logging.Fields{
					"staging_table": stg,
					"error":         rbErr.Error(),
				})
			}
		}
	}()

	r.logger.Info(ctx, "[MERGE_START] Creating staging table", logging.Fields{
		"staging_table": stg,
		"events_table":  r.store.EventsTable,
	})

	createStaging := fmt.Sprintf(`
		CREATE TEMP TABLE %s (
			event_id         TEXT,
			event_type       TEXT,
			facility         TEXT,
			creation         TIMESTAMP,
			open_time        TIMESTAMP,
			close_time       TIMESTAMP,
			duration         TEXT,
			description      TEXT,
			from_city        TEXT,
			from_count       TEXT,
			to_city          TEXT,
			state            TEXT,
			from_mile_marker DOUBLE PRECISION,
			to_mile_marker   DOUBLE PRECISION,
			latitude         DOUBLE PRECISION,
			longitude        DOUBLE PRECISION,
			event_category   TEXT,
			load_seq         BIGINT
		) ON COMMIT DROP
	`, pq.QuoteIdentifier(stg))

	if _, err := tx.ExecContext(ctx, createStaging); err != nil {
		r.metrics.RecordDBError("staging_create_error")
		return nil, &models.MergeError{Stage: "create_staging", Err: err}
	}

	copyStarted := time.Now()
	staged, err := r.copyEvents(ctx, tx, stg, events)
	r.db.ObserveQuery("staging_copy", copyStarted)
	if err != nil {
		r.metrics.RecordDBError("staging_copy_error")
		return nil, &models.MergeError{Stage: "copy", Err: err}
	}
	result.Staged = staged

	if staged > 0 {
		if err := r.upsert(ctx, tx, stg, result); err != nil {
			r.metrics.RecordDBError("upsert_error")
			return nil, &models.MergeError{Stage: "upsert", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		r.metrics.RecordDBError("merge_commit_error")
		return nil, &models.MergeError{Stage: "commit", Err: err}
	}
	committed = true

	result.Duration = time.Since(started)
	r.metrics.RecordMerge(result.Staged, result.Inserted, result.Updated)

	r.logger.Info(ctx, "[MERGE_COMPLETE] Staging merge committed", logging.Fields{
		"staging_table":    stg,
		"staged":           result.Staged,
		"distinct":         result.Distinct,
		"inserted":         result.Inserted,
		"updated":          result.Updated,
		"unchanged":        result.Unchanged,
		"duration_seconds": result.Duration.Seconds(),
	})

	return result, nil
}

// copyEvents streams the iterator into the staging table with COPY. The
// iterator is pulled one event at a time, so the batch is never held in memory.
func (r *eventRepository) copyEvents(ctx context.Context, tx txPreparer, stg string, events iter.Seq2[*models.Event, error]) (int64, error) {
	cols := append(append([]string{}, stagedColumns...), "load_seq")
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(stg, cols...))
	if err != nil {
		return 0, fmt.Errorf("failed to start copy: %w", err)
	}
	defer stmt.Close()

	var seq int64
	for ev, err := range events {
		if err != nil {
			return seq, err
		}
		if err := ctx.Err(); err != nil {
			return seq, err
		}
		seq++
		if _, err := stmt.ExecContext(ctx,
			ev.EventID,
			nullString(ev.EventType),
			nullString(ev.Facility),
			r.dbTime(ev.Creation),
			r.dbTime(ev.OpenTime),
			r.dbTime(ev.CloseTime),
			nullString(ev.Duration),
			nullString(ev.Description),
			nullString(ev.FromCity),
			nullString(ev.FromCounty),
			nullString(ev.ToCity),
			nullString(ev.State),
			nullFloat(ev.FromMileMarker),
			nullFloat(ev.ToMileMarker),
			nullFloat(ev.Latitude),
			nullFloat(ev.Longitude),
			ev.EventCategory,
			seq,
		); err != nil {
			return seq, fmt.Errorf("failed to copy event %s: %w", ev.EventID, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return seq, fmt.Errorf("failed to finish copy: %w", err)
	}
	return seq, nil
}

type txPreparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// upsertSQL builds the dedup-and-upsert statement for one staging table.
func upsertSQL(eventsTable, stg string, srid int) string {
	nonKey := stagedColumns[1:]

	sets := make([]string, 0, len(nonKey)+1)
	current := make([]string, 0, len(nonKey))
	incoming := make([]string, 0, len(nonKey))
	for _, c := range nonKey {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		current = append(current, "t."+c)
		incoming = append(incoming, "EXCLUDED."+c)
	}
	sets = append(sets, "point_geom = EXCLUDED.point_geom")

	return fmt.Sprintf(`
		WITH upserted AS (
			INSERT INTO %[1]s AS t (%[2]s, point_geom)
			SELECT DISTINCT ON (event_id)
				%[2]s,
				CASE
					WHEN longitude IS NOT NULL AND latitude IS NOT NULL
					THEN ST_SetSRID(ST_MakePoint(longitude, latitude), %[3]d)
				END
			FROM %[4]s
			ORDER BY event_id, open_time DESC NULLS LAST, load_seq DESC
			ON CONFLICT (event_id) DO UPDATE SET
				%[5]s
			WHERE (%[6]s) IS DISTINCT FROM (%[7]s)
			RETURNING (xmax = 0) AS inserted
		)
		SELECT
			COUNT(*) FILTER (WHERE inserted) AS inserted,
			COUNT(*) FILTER (WHERE NOT inserted) AS updated
		FROM upserted
	`,
		quoteQualified(eventsTable),
		strings.Join(stagedColumns, ", "),
		srid,
		pq.QuoteIdentifier(stg),
		strings.Join(sets, ",\n\t\t\t\t"),
		strings.Join(current, ", "),
		strings.Join(incoming, ", "),
	)
}

func (r *eventRepository) upsert(ctx context.Context, tx queryRower, stg string, result *MergeResult) error {
	started := time.Now()
	defer r.db.ObserveQuery("staging_upsert", started)

	distinctQuery := fmt.Sprintf(`SELECT COUNT(DISTINCT event_id) FROM %s`, pq.QuoteIdentifier(stg))
	if err := tx.QueryRowContext(ctx, distinctQuery).Scan(&result.Distinct); err != nil {
		return fmt.Errorf("failed to count staged events: %w", err)
	}

	query := upsertSQL(r.store.EventsTable, stg, r.store.SRID)
	if err := tx.QueryRowContext(ctx, query).Scan(&result.Inserted, &result.Updated); err != nil {
		return fmt.Errorf("failed to upsert staged events: %w", err)
	}
	result.Unchanged = result.Distinct - result.Inserted - result.Updated
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LatestCreation returns MAX(creation), or nil for an empty table.
func (r *eventRepository) LatestCreation(ctx context.Context) (*time.Time, error) {
	return r.latest(ctx, "creation")
}

// LatestOpenTime returns MAX(open_time), or nil for an empty table.
func (r *eventRepository) LatestOpenTime(ctx context.Context) (*time.Time, error) {
	return r.latest(ctx, "open_time")
}

func (r *eventRepository) latest(ctx context.Context, column string) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, column, quoteQualified(r.store.EventsTable))

	var t sql.NullTime
	if err := r.db.GetContext(ctx, "latest_"+column, &t, query); err != nil {
		return nil, fmt.Errorf("failed to get latest %s: %w", column, err)
	}
	if !t.Valid {
		return nil, nil
	}
	wall := r.wallClock(t.Time)
	return &wall, nil
}

// UnmatchedCandidates lists events with a point but no segment. A non-nil
// watermark restricts them to events closed at or after it.
func (r *eventRepository) UnmatchedCandidates(ctx context.Context, watermark *time.Time) ([]models.MatchCandidate, error) {
	query := fmt.Sprintf(`
		SELECT
			event_id,
			ST_X(point_geom) AS longitude,
			ST_Y(point_geom) AS latitude
		FROM %s
		WHERE segment_id IS NULL
			AND point_geom IS NOT NULL
	`, quoteQualified(r.store.EventsTable))

	var args []any
	if watermark != nil {
		query += ` AND close_time >= $1::timestamp`
		args = append(args, r.dbTime(watermark))
	}
	query += ` ORDER BY event_id`

	var candidates []models.MatchCandidate
	if err := r.db.SelectContext(ctx, "unmatched_candidates", &candidates, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unmatched events: %w", err)
	}
	return candidates, nil
}

// SegmentsWithin returns reference segments whose bounding box intersects
// bound, as 2D WKB.
func (r *eventRepository) SegmentsWithin(ctx context.Context, bound orb.Bound) ([]models.Segment, error) {
	query := fmt.Sprintf(`
		SELECT
			%[1]s::text AS segment_id,
			ST_AsBinary(ST_Force2D(%[2]s)) AS geom
		FROM %[3]s
		WHERE %[2]s IS NOT NULL
			AND %[2]s && ST_MakeEnvelope($1, $2, $3, $4, %[4]d)
		ORDER BY 1
	`,
		pq.QuoteIdentifier(r.store.SegmentIDColumn),
		pq.QuoteIdentifier(r.store.SegmentGeomColumn),
		quoteQualified(r.store.SegmentsTable),
		r.store.SRID,
	)

	var segments []models.Segment
	if err := r.db.SelectContext(ctx, "segments_within", &segments, query,
		bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1],
	); err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	return segments, nil
}

// AssignSegments writes matches back in one statement. Only rows whose
// segment_id is still NULL are touched, so a concurrent matcher that got there
// first wins and nothing is ever overwritten.
func (r *eventRepository) AssignSegments(ctx context.Context, matches []models.SegmentMatch) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	ids := make([]string, len(matches))
	segs := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.EventID
		segs[i] = m.SegmentID
	}

	query := fmt.Sprintf(`
		UPDATE %s AS t
		SET segment_id = m.segment_id
		FROM unnest($1::text[], $2::text[]) AS m(event_id, segment_id)
		WHERE t.event_id = m.event_id
			AND t.segment_id IS NULL
	`, quoteQualified(r.store.EventsTable))

	res, err := r.db.ExecContext(ctx, "assign_segments", query, pq.Array(ids), pq.Array(segs))
	if err != nil {
		return 0, fmt.Errorf("failed to assign segments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count assigned segments: %w", err)
	}
	return n, nil
}

// Vacuum reclaims space and refreshes planner statistics after a merge.
func (r *eventRepository) Vacuum(ctx context.Context) error {
	query := fmt.Sprintf(`VACUUM ANALYZE %s`, quoteQualified(r.store.EventsTable))
	if _, err := r.db.ExecContext(ctx, "vacuum", query); err != nil {
		return fmt.Errorf("failed to vacuum %s: %w", r.store.EventsTable, err)
	}
	return nil
}

// HealthCheck checks database connectivity
func (r *eventRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

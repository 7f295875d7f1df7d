package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript_Defaults(t *testing.T) {
	up, err := Script("up", DefaultParams)
	require.NoError(t, err)
	assert.Contains(t, up, `CREATE TABLE IF NOT EXISTS "transcom_events" (`)
	assert.Contains(t, up, "event_id          TEXT PRIMARY KEY")
	assert.Contains(t, up, "segment_id        TEXT")
	assert.Contains(t, up, "geometry(Point, 4326)")
	assert.Contains(t, up, `"transcom_events_point_geom_idx"`)
	assert.NotContains(t, up, "CREATE SCHEMA")

	down, err := Script("down", DefaultParams)
	require.NoError(t, err)
	assert.Contains(t, down, `DROP TABLE IF EXISTS "transcom_events"`)

	_, err = Script("sideways", DefaultParams)
	assert.Error(t, err)
}

func TestScript_ConfiguredTable(t *testing.T) {
	p := Params{Table: "ny.Events2018", SRID: 2263}

	up, err := Script("up", p)
	require.NoError(t, err)
	assert.Contains(t, up, `CREATE SCHEMA IF NOT EXISTS "ny";`)
	assert.Contains(t, up, `CREATE TABLE IF NOT EXISTS "ny"."Events2018" (`)
	assert.Contains(t, up, "geometry(Point, 2263)")
	assert.Contains(t, up, `CREATE INDEX IF NOT EXISTS "Events2018_unmatched_idx"`)
	assert.Contains(t, up, `ON "ny"."Events2018" USING GIST (point_geom)`)
	assert.NotContains(t, up, "transcom_events")

	down, err := Script("down", p)
	require.NoError(t, err)
	assert.Contains(t, down, `DROP TABLE IF EXISTS "ny"."Events2018"`)
}

func TestScript_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"empty table", Params{SRID: 4326}},
		{"empty schema", Params{Table: ".events", SRID: 4326}},
		{"three parts", Params{Table: "a.b.c", SRID: 4326}},
		{"zero srid", Params{Table: "events"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Script("up", tt.p)
			assert.Error(t, err)
		})
	}
}

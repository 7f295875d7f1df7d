// Package migrations embeds the durable store schema so binaries can bootstrap
// a database without the source tree.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/lib/pq"
)

//go:embed *.sql
var files embed.FS

// Params places the events table. Table may be schema-qualified.
type Params struct {
	Table string
	SRID  int
}

// DefaultParams matches the default store configuration.
var DefaultParams = Params{Table: "transcom_events", SRID: 4326}

type scriptData struct {
	Schema string
	Table  string
	SRID   int
	base   string
}

// Index names an index after the unqualified table name.
func (d scriptData) Index(suffix string) string {
	return pq.QuoteIdentifier(d.base + "_" + suffix)
}

// Script renders the SQL for the given direction ("up" or "down") against p.
func Script(direction string, p Params) (string, error) {
	var name string
	switch direction {
	case "up":
		name = "001_create_schema.up.sql"
	case "down":
		name = "001_create_schema.down.sql"
	default:
		return "", fmt.Errorf("unknown migration direction %q: must be up or down", direction)
	}

	data, err := p.data()
	if err != nil {
		return "", err
	}

	tmpl, err := template.ParseFS(files, name)
	if err != nil {
		return "", fmt.Errorf("failed to read migration %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render migration %s: %w", name, err)
	}
	return b.String(), nil
}

func (p Params) data() (scriptData, error) {
	if p.SRID <= 0 {
		return scriptData{}, fmt.Errorf("invalid srid %d", p.SRID)
	}
	parts := strings.Split(p.Table, ".")
	if len(parts) > 2 {
		return scriptData{}, fmt.Errorf("table %q has too many parts", p.Table)
	}
	for _, part := range parts {
		if part == "" {
			return scriptData{}, errors.New("table name is required")
		}
	}

	d := scriptData{SRID: p.SRID, base: parts[len(parts)-1]}
	if len(parts) == 2 {
		d.Schema = pq.QuoteIdentifier(parts[0])
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = pq.QuoteIdentifier(part)
	}
	d.Table = strings.Join(quoted, ".")
	return d, nil
}

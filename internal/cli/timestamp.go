package cli

import (
	"regexp"
	"time"

	"transcom-sync/internal/models"
)

// timestampRE is the only accepted shape for --start and --end.
var timestampRE = regexp.MustCompile(`^\d{4}-\d{1,2}-\d{1,2} \d{2}:\d{2}:\d{2}$`)

// ParseTimestamp validates and parses a range flag in loc. An empty value
// means "not given" and yields nil.
func ParseTimestamp(field, value string, loc *time.Location) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if !timestampRE.MatchString(value) {
		return nil, &models.ValidationError{
			Field:   field,
			Value:   value,
			Message: "expected YYYY-MM-DD HH:MM:SS",
		}
	}
	t, err := time.ParseInLocation("2006-1-2 15:04:05", value, loc)
	if err != nil {
		return nil, &models.ValidationError{Field: field, Value: value, Message: err.Error()}
	}
	return &t, nil
}

// parseRange parses both range flags and rejects an inverted range.
func parseRange(start, end string, loc *time.Location) (*time.Time, *time.Time, error) {
	s, err := ParseTimestamp("start", start, loc)
	if err != nil {
		return nil, nil, err
	}
	e, err := ParseTimestamp("end", end, loc)
	if err != nil {
		return nil, nil, err
	}
	if s != nil && e != nil && e.Before(*s) {
		return nil, nil, &models.ValidationError{
			Field:   "range",
			Value:   start + " - " + end,
			Message: "end precedes start",
		}
	}
	return s, e, nil
}

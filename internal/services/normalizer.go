package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"transcom-sync/internal/models"
)

// DefaultCategories maps lowercased event types to their reporting category.
var DefaultCategories = map[string]string{
	"accident":                 "accident",
	"accident investigation":   "accident",
	"crash":                    "accident",
	"multi-vehicle accident":   "accident",
	"overturned vehicle":       "accident",
	"vehicle fire":             "accident",
	"construction":             "construction",
	"roadwork":                 "construction",
	"road work":                "construction",
	"maintenance":              "construction",
	"bridge work":              "construction",
	"paving":                   "construction",
	"utility work":             "construction",
	"lane closure":             "construction",
	"weather":                  "weather",
	"snow":                     "weather",
	"ice":                      "weather",
	"flooding":                 "weather",
	"fog":                      "weather",
	"high winds":               "weather",
	"wind":                     "weather",
	"congestion":               "congestion",
	"heavy traffic":            "congestion",
	"delays":                   "congestion",
	"disabled vehicle":         "incident",
	"disabled tractor trailer": "incident",
	"debris":                   "incident",
	"police activity":          "incident",
	"fire":                     "incident",
	"downed tree":              "incident",
	"downed wires":             "incident",
	"obstruction":              "incident",
	"special event":            "special event",
	"parade":                   "special event",
	"sporting event":           "special event",
}

// timeLayouts are tried in order for every source timestamp.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Normalizer maps raw API records to canonical events.
type Normalizer struct {
	categories map[string]string
	loc        *time.Location
}

// NewNormalizer builds a normalizer over the built-in category table with
// overrides merged on top. Source timestamps are read in loc.
func NewNormalizer(overrides map[string]string, loc *time.Location) *Normalizer {
	categories := make(map[string]string, len(DefaultCategories)+len(overrides))
	for k, v := range DefaultCategories {
		categories[k] = v
	}
	for k, v := range overrides {
		categories[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{categories: categories, loc: loc}
}

// Category returns the category for a raw event type, or "other" on a miss.
func (n *Normalizer) Category(eventType string) string {
	if c, ok := n.categories[strings.ToLower(strings.TrimSpace(eventType))]; ok && c != "" {
		return c
	}
	return models.DefaultCategory
}

// Normalize converts one raw record. A record without an id, or one that is not
// a JSON object, yields a *models.PartialRecordError and must be skipped.
func (n *Normalizer) Normalize(raw json.RawMessage) (*models.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, &models.PartialRecordError{Reason: "record is not a JSON object", Err: err}
	}
	if m == nil {
		return nil, &models.PartialRecordError{Reason: "record is null"}
	}

	id := pickString(m, "id")
	if id == "" {
		return nil, &models.PartialRecordError{Reason: "missing id"}
	}

	eventType := pickString(m, "eventType")

	return &models.Event{
		EventID:        id,
		EventType:      eventType,
		Facility:       pickString(m, "facility"),
		Creation:       n.pickTime(m, "startDateTime"),
		OpenTime:       n.pickTime(m, "lastUpdate"),
		CloseTime:      n.pickTime(m, "manualCloseDate"),
		Duration:       pickString(m, "eventDuration"),
		Description:    pickString(m, "summaryDescription"),
		FromCity:       pickString(m, "FromCity"),
		FromCounty:     pickString(m, "county"),
		ToCity:         pickString(m, "ToCity"),
		State:          pickString(m, "state"),
		FromMileMarker: pickFloat(m, "PrimaryMarker"),
		ToMileMarker:   pickFloat(m, "secondaryMarker"),
		Latitude:       pickFloat(m, "pointLAT"),
		Longitude:      pickFloat(m, "pointLON"),
		EventCategory:  n.Category(eventType),
	}, nil
}

// pickString renders scalar values as trimmed strings; objects, arrays and null become "".
// NUL bytes are dropped since Postgres text columns cannot hold them.
func pickString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(strings.ReplaceAll(v, "\x00", ""))
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// pickFloat coerces numbers and numeric strings; anything else, NaN and
// infinities included, is nil.
func pickFloat(m map[string]any, key string) *float64 {
	var s string
	switch v := m[key].(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func (n *Normalizer) pickTime(m map[string]any, key string) *time.Time {
	s := pickString(m, key)
	if s == "" {
		return nil
	}
	t, err := parseSourceTime(s, n.loc)
	if err != nil {
		return nil
	}
	return &t
}

// parseSourceTime accepts RFC 3339, epoch milliseconds and the layouts the
// event search endpoints are known to emit.
func parseSourceTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 12 {
		return time.UnixMilli(ms).In(loc), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time: %s", s)
}

package models

import (
	"fmt"
	"time"
)

// DefaultCategory is assigned when an event type has no entry in the category table.
const DefaultCategory = "other"

// WindowLayout formats window bounds in logs and artifact names.
const WindowLayout = "2006-01-02 15:04:05"

// Event is one traffic-incident record in its canonical, store-ready shape.
// Optional attributes are pointers so that missing source values become NULL.
type Event struct {
	EventID        string     `json:"event_id" db:"event_id"`
	EventType      string     `json:"event_type" db:"event_type"`
	Facility       string     `json:"facility" db:"facility"`
	Creation       *time.Time `json:"creation,omitempty" db:"creation"`
	OpenTime       *time.Time `json:"open_time,omitempty" db:"open_time"`
	CloseTime      *time.Time `json:"close_time,omitempty" db:"close_time"`
	Duration       string     `json:"duration" db:"duration"`
	Description    string     `json:"description" db:"description"`
	FromCity       string     `json:"from_city" db:"from_city"`
	FromCounty     string     `json:"from_count" db:"from_count"`
	ToCity         string     `json:"to_city" db:"to_city"`
	State          string     `json:"state" db:"state"`
	FromMileMarker *float64   `json:"from_mile_marker,omitempty" db:"from_mile_marker"`
	ToMileMarker   *float64   `json:"to_mile_marker,omitempty" db:"to_mile_marker"`
	Latitude       *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64   `json:"longitude,omitempty" db:"longitude"`
	EventCategory  string     `json:"event_category" db:"event_category"`
	SegmentID      *string    `json:"segment_id,omitempty" db:"segment_id"`
}

// HasLocation reports whether a point geometry can be derived for the event.
func (e *Event) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// FetchWindow is an inclusive [Start, End] interval confined to one calendar month.
type FetchWindow struct {
	Start time.Time
	End   time.Time
}

// String renders the window the way it is logged.
func (w FetchWindow) String() string {
	return fmt.Sprintf("%s - %s", w.Start.Format(WindowLayout), w.End.Format(WindowLayout))
}

// Segment is a read-only reference road geometry. Geometry holds WKB as returned by PostGIS.
type Segment struct {
	ID       string `db:"segment_id"`
	Geometry []byte `db:"geom"`
}

// MatchCandidate is an event still lacking a segment, reduced to its point.
type MatchCandidate struct {
	EventID   string  `db:"event_id"`
	Longitude float64 `db:"longitude"`
	Latitude  float64 `db:"latitude"`
}

// SegmentMatch pairs an event with the segment chosen for it.
type SegmentMatch struct {
	EventID   string
	SegmentID string
	Distance  float64
}

package models

import (
	"testing"
	"time"
)

func TestEvent_HasLocation(t *testing.T) {
	lat, lon := 42.65, -73.75

	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"both", Event{Latitude: &lat, Longitude: &lon}, true},
		{"latitude only", Event{Latitude: &lat}, false},
		{"longitude only", Event{Longitude: &lon}, false},
		{"neither", Event{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.HasLocation(); got != tt.want {
				t.Errorf("HasLocation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchWindow_String(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	w := FetchWindow{
		Start: time.Date(2018, 3, 1, 0, 0, 0, 0, loc),
		End:   time.Date(2018, 3, 10, 23, 59, 59, 0, loc),
	}
	want := "2018-03-01 00:00:00 - 2018-03-10 23:59:59"
	if got := w.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	window := FetchWindow{
		Start: time.Date(2018, 1, 1, 0, 0, 0, 0, loc),
		End:   time.Date(2018, 1, 31, 23, 59, 59, 0, loc),
	}
	cause := errors.New("connection reset")

	tests := []struct {
		name      string
		err       error
		contains  []string
		transient bool
	}{
		{
			name:      "validation",
			err:       &ValidationError{Field: "start", Value: "2018-01", Message: "expected YYYY-MM-DD HH:MM:SS"},
			contains:  []string{`invalid start "2018-01"`, "expected YYYY-MM-DD HH:MM:SS"},
			transient: false,
		},
		{
			name:      "validation without field",
			err:       &ValidationError{Message: "nothing to do"},
			contains:  []string{"nothing to do"},
			transient: false,
		},
		{
			name:      "transport with status",
			err:       &TransportError{Window: window, StatusCode: 502, Err: cause},
			contains:  []string{"status 502", "connection reset", "2018-01-01 00:00:00"},
			transient: true,
		},
		{
			name:      "transport without status",
			err:       &TransportError{Window: window, Err: cause},
			contains:  []string{"transport error", "connection reset"},
			transient: true,
		},
		{
			name:      "shape",
			err:       &ShapeError{Window: window, Key: "data", Message: "key not found"},
			contains:  []string{`key "data"`, "key not found"},
			transient: false,
		},
		{
			name:      "merge",
			err:       &MergeError{Stage: "copy", Err: cause},
			contains:  []string{"during copy", "connection reset"},
			transient: true,
		},
		{
			name:      "partial record",
			err:       &PartialRecordError{EventID: "E1", Reason: "missing id"},
			contains:  []string{"skipped record E1: missing id"},
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want it to contain %q", msg, want)
				}
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestIsTransient_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("window 3: %w", &TransportError{Err: errors.New("eof")})
	if !IsTransient(wrapped) {
		t.Error("wrapped transport error should be transient")
	}

	joined := errors.Join(&ShapeError{Key: "data"}, &TransportError{Err: errors.New("eof")})
	if IsTransient(joined) {
		t.Error("the first marked error decides")
	}

	if IsTransient(errors.New("plain")) {
		t.Error("unmarked errors are not transient")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	for _, err := range []error{
		&TransportError{Err: cause},
		&MergeError{Stage: "upsert", Err: cause},
		&PartialRecordError{Reason: "bad", Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}

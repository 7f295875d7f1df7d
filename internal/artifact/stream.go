package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotObject means the document does not start with a JSON object.
	ErrNotObject = errors.New("document is not a JSON object")
	// ErrKeyNotFound means the object has no member under the requested key.
	ErrKeyNotFound = errors.New("records key not found")
	// ErrNotArray means the member under the key is not an array.
	ErrNotArray = errors.New("records value is not an array")
)

// SyntaxError wraps a JSON decoding failure that was not caused by the reader.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return "malformed JSON: " + e.Err.Error() }
func (e *SyntaxError) Unwrap() error { return e.Err }

// ReadError wraps a failure of the underlying reader (connection reset,
// truncated body, ...) observed while decoding.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read failed: " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// errStop lets emit end the stream early without it counting as a failure.
var errStop = errors.New("stop")

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// StreamArray decodes the top-level object in r token by token and calls emit
// for every element of the array stored under key, in order, as soon as the
// element has been read. Only one element is held in memory at a time; other
// members of the object are skipped. It returns the number of elements emitted.
func StreamArray(r io.Reader, key string, emit func(json.RawMessage) error) (int, error) {
	tr := &trackingReader{r: r}
	dec := json.NewDecoder(tr)

	wrap := func(err error) error {
		if tr.err != nil {
			return &ReadError{Err: tr.err}
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &ReadError{Err: err}
		}
		return &SyntaxError{Err: err}
	}

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return 0, ErrNotObject
		}
		return 0, wrap(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, ErrNotObject
	}

	count := 0
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return count, wrap(err)
		}
		name, _ := tok.(string)

		if name != key {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return count, wrap(err)
			}
			continue
		}

		tok, err = dec.Token()
		if err != nil {
			return count, wrap(err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return count, fmt.Errorf("%w: got %v", ErrNotArray, tok)
		}

		for dec.More() {
			var rec json.RawMessage
			if err := dec.Decode(&rec); err != nil {
				return count, wrap(err)
			}
			if err := emit(rec); err != nil {
				if errors.Is(err, errStop) {
					return count, nil
				}
				return count, err
			}
			count++
		}

		// closing ']'
		if _, err := dec.Token(); err != nil {
			return count, wrap(err)
		}
		return count, nil
	}

	return count, ErrKeyNotFound
}

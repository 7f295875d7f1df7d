package artifact

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StampLayout formats the timestamps embedded in artifact names.
const StampLayout = "20060102T150405"

// Extension is the suffix of downloaded artifacts.
const Extension = ".ndjson.gz"

// FileName builds "{start}-{end}.{downloaded}.ndjson.gz".
func FileName(start, end, downloaded time.Time) string {
	return fmt.Sprintf("%s-%s.%s%s",
		start.Format(StampLayout),
		end.Format(StampLayout),
		downloaded.Format(StampLayout),
		Extension,
	)
}

// WriteGzip compresses the spool into dir/name. The artifact is written to a
// temporary file first and renamed into place, so a reader never sees a
// partial file.
func WriteGzip(src *Spool, dir, name string) (string, error) {
	if err := src.Flush(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	in, err := os.Open(src.Path())
	if err != nil {
		return "", fmt.Errorf("failed to open spool: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw, err := gzip.NewWriterLevel(tmp, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(zw, in); err != nil {
		return "", fmt.Errorf("failed to compress artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}
	committed = true
	return dst, nil
}

// LineError reports one unreadable line of a newline-delimited file. Iteration
// continues past it.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// ReadRecords iterates the records of a spool or artifact file. Gzip input is
// detected from its magic bytes. Files ending in .json (before any .gz) are
// read as a single object with the records under key; everything else is
// newline-delimited JSON. The file is closed when iteration stops.
func ReadRecords(path, key string) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, fmt.Errorf("failed to open %s: %w", path, err))
			return
		}
		defer f.Close()

		br := bufio.NewReaderSize(f, 256*1024)
		var r io.Reader = br
		if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
			zr, err := gzip.NewReader(br)
			if err != nil {
				yield(nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err))
				return
			}
			defer zr.Close()
			r = zr
		}

		if strings.HasSuffix(strings.TrimSuffix(path, ".gz"), ".json") {
			readDocument(r, key, yield)
			return
		}
		readLines(r, yield)
	}
}

func readDocument(r io.Reader, key string, yield func(json.RawMessage, error) bool) {
	_, err := StreamArray(r, key, func(rec json.RawMessage) error {
		if !yield(rec, nil) {
			return errStop
		}
		return nil
	})
	if err != nil {
		yield(nil, err)
	}
}

func readLines(r io.Reader, yield func(json.RawMessage, error) bool) {
	lr := bufio.NewReaderSize(r, 256*1024)
	line := 0
	for {
		b, err := lr.ReadBytes('\n')
		if len(b) > 0 {
			line++
			b = bytes.TrimSpace(b)
			if len(b) > 0 {
				if !json.Valid(b) {
					if !yield(nil, &LineError{Line: line, Err: errors.New("invalid JSON")}) {
						return
					}
				} else if !yield(json.RawMessage(b), nil) {
					return
				}
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, &ReadError{Err: err})
			return
		}
	}
}

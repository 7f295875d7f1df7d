package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Spool is an append-only newline-delimited JSON file. It is not safe for
// concurrent use; callers serialize appends.
type Spool struct {
	path  string
	file  *os.File
	w     *bufio.Writer
	buf   bytes.Buffer
	count int
}

// CreateSpool creates (or truncates) an NDJSON spool at path.
func CreateSpool(path string) (*Spool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool: %w", err)
	}
	return &Spool{path: path, file: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// Path returns the spool's file path.
func (s *Spool) Path() string { return s.path }

// Count returns the number of records appended so far.
func (s *Spool) Count() int { return s.count }

// Append writes one record as a single compact line.
func (s *Spool) Append(rec json.RawMessage) error {
	s.buf.Reset()
	if err := json.Compact(&s.buf, rec); err != nil {
		return fmt.Errorf("failed to compact record: %w", err)
	}
	s.buf.WriteByte('\n')
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	s.count++
	return nil
}

// AppendSpool copies every record of a finished spool onto the end of s.
func (s *Spool) AppendSpool(other *Spool) error {
	if err := other.Flush(); err != nil {
		return err
	}
	f, err := os.Open(other.path)
	if err != nil {
		return fmt.Errorf("failed to open spool %s: %w", other.path, err)
	}
	defer f.Close()

	if _, err := io.Copy(s.w, f); err != nil {
		return fmt.Errorf("failed to append spool %s: %w", other.path, err)
	}
	s.count += other.count
	return nil
}

// Flush pushes buffered records to the file.
func (s *Spool) Flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush spool: %w", err)
	}
	return nil
}

// Close flushes and closes the spool. The file is kept.
func (s *Spool) Close() error {
	if s.file == nil {
		return nil
	}
	flushErr := s.Flush()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Remove closes the spool and deletes its file.
func (s *Spool) Remove() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

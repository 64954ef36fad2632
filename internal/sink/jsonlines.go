package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// line is the encoded form of a Record
type line struct {
	Category Category        `json:"category"`
	Account  string          `json:"account,omitempty"`
	Time     string          `json:"time,omitempty"`
	Event    json.RawMessage `json:"event"`
}

// JSONLines writes one JSON document per record
type JSONLines struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONLines writes to w. Close does not close w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w}
}

// NewStdout writes records to standard output
func NewStdout() *JSONLines {
	return NewJSONLines(os.Stdout)
}

// OpenFile appends records to the file at path
func OpenFile(path string) (*JSONLines, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}
	return &JSONLines{w: f, closer: f}, nil
}

// Write encodes r as a single line
func (s *JSONLines) Write(ctx context.Context, r Record) error {
	return s.WriteBatch(ctx, []Record{r})
}

// WriteBatch encodes each record as a line and syncs the file once
func (s *JSONLines) WriteBatch(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, r := range records {
		l := line{Category: r.Category, Account: r.Account, Event: r.Data}
		if !r.Time.IsZero() {
			l.Time = r.Time.UTC().Format(time.RFC3339)
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing records: %w", err)
	}
	if f, ok := s.w.(*os.File); ok && s.closer != nil {
		return f.Sync()
	}
	return nil
}

// Close closes the underlying file, if any
func (s *JSONLines) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

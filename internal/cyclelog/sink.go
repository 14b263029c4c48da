package cyclelog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/pedal.guard/internal/db"
	"github.com/banshee-data/pedal.guard/internal/security"
)

// Sink receives one record per control cycle.
type Sink interface {
	Write(Record) error
	Close() error
}

// CSVSink appends records as CSV rows, flushing after each one so a crash
// loses at most the current cycle.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// NewCSVSink writes to w. The header is written first when header is true.
func NewCSVSink(w io.Writer, header bool) (*CSVSink, error) {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	if header {
		if err := s.w.Write(Header); err != nil {
			return nil, err
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return s, nil
}

// OpenCSVSink opens path for appending, creating it and its directory as
// needed. The header is written only to an empty file. extraDirs widen the
// set of directories the path may resolve into.
func OpenCSVSink(path string, extraDirs ...string) (*CSVSink, error) {
	if err := security.ValidateOutputPath(path, extraDirs...); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s, err := NewCSVSink(f, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *CSVSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(r.CSVRow()); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadCSV parses a log written by CSVSink. The header row is required.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, name := range Header {
		if head[i] != name {
			return nil, fmt.Errorf("unexpected column %d %q, want %q", i, head[i], name)
		}
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := ParseCSVRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

// DBSink stores records in the run database.
type DBSink struct {
	DB *db.DB
}

func (s DBSink) Write(r Record) error { return s.DB.RecordCycle(r.Cycle()) }

// Close leaves the database open; its owner closes it.
func (s DBSink) Close() error { return nil }

// MultiSink fans a record out to every sink. A failing sink does not stop
// the others.
type MultiSink []Sink

func (m MultiSink) Write(r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package audit appends every verdict to a durable CSV file.
//
// The file has a single header row followed by one row per verdict. Decay
// values are written with 8 fixed decimals; Time_Before_Failure, Warnings and
// Suggestions are JSON-encoded into their cells.
package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
)

// ErrIO is wrapped by every failure to open, write or sync the log.
var ErrIO = errors.New("audit log i/o failure")

// Columns is the header row.
var Columns = []string{
	"Predicted_Compressor_Decay",
	"Predicted_Turbine_Decay",
	"Time_Before_Failure",
	"Compressor_Fault_Detected",
	"Turbine_Fault",
	"Warnings",
	"Suggestions",
}

// Log is an append-only verdict log. It is safe for concurrent use; rows are
// written in the order Append is called.
type Log struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	buf         *bufio.Writer
	csv         *csv.Writer
	fsync       bool
	headerOwed  bool
	rowsWritten int
}

// Open opens or creates the log at path, creating parent directories. An
// existing non-empty file must start with the expected header. When fsync is
// true every Append syncs the file before returning.
func Open(path string, fsync bool) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrIO)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create directory %s: %v", ErrIO, dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	if stat.Size() > 0 {
		if err := checkHeader(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	buf := bufio.NewWriter(f)
	return &Log{
		path:       path,
		file:       f,
		buf:        buf,
		csv:        csv.NewWriter(buf),
		fsync:      fsync,
		headerOwed: stat.Size() == 0,
	}, nil
}

func checkHeader(r io.ReadSeeker) error {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %v", ErrIO, err)
	}
	header, err := csv.NewReader(r).Read()
	if err != nil {
		return fmt.Errorf("%w: read header: %v", ErrIO, err)
	}
	if !slices.Equal(header, Columns) {
		return fmt.Errorf("%w: unexpected header %v", ErrIO, header)
	}
	return nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

// Append writes v as one row, preceded by the header on a fresh file. The row
// is flushed, and synced when enabled, before Append returns.
func (l *Log) Append(v diagnosis.Verdict) error {
	row, err := encodeRow(v)
	if err != nil {
		return fmt.Errorf("%w: encode row: %v", ErrIO, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("%w: log is closed", ErrIO)
	}

	if l.headerOwed {
		if err := l.csv.Write(Columns); err != nil {
			return fmt.Errorf("%w: write header: %v", ErrIO, err)
		}
	}
	if err := l.csv.Write(row); err != nil {
		return fmt.Errorf("%w: write row: %v", ErrIO, err)
	}
	l.csv.Flush()
	if err := l.csv.Error(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrIO, err)
	}
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrIO, err)
	}
	if l.fsync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", ErrIO, err)
		}
	}

	l.headerOwed = false
	l.rowsWritten++
	return nil
}

// Rows returns the number of rows appended through this handle.
func (l *Log) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rowsWritten
}

// Close flushes and closes the file. Subsequent appends fail with ErrIO.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	flushErr := l.buf.Flush()
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}

// ReadAll reads every verdict stored at path.
func ReadAll(path string) ([]diagnosis.Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Columns)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []diagnosis.Verdict{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrIO, err)
	}
	if !slices.Equal(header, Columns) {
		return nil, fmt.Errorf("%w: unexpected header %v", ErrIO, header)
	}

	out := []diagnosis.Verdict{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read row %d: %v", ErrIO, len(out)+1, err)
		}
		v, err := decodeRow(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrIO, len(out)+1, err)
		}
		out = append(out, v)
	}
}

func formatDecay(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

func encodeRow(v diagnosis.Verdict) ([]string, error) {
	ttf, err := json.Marshal(v.TimeBeforeFailure)
	if err != nil {
		return nil, err
	}
	warnings, err := json.Marshal(nonNil(v.Warnings))
	if err != nil {
		return nil, err
	}
	suggestions, err := json.Marshal(nonNil(v.Suggestions))
	if err != nil {
		return nil, err
	}
	return []string{
		formatDecay(v.PredictedCompressorDecay),
		formatDecay(v.PredictedTurbineDecay),
		string(ttf),
		v.CompressorFault,
		v.TurbineFault,
		string(warnings),
		string(suggestions),
	}, nil
}

func decodeRow(row []string) (diagnosis.Verdict, error) {
	var v diagnosis.Verdict
	var err error

	if v.PredictedCompressorDecay, err = strconv.ParseFloat(row[0], 64); err != nil {
		return v, fmt.Errorf("Predicted_Compressor_Decay: %w", err)
	}
	if v.PredictedTurbineDecay, err = strconv.ParseFloat(row[1], 64); err != nil {
		return v, fmt.Errorf("Predicted_Turbine_Decay: %w", err)
	}
	if err := json.Unmarshal([]byte(row[2]), &v.TimeBeforeFailure); err != nil {
		return v, fmt.Errorf("Time_Before_Failure: %w", err)
	}
	v.CompressorFault = row[3]
	v.TurbineFault = row[4]
	if err := json.Unmarshal([]byte(row[5]), &v.Warnings); err != nil {
		return v, fmt.Errorf("Warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(row[6]), &v.Suggestions); err != nil {
		return v, fmt.Errorf("Suggestions: %w", err)
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

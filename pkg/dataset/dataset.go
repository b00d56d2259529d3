// Package dataset loads the static training table the decay regressors are fitted
// on at startup.
//
// The file has no header. Each line carries the 16 sensor columns in
// telemetry.FeatureNames order followed by the compressor and turbine decay
// labels. Columns may be separated by whitespace or commas.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// ErrInvalid marks a dataset that cannot be used for training.
var ErrInvalid = errors.New("invalid dataset")

// LabelColumns names the two decay targets that follow the sensor columns.
var LabelColumns = []string{"gt_c_decay", "gt_t_decay"}

// Dataset is the training table. It is read once and never mutated.
type Dataset struct {
	Columns         []string
	Features        [][]float64
	CompressorDecay []float64
	TurbineDecay    []float64
}

// Len returns the number of training rows.
func (d *Dataset) Len() int {
	return len(d.Features)
}

// Load reads a training file from disk.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open training data: %w", err)
	}
	defer f.Close()

	ds, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Parse reads a training table with 16 feature columns and 2 label columns.
// Decay labels must lie in [0,1].
func Parse(r io.Reader) (*Dataset, error) {
	want := len(telemetry.FeatureNames) + len(LabelColumns)

	rows, err := ReadRows(r, want)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalid)
	}

	nf := len(telemetry.FeatureNames)
	ds := &Dataset{
		Columns:         append([]string(nil), telemetry.FeatureNames...),
		Features:        make([][]float64, 0, len(rows)),
		CompressorDecay: make([]float64, 0, len(rows)),
		TurbineDecay:    make([]float64, 0, len(rows)),
	}

	for i, row := range rows {
		c, t := row[nf], row[nf+1]
		if c < 0 || c > 1 || t < 0 || t > 1 {
			return nil, fmt.Errorf("%w: row %d: decay labels must be in [0,1], got %v and %v", ErrInvalid, i+1, c, t)
		}
		ds.Features = append(ds.Features, row[:nf:nf])
		ds.CompressorDecay = append(ds.CompressorDecay, c)
		ds.TurbineDecay = append(ds.TurbineDecay, t)
	}

	return ds, nil
}

// ReadRows parses numeric rows. When width is positive every row must have
// exactly that many columns; otherwise all rows must match the first one.
// Blank lines and lines starting with '#' are skipped. NaN and infinite cells
// are rejected.
func ReadRows(r io.Reader, width int) ([][]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		rows   [][]float64
		lineNo int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
		if width <= 0 {
			width = len(fields)
		}
		if len(fields) != width {
			return nil, fmt.Errorf("%w: line %d: expected %d columns, got %d", ErrInvalid, lineNo, width, len(fields))
		}

		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %d: %v", ErrInvalid, lineNo, i+1, err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: line %d column %d: non-finite value %q", ErrInvalid, lineNo, i+1, field)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	return rows, nil
}

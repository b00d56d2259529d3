// Package scaler standardizes sensor vectors to the distribution the decay
// regressors were trained on.
package scaler

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrSchemaMismatch is returned when a vector's columns differ from the fitted ones.
var ErrSchemaMismatch = errors.New("schema mismatch")

// State holds fitted per-column mean and scale. It is immutable after Fit and
// safe for concurrent Transform calls.
type State struct {
	columns []string
	mean    []float64
	scale   []float64
}

// Fit computes the mean and population standard deviation of every column.
// Columns with zero variance get a scale of 1 so they are only centered.
func Fit(columns []string, rows [][]float64) (*State, error) {
	if len(columns) == 0 {
		return nil, errors.New("scaler: no columns")
	}
	if len(rows) == 0 {
		return nil, errors.New("scaler: no rows to fit")
	}

	n := len(columns)
	mean := make([]float64, n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("scaler: row %d has %d values, want %d", i, len(row), n)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	count := float64(len(rows))
	for j := range mean {
		mean[j] /= count
	}

	scale := make([]float64, n)
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / count)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	return &State{
		columns: slices.Clone(columns),
		mean:    mean,
		scale:   scale,
	}, nil
}

// Columns returns the fitted column order.
func (s *State) Columns() []string {
	return slices.Clone(s.columns)
}

// Mean returns the fitted means.
func (s *State) Mean() []float64 {
	return slices.Clone(s.mean)
}

// Scale returns the fitted scales.
func (s *State) Scale() []float64 {
	return slices.Clone(s.scale)
}

// Transform applies (x - mean) / scale to values laid out in columns order.
func (s *State) Transform(columns []string, values []float64) ([]float64, error) {
	if !slices.Equal(columns, s.columns) {
		return nil, fmt.Errorf("%w: got columns %v, fitted %v", ErrSchemaMismatch, columns, s.columns)
	}
	if len(values) != len(s.columns) {
		return nil, fmt.Errorf("%w: got %d values, fitted %d columns", ErrSchemaMismatch, len(values), len(s.columns))
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - s.mean[i]) / s.scale[i]
	}
	return out, nil
}

// TransformAll scales every row of a fitted-order matrix.
func (s *State) TransformAll(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled, err := s.Transform(s.columns, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

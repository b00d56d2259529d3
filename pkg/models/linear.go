package models

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Linear is a ridge regression fitted through the normal equations.
// The intercept is not penalised.
type Linear struct {
	lambda    float64
	weights   []float64
	intercept float64
	fitted    bool
}

// NewLinear creates an unfitted ridge regressor. lambda <= 0 uses 1e-3.
func NewLinear(lambda float64) *Linear {
	if lambda <= 0 {
		lambda = 1e-3
	}
	return &Linear{lambda: lambda}
}

// Name returns the model identifier.
func (m *Linear) Name() string {
	return "linear"
}

// Fit solves (XᵀX + λI)w = Xᵀy on centered data.
func (m *Linear) Fit(ctx context.Context, X [][]float64, y []float64) error {
	width, err := validateTrainingSet(X, y)
	if err != nil {
		return fmt.Errorf("linear: %w", err)
	}

	n := float64(len(X))
	xMean := make([]float64, width)
	yMean := 0.0
	for i, row := range X {
		for j, v := range row {
			xMean[j] += v
		}
		yMean += y[i]
	}
	for j := range xMean {
		xMean[j] /= n
	}
	yMean /= n

	// Augmented system [A | b] with A = XcᵀXc + λI, b = Xcᵀyc.
	a := make([][]float64, width)
	for j := range a {
		a[j] = make([]float64, width+1)
		a[j][j] = m.lambda
	}
	xc := make([]float64, width)
	for i, row := range X {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("linear: %w", err)
			}
		}
		for j, v := range row {
			xc[j] = v - xMean[j]
		}
		yc := y[i] - yMean
		for j := 0; j < width; j++ {
			for k := j; k < width; k++ {
				a[j][k] += xc[j] * xc[k]
			}
			a[j][width] += xc[j] * yc
		}
	}
	for j := 0; j < width; j++ {
		for k := 0; k < j; k++ {
			a[j][k] = a[k][j]
		}
	}

	w, err := solve(a)
	if err != nil {
		return fmt.Errorf("linear: %w", err)
	}

	intercept := yMean
	for j := range w {
		intercept -= w[j] * xMean[j]
	}

	m.weights = w
	m.intercept = intercept
	m.fitted = true
	return nil
}

// Predict returns w·x + b.
func (m *Linear) Predict(ctx context.Context, x []float64) (float64, error) {
	if !m.fitted {
		return 0, ErrNotFitted
	}
	if len(x) != len(m.weights) {
		return 0, fmt.Errorf("linear: got %d features, want %d", len(x), len(m.weights))
	}
	out := m.intercept
	for j, v := range x {
		out += m.weights[j] * v
	}
	return out, nil
}

// solve runs Gaussian elimination with partial pivoting on an augmented matrix.
func solve(a [][]float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("singular system")
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := col + 1; r < n; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c <= n; c++ {
				a[r][c] -= factor * a[col][c]
			}
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := a[r][n]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}

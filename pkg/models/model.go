// Package models provides the regressors that estimate compressor and turbine
// decay from a standardized sensor vector.
//
// Available regressors:
//   - RandomForest: bagged regression trees (default)
//   - Linear:       ridge regression, fast to fit
//   - BYOM:         delegates prediction to an external HTTP service
//
// Every regressor is fitted once at startup and treated as read-only afterwards,
// so Predict may be called from many connection goroutines at once.
package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFitted is returned by Predict before a successful Fit.
var ErrNotFitted = errors.New("model not fitted")

// Regressor maps a feature vector to a scalar estimate.
type Regressor interface {
	// Name returns the model identifier.
	Name() string

	// Fit trains the model on rows of X with targets y. It is called once,
	// before any Predict call.
	Fit(ctx context.Context, X [][]float64, y []float64) error

	// Predict returns the estimate for one feature vector. It must not mutate
	// model state.
	Predict(ctx context.Context, x []float64) (float64, error)
}

// validateTrainingSet checks the shape shared by every Fit implementation and
// returns the feature width.
func validateTrainingSet(X [][]float64, y []float64) (int, error) {
	if len(X) == 0 {
		return 0, errors.New("training set is empty")
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("training set has %d rows but %d targets", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return 0, errors.New("training rows have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return 0, fmt.Errorf("training row %d has %d features, want %d", i, len(row), width)
		}
	}
	return width, nil
}

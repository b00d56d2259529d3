package models

import (
	"context"
	"fmt"

	"github.com/HatiCode/turbowatch/pkg/dataset"
	"github.com/HatiCode/turbowatch/pkg/scaler"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// Decay is a pair of decay estimates for one record.
type Decay struct {
	Compressor float64
	Turbine    float64
}

// DecayPredictor bundles the fitted scaler with one regressor per decay target.
// All three are immutable once NewDecayPredictor returns.
type DecayPredictor struct {
	scaler     *scaler.State
	compressor Regressor
	turbine    Regressor
}

// NewDecayPredictor fits the scaler on ds and trains the two regressors on the
// scaled features. newModel is called once per target and must return a fresh,
// unfitted regressor. Any failure here is a startup failure.
func NewDecayPredictor(ctx context.Context, ds *dataset.Dataset, newModel func(target string) Regressor) (*DecayPredictor, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("decay predictor: empty training set")
	}

	state, err := scaler.Fit(ds.Columns, ds.Features)
	if err != nil {
		return nil, fmt.Errorf("decay predictor: fit scaler: %w", err)
	}

	scaled, err := state.TransformAll(ds.Features)
	if err != nil {
		return nil, fmt.Errorf("decay predictor: scale features: %w", err)
	}

	compressor := newModel("compressor")
	if err := compressor.Fit(ctx, scaled, ds.CompressorDecay); err != nil {
		return nil, fmt.Errorf("decay predictor: fit compressor model: %w", err)
	}

	turbine := newModel("turbine")
	if err := turbine.Fit(ctx, scaled, ds.TurbineDecay); err != nil {
		return nil, fmt.Errorf("decay predictor: fit turbine model: %w", err)
	}

	return &DecayPredictor{
		scaler:     state,
		compressor: compressor,
		turbine:    turbine,
	}, nil
}

// Name returns the regressor family in use.
func (p *DecayPredictor) Name() string {
	return p.compressor.Name()
}

// Scaler exposes the fitted scaler state.
func (p *DecayPredictor) Scaler() *scaler.State {
	return p.scaler
}

// Predict scales the record and runs both regressors. Errors from the scaler
// wrap scaler.ErrSchemaMismatch.
func (p *DecayPredictor) Predict(ctx context.Context, r telemetry.Record) (Decay, error) {
	x, err := p.scaler.Transform(r.Columns(), r.Vector())
	if err != nil {
		return Decay{}, err
	}

	c, err := p.compressor.Predict(ctx, x)
	if err != nil {
		return Decay{}, fmt.Errorf("predict compressor decay: %w", err)
	}

	t, err := p.turbine.Predict(ctx, x)
	if err != nil {
		return Decay{}, fmt.Errorf("predict turbine decay: %w", err)
	}

	return Decay{Compressor: c, Turbine: t}, nil
}

// Package main implements the diagnosis pipeline orchestration.
//
// This file contains the Diagnoser type which runs one telemetry record through
// the pipeline:
//
//	predict → evaluate → assemble → record (history + audit)
//
// The pure stages run without locks so connections proceed in parallel. The
// record stage is serialized: the history window and the audit log see
// verdicts in the same order, and a message's effects are never half applied.
//
// Each stage is instrumented with Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/HatiCode/turbowatch/cmd/diagnoser/metrics"
	"github.com/HatiCode/turbowatch/pkg/audit"
	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/history"
	"github.com/HatiCode/turbowatch/pkg/models"
	"github.com/HatiCode/turbowatch/pkg/rules"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// errNonFiniteDecay rejects predictions that cannot be serialized to clients
// or to history.
var errNonFiniteDecay = errors.New("non-finite decay prediction")

// Predictor produces decay estimates for a record.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, r telemetry.Record) (models.Decay, error)
}

// Diagnoser orchestrates diagnosis of incoming telemetry. It implements
// stream.Processor.
type Diagnoser struct {
	predictor   Predictor
	engine      *rules.Engine
	attribution diagnosis.Attribution
	history     history.Store
	audit       *audit.Log
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu sync.Mutex
}

// New creates a new Diagnoser. auditLog and m may be nil.
func New(
	predictor Predictor,
	engine *rules.Engine,
	attribution diagnosis.Attribution,
	store history.Store,
	auditLog *audit.Log,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Diagnoser {
	if logger == nil {
		logger = slog.Default()
	}

	return &Diagnoser{
		predictor:   predictor,
		engine:      engine,
		attribution: attribution,
		history:     store,
		audit:       auditLog,
		logger:      logger,
		metrics:     m,
	}
}

// Diagnose runs one record through the pipeline and returns its verdict.
// History and audit failures are logged and counted but do not fail the
// verdict.
func (d *Diagnoser) Diagnose(ctx context.Context, r telemetry.Record) (diagnosis.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return diagnosis.Verdict{}, err
	}
	start := time.Now()

	decay, predictDuration, err := d.predict(ctx, r)
	if err != nil {
		return diagnosis.Verdict{}, fmt.Errorf("predict: %w", err)
	}
	if !finite(decay.Compressor) || !finite(decay.Turbine) {
		if d.metrics != nil {
			d.metrics.RecordError("predict", "non_finite")
		}
		return diagnosis.Verdict{}, fmt.Errorf("predict: %w: compressor=%v turbine=%v", errNonFiniteDecay, decay.Compressor, decay.Turbine)
	}

	violations, evaluateDuration := d.evaluate(r)

	verdict := diagnosis.Assemble(decay.Compressor, decay.Turbine, violations, d.attribution)

	d.record(ctx, r, verdict)

	totalDuration := time.Since(start)
	if d.metrics != nil {
		d.metrics.SetPredictedDecay(decay.Compressor, decay.Turbine)
		for _, v := range violations {
			d.metrics.RecordViolation(v.Sensor)
		}
		d.metrics.RecordDiagnose(totalDuration.Seconds())
	}

	d.logger.Debug("diagnosis complete",
		"compressor_decay", decay.Compressor,
		"turbine_decay", decay.Turbine,
		"violations", len(violations),
		"compressor_fault", verdict.CompressorFault,
		"turbine_fault", verdict.TurbineFault,
		"predict_ms", predictDuration.Milliseconds(),
		"evaluate_ms", evaluateDuration.Milliseconds(),
		"total_ms", totalDuration.Milliseconds(),
	)

	return verdict, nil
}

// History returns the rolling window, oldest first.
func (d *Diagnoser) History(ctx context.Context) ([]history.Entry, error) {
	entries, err := d.history.Snapshot(ctx)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordError("history", "snapshot_failed")
		}
		return nil, fmt.Errorf("history snapshot: %w", err)
	}
	return entries, nil
}

// predict scales the record and runs both decay models.
func (d *Diagnoser) predict(ctx context.Context, r telemetry.Record) (models.Decay, time.Duration, error) {
	start := time.Now()

	decay, err := d.predictor.Predict(ctx, r)
	if err != nil {
		return models.Decay{}, 0, err
	}

	duration := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordPredict(duration.Seconds())
	}

	return decay, duration, nil
}

// evaluate runs the threshold rules.
func (d *Diagnoser) evaluate(r telemetry.Record) ([]rules.Violation, time.Duration) {
	start := time.Now()

	violations := d.engine.Evaluate(r)

	duration := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordEvaluate(duration.Seconds())
	}

	return violations, duration
}

// record pushes the verdict to history and appends it to the audit log under
// one lock.
func (d *Diagnoser) record(ctx context.Context, r telemetry.Record, v diagnosis.Verdict) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.history.Push(ctx, history.NewEntry(r, v)); err != nil {
		d.logger.Error("failed to push history entry", "error", err)
		if d.metrics != nil {
			d.metrics.RecordError("history", "push_failed")
		}
	}

	if d.audit != nil {
		if err := d.audit.Append(v); err != nil {
			d.logger.Error("failed to append audit row", "path", d.audit.Path(), "error", err)
			if d.metrics != nil {
				d.metrics.RecordError("audit", "io")
			}
		}
	}

	if d.metrics != nil {
		if n, err := d.history.Len(ctx); err == nil {
			d.metrics.SetHistoryEntries(n)
		}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

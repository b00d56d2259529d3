// Package diagnosis turns decay predictions and rule violations into the
// verdict returned to clients.
package diagnosis

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/HatiCode/turbowatch/pkg/rules"
)

const (
	// FaultDetected marks a subsystem with at least one attributed violation.
	FaultDetected = "⚠️ Fault Detected"
	// NoFault marks a subsystem with no attributed violation.
	NoFault = "No Fault"
)

// Attribution decides which fault flag a violation raises.
type Attribution string

const (
	// Shared raises the compressor flag for every violation and never raises
	// the turbine flag.
	Shared Attribution = "shared"
	// PerSubsystem raises the flag of the subsystem the violated rule belongs to.
	PerSubsystem Attribution = "subsystem"
)

// ParseAttribution validates an attribution mode name.
func ParseAttribution(s string) (Attribution, error) {
	switch Attribution(s) {
	case Shared, PerSubsystem:
		return Attribution(s), nil
	default:
		return "", fmt.Errorf("unknown attribution %q (must be shared or subsystem)", s)
	}
}

// TimeBeforeFailure holds the rendered remaining-life estimates.
type TimeBeforeFailure struct {
	Compressor string `json:"Compressor"`
	Turbine    string `json:"Turbine"`
}

// Verdict is the per-message diagnosis.
type Verdict struct {
	PredictedCompressorDecay float64           `json:"Predicted_Compressor_Decay"`
	PredictedTurbineDecay    float64           `json:"Predicted_Turbine_Decay"`
	TimeBeforeFailure        TimeBeforeFailure `json:"Time_Before_Failure"`
	CompressorFault          string            `json:"Compressor_Fault_Detected"`
	TurbineFault             string            `json:"Turbine_Fault"`
	Warnings                 []string          `json:"Warnings"`
	Suggestions              []string          `json:"Suggestions"`
}

// Faulted reports whether either subsystem flag is raised.
func (v Verdict) Faulted() bool {
	return v.CompressorFault == FaultDetected || v.TurbineFault == FaultDetected
}

// RemainingMinutes converts a decay coefficient into whole minutes of remaining
// life: hours = (1 - decay) * 100, truncated after conversion to minutes.
// Decay is clamped to [0, 1] first, so the result lies in [0, 6000].
func RemainingMinutes(decay float64) int {
	if math.IsNaN(decay) {
		return 0
	}
	d := math.Min(1, math.Max(0, decay))
	hours := math.Max(0, (1-d)*100)
	return int(hours * 60)
}

// FormatRemaining renders a decay coefficient as "<n> minutes".
func FormatRemaining(decay float64) string {
	return fmt.Sprintf("%d minutes", RemainingMinutes(decay))
}

// Assemble builds the verdict. Warnings and suggestions follow violation order
// and are never nil.
func Assemble(compressorDecay, turbineDecay float64, violations []rules.Violation, mode Attribution) Verdict {
	v := Verdict{
		PredictedCompressorDecay: compressorDecay,
		PredictedTurbineDecay:    turbineDecay,
		TimeBeforeFailure: TimeBeforeFailure{
			Compressor: FormatRemaining(compressorDecay),
			Turbine:    FormatRemaining(turbineDecay),
		},
		CompressorFault: NoFault,
		TurbineFault:    NoFault,
		Warnings:        make([]string, 0, len(violations)),
		Suggestions:     make([]string, 0, len(violations)),
	}

	for _, viol := range violations {
		v.Warnings = append(v.Warnings, Warning(viol))
		v.Suggestions = append(v.Suggestions, Suggestion(viol))

		if mode == PerSubsystem && viol.Subsystem == rules.Turbine {
			v.TurbineFault = FaultDetected
		} else {
			v.CompressorFault = FaultDetected
		}
	}

	return v
}

// Warning renders "⚠️ <sensor>: <value> (Threshold: <bounds>)".
func Warning(v rules.Violation) string {
	return fmt.Sprintf("⚠️ %s: %s (Threshold: %s)", v.Sensor, formatReading(v.Value), v.Bounds)
}

// formatReading renders a sensor reading with at least one decimal place, so
// 250 prints as "250.0" and 700.5 as "700.5".
func formatReading(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Suggestion renders "Adjust <sensor> within <bounds>.".
func Suggestion(v rules.Violation) string {
	return fmt.Sprintf("Adjust %s within %s.", v.Sensor, v.Bounds)
}

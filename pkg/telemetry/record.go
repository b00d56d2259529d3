// Package telemetry defines the sensor record streamed from the propulsion plant
// and the decoding rules for inbound messages.
//
// A Record always carries the 16 plant sensors in a fixed order. That order is
// the feature order the scaler and regressors are fitted with, so Vector() is the
// only way values should be laid out for inference.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrDecode is returned when an inbound message is not a JSON object.
	ErrDecode = errors.New("decode error")

	// ErrSchemaMismatch is returned when a message is an object but its field set
	// differs from the 16 sensor fields.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// FeatureNames lists the sensor fields in training order.
var FeatureNames = []string{
	"lever_position",
	"ship_speed",
	"gt_shaft",
	"gt_rate",
	"gg_rate",
	"sp_torque",
	"pp_torque",
	"hpt_temp",
	"gt_c_i_temp",
	"gt_c_o_temp",
	"hpt_pressure",
	"gt_c_i_pressure",
	"gt_c_o_pressure",
	"gt_exhaust_pressure",
	"turbine_inj_control",
	"fuel_flow",
}

// Record is one telemetry reading. It is never mutated after decoding.
type Record struct {
	LeverPosition        float64 `json:"lever_position"`
	ShipSpeed            float64 `json:"ship_speed"`
	GTShaft              float64 `json:"gt_shaft"`
	GTRate               float64 `json:"gt_rate"`
	GGRate               float64 `json:"gg_rate"`
	SPTorque             float64 `json:"sp_torque"`
	PPTorque             float64 `json:"pp_torque"`
	HPTTemp              float64 `json:"hpt_temp"`
	GTCompInletTemp      float64 `json:"gt_c_i_temp"`
	GTCompOutletTemp     float64 `json:"gt_c_o_temp"`
	HPTPressure          float64 `json:"hpt_pressure"`
	GTCompInletPressure  float64 `json:"gt_c_i_pressure"`
	GTCompOutletPressure float64 `json:"gt_c_o_pressure"`
	GTExhaustPressure    float64 `json:"gt_exhaust_pressure"`
	TurbineInjControl    float64 `json:"turbine_inj_control"`
	FuelFlow             float64 `json:"fuel_flow"`
}

// field maps a sensor name to its storage. Returns nil for unknown names.
func (r *Record) field(name string) *float64 {
	switch name {
	case "lever_position":
		return &r.LeverPosition
	case "ship_speed":
		return &r.ShipSpeed
	case "gt_shaft":
		return &r.GTShaft
	case "gt_rate":
		return &r.GTRate
	case "gg_rate":
		return &r.GGRate
	case "sp_torque":
		return &r.SPTorque
	case "pp_torque":
		return &r.PPTorque
	case "hpt_temp":
		return &r.HPTTemp
	case "gt_c_i_temp":
		return &r.GTCompInletTemp
	case "gt_c_o_temp":
		return &r.GTCompOutletTemp
	case "hpt_pressure":
		return &r.HPTPressure
	case "gt_c_i_pressure":
		return &r.GTCompInletPressure
	case "gt_c_o_pressure":
		return &r.GTCompOutletPressure
	case "gt_exhaust_pressure":
		return &r.GTExhaustPressure
	case "turbine_inj_control":
		return &r.TurbineInjControl
	case "fuel_flow":
		return &r.FuelFlow
	}
	return nil
}

// Value returns the reading for a sensor name. ok is false when the record has
// no such sensor.
func (r Record) Value(name string) (v float64, ok bool) {
	p := r.field(name)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Columns returns the feature order Vector() follows.
func (r Record) Columns() []string {
	return FeatureNames
}

// Vector returns the readings in FeatureNames order.
func (r Record) Vector() []float64 {
	out := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		out[i] = *r.field(name)
	}
	return out
}

// FromVector builds a Record from values laid out in FeatureNames order.
func FromVector(values []float64) (Record, error) {
	if len(values) != len(FeatureNames) {
		return Record{}, fmt.Errorf("%w: expected %d values, got %d", ErrSchemaMismatch, len(FeatureNames), len(values))
	}
	var r Record
	for i, name := range FeatureNames {
		*r.field(name) = values[i]
	}
	return r, nil
}

// Decode parses an inbound JSON message into a Record.
//
// The payload must be an object holding exactly the 16 sensor fields, each a
// JSON number that fits a float64. A payload that is not a JSON object yields
// ErrDecode; an object with missing, unknown, non-numeric or out-of-range fields
// yields ErrSchemaMismatch.
func Decode(payload []byte) (Record, error) {
	if !gjson.ValidBytes(payload) {
		return Record{}, fmt.Errorf("%w: payload is not valid JSON", ErrDecode)
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return Record{}, fmt.Errorf("%w: payload is not a JSON object", ErrDecode)
	}

	var (
		r       Record
		seen    = make(map[string]bool, len(FeatureNames))
		unknown   []string
		badType   []string
		nonFinite []string
	)
	doc.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		p := r.field(name)
		if p == nil {
			unknown = append(unknown, name)
			return true
		}
		if value.Type != gjson.Number {
			badType = append(badType, name)
			return true
		}
		v := value.Float()
		if math.IsInf(v, 0) || math.IsNaN(v) {
			nonFinite = append(nonFinite, name)
			return true
		}
		*p = v
		seen[name] = true
		return true
	})

	if len(unknown) > 0 {
		return Record{}, fmt.Errorf("%w: unknown fields %s", ErrSchemaMismatch, strings.Join(unknown, ", "))
	}
	if len(badType) > 0 {
		return Record{}, fmt.Errorf("%w: non-numeric fields %s", ErrSchemaMismatch, strings.Join(badType, ", "))
	}
	if len(nonFinite) > 0 {
		return Record{}, fmt.Errorf("%w: non-finite fields %s", ErrSchemaMismatch, strings.Join(nonFinite, ", "))
	}

	var missing []string
	for _, name := range FeatureNames {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("%w: missing fields %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}

	return r, nil
}

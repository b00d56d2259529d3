// Package rules evaluates raw telemetry against the plant's static safety
// envelope.
//
// The rule table is data: each Rule names a sensor, an optional lower and upper
// bound, and the subsystem a violation is attributed to. Rules are evaluated in
// table order and that order is preserved in the resulting violations, because
// warnings are shown to operators in the same order.
package rules

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// Subsystem identifies which plant component a rule protects.
type Subsystem string

const (
	Compressor Subsystem = "compressor"
	Turbine    Subsystem = "turbine"
)

// Rule is one admissible range. A nil bound is unbounded on that side.
type Rule struct {
	Sensor    string    `yaml:"sensor" json:"sensor"`
	Min       *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Subsystem Subsystem `yaml:"subsystem" json:"subsystem"`
}

// Violates reports whether v falls outside the rule's range.
func (r Rule) Violates(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return true
	}
	if r.Max != nil && v > *r.Max {
		return true
	}
	return false
}

// Bounds renders the configured bounds, lower first, e.g. "280, 400" or "590".
func (r Rule) Bounds() string {
	var parts []string
	if r.Min != nil {
		parts = append(parts, formatBound(*r.Min))
	}
	if r.Max != nil {
		parts = append(parts, formatBound(*r.Max))
	}
	return strings.Join(parts, ", ")
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Violation is a rule that fired for a record.
type Violation struct {
	Sensor    string
	Value     float64
	Bounds    string
	Subsystem Subsystem
}

// Engine evaluates a fixed rule table. It is immutable and safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine validates rules and returns an engine that evaluates them in order.
func NewEngine(rules []Rule) (*Engine, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}
	return &Engine{rules: append([]Rule(nil), rules...)}, nil
}

// Rules returns a copy of the table in evaluation order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate returns the violations for r in table order. Rules whose sensor is
// not part of the record are skipped.
func (e *Engine) Evaluate(r telemetry.Record) []Violation {
	var out []Violation
	for _, rule := range e.rules {
		v, ok := r.Value(rule.Sensor)
		if !ok {
			continue
		}
		if rule.Violates(v) {
			out = append(out, Violation{
				Sensor:    rule.Sensor,
				Value:     v,
				Bounds:    rule.Bounds(),
				Subsystem: rule.Subsystem,
			})
		}
	}
	return out
}

func bound(v float64) *float64 { return &v }

// DefaultRules is the operating envelope of the propulsion plant.
// gt_shaft_torque is not a telemetry field and never fires against a Record.
func DefaultRules() []Rule {
	return []Rule{
		{Sensor: "gt_c_i_temp", Min: bound(280), Max: bound(400), Subsystem: Compressor},
		{Sensor: "gt_c_o_temp", Max: bound(590), Subsystem: Compressor},
		{Sensor: "gt_c_i_pressure", Min: bound(0.90), Subsystem: Compressor},
		{Sensor: "gt_c_o_pressure", Min: bound(5.00), Subsystem: Compressor},
		{Sensor: "fuel_flow", Min: bound(0.06), Max: bound(1.5), Subsystem: Turbine},
		{Sensor: "turbine_inj_control", Min: bound(4), Max: bound(7.5), Subsystem: Turbine},
		{Sensor: "hpt_temp", Max: bound(650), Subsystem: Turbine},
		{Sensor: "gt_shaft_torque", Min: bound(280), Max: bound(300), Subsystem: Turbine},
		{Sensor: "gg_rate", Min: bound(5000), Max: bound(7200), Subsystem: Turbine},
	}
}

// Validate checks that every rule names a sensor, has at least one bound,
// has min <= max and a known subsystem.
func Validate(rules []Rule) error {
	if len(rules) == 0 {
		return errors.New("rules: table is empty")
	}
	for i, r := range rules {
		if r.Sensor == "" {
			return fmt.Errorf("rules[%d]: sensor cannot be empty", i)
		}
		if r.Min == nil && r.Max == nil {
			return fmt.Errorf("rules[%d] %q: at least one of min or max is required", i, r.Sensor)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("rules[%d] %q: min (%v) > max (%v)", i, r.Sensor, *r.Min, *r.Max)
		}
		switch r.Subsystem {
		case Compressor, Turbine:
		default:
			return fmt.Errorf("rules[%d] %q: unknown subsystem %q (must be compressor or turbine)", i, r.Sensor, r.Subsystem)
		}
	}
	return nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads a YAML rule table:
//
//	rules:
//	  - sensor: gt_c_i_temp
//	    min: 280
//	    max: 400
//	    subsystem: compressor
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML rule table.
func Parse(raw []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := Validate(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

package rules

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

func nominal() telemetry.Record {
	return telemetry.Record{
		LeverPosition:        1.138,
		ShipSpeed:            3,
		GTShaft:              289.964,
		GTRate:               1349.489,
		GGRate:               6677.38,
		SPTorque:             7.584,
		PPTorque:             7.584,
		HPTTemp:              464.006,
		GTCompInletTemp:      288,
		GTCompOutletTemp:     550.563,
		HPTPressure:          1.096,
		GTCompInletPressure:  0.998,
		GTCompOutletPressure: 5.947,
		GTExhaustPressure:    1.019,
		TurbineInjControl:    7.137,
		FuelFlow:             0.082,
	}
}

func TestRule_Bounds(t *testing.T) {
	tests := []struct {
		rule Rule
		want string
	}{
		{rule: Rule{Min: bound(280), Max: bound(400)}, want: "280, 400"},
		{rule: Rule{Max: bound(590)}, want: "590"},
		{rule: Rule{Min: bound(0.90)}, want: "0.9"},
		{rule: Rule{Min: bound(0.06), Max: bound(1.5)}, want: "0.06, 1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.rule.Bounds(); got != tt.want {
				t.Errorf("Bounds() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_Evaluate(t *testing.T) {
	engine, err := NewEngine(DefaultRules())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(r *telemetry.Record)
		sensors []string
	}{
		{
			name:    "all sensors in range",
			mutate:  func(r *telemetry.Record) {},
			sensors: nil,
		},
		{
			name:    "compressor inlet too cold",
			mutate:  func(r *telemetry.Record) { r.GTCompInletTemp = 250 },
			sensors: []string{"gt_c_i_temp"},
		},
		{
			name:    "upper bound only",
			mutate:  func(r *telemetry.Record) { r.GTCompOutletTemp = 600 },
			sensors: []string{"gt_c_o_temp"},
		},
		{
			name:    "boundary values do not fire",
			mutate:  func(r *telemetry.Record) { r.GTCompInletTemp = 280; r.HPTTemp = 650; r.GGRate = 7200 },
			sensors: nil,
		},
		{
			name: "multiple violations keep table order",
			mutate: func(r *telemetry.Record) {
				r.GGRate = 9000
				r.FuelFlow = 2
				r.GTCompInletTemp = 410
			},
			sensors: []string{"gt_c_i_temp", "fuel_flow", "gg_rate"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := nominal()
			tt.mutate(&r)

			got := engine.Evaluate(r)
			var sensors []string
			for _, v := range got {
				sensors = append(sensors, v.Sensor)
			}
			if !reflect.DeepEqual(sensors, tt.sensors) {
				t.Errorf("Evaluate() sensors = %v, want %v", sensors, tt.sensors)
			}

			again := engine.Evaluate(r)
			if !reflect.DeepEqual(got, again) {
				t.Errorf("Evaluate() not deterministic: %v then %v", got, again)
			}
		})
	}
}

func TestEngine_EvaluateViolationFields(t *testing.T) {
	engine, _ := NewEngine(DefaultRules())
	r := nominal()
	r.GTCompInletTemp = 250

	got := engine.Evaluate(r)
	want := []Violation{{Sensor: "gt_c_i_temp", Value: 250, Bounds: "280, 400", Subsystem: Compressor}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Evaluate() = %+v, want %+v", got, want)
	}
}

func TestEngine_SkipsUnknownSensor(t *testing.T) {
	engine, err := NewEngine([]Rule{
		{Sensor: "gt_shaft_torque", Min: bound(280), Max: bound(300), Subsystem: Turbine},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if got := engine.Evaluate(nominal()); len(got) != 0 {
		t.Errorf("Evaluate() = %v, want no violations", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		wantErr bool
	}{
		{name: "defaults", rules: DefaultRules()},
		{name: "empty table", rules: nil, wantErr: true},
		{name: "empty sensor", rules: []Rule{{Max: bound(1), Subsystem: Turbine}}, wantErr: true},
		{name: "no bounds", rules: []Rule{{Sensor: "x", Subsystem: Turbine}}, wantErr: true},
		{name: "inverted", rules: []Rule{{Sensor: "x", Min: bound(2), Max: bound(1), Subsystem: Turbine}}, wantErr: true},
		{name: "bad subsystem", rules: []Rule{{Sensor: "x", Max: bound(1), Subsystem: "hull"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	content := `rules:
  - sensor: hpt_temp
    max: 640
    subsystem: turbine
  - sensor: gt_c_i_temp
    min: 275
    max: 405
    subsystem: compressor
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rules, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}
	if rules[0].Sensor != "hpt_temp" || rules[0].Min != nil || *rules[0].Max != 640 {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].Bounds() != "275, 405" || rules[1].Subsystem != Compressor {
		t.Errorf("rules[1] = %+v", rules[1])
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) should fail")
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("rules: [")); err == nil {
		t.Error("Parse(malformed) should fail")
	}
	if _, err := Parse([]byte("rules:\n  - sensor: x\n    subsystem: turbine\n")); err == nil {
		t.Error("Parse(no bounds) should fail")
	}
}

func TestLoadFile_Example(t *testing.T) {
	rules, err := LoadFile(filepath.Join("..", "..", "examples", "rules.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	want := make(map[string]string)
	for _, r := range DefaultRules() {
		want[r.Sensor] = r.Bounds()
	}
	for _, r := range rules {
		if b, ok := want[r.Sensor]; !ok || b != r.Bounds() {
			t.Errorf("example rule %s = %q, built-in = %q", r.Sensor, r.Bounds(), b)
		}
	}
}

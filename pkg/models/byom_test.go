package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBYOMModel_Name(t *testing.T) {
	model := NewBYOMModel("http://localhost:8082/predict", "compressor")
	if model.Name() != "byom" {
		t.Errorf("expected name 'byom', got %q", model.Name())
	}
}

func TestBYOMModel_Fit(t *testing.T) {
	model := NewBYOMModel("http://localhost:8082/predict", "compressor")
	if err := model.Fit(context.Background(), [][]float64{{1}}, []float64{0.9}); err != nil {
		t.Errorf("Fit should be no-op and return nil, got error: %v", err)
	}
}

func TestBYOMModel_Predict_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		var req byomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Target != "turbine" {
			t.Errorf("expected target turbine, got %q", req.Target)
		}
		if len(req.Features) != 3 {
			t.Errorf("expected 3 features, got %d", len(req.Features))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": 0.973}`))
	}))
	defer server.Close()

	model := NewBYOMModel(server.URL, "turbine")
	got, err := model.Predict(context.Background(), []float64{0.1, -0.2, 1.5})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if got != 0.973 {
		t.Errorf("Predict() = %v, want 0.973", got)
	}
}

func TestBYOMModel_Predict_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		feature []float64
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom", feature: []float64{1}},
		{name: "missing value", status: http.StatusOK, body: `{}`, feature: []float64{1}},
		{name: "invalid json", status: http.StatusOK, body: `{`, feature: []float64{1}},
		{name: "empty features", status: http.StatusOK, body: `{"value":1}`, feature: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			model := NewBYOMModel(server.URL, "compressor")
			if _, err := model.Predict(context.Background(), tt.feature); err == nil {
				t.Error("Predict() should fail")
			}
		})
	}
}

func TestBYOMModel_Predict_Unreachable(t *testing.T) {
	model := NewBYOMModel("http://127.0.0.1:1/predict", "compressor")
	if _, err := model.Predict(context.Background(), []float64{1}); err == nil {
		t.Error("Predict() against closed port should fail")
	}
}

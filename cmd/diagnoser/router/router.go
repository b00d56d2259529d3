// Package router configures the diagnoser's HTTP routes.
//
// Routes configured:
//   - /ws and / - websocket diagnosis stream (plain HTTP on / returns 404)
//   - GET /history - rolling history snapshot, same payload as the GET_HISTORY sentinel
//   - GET /rules - active threshold rule table
//   - GET /healthz - 200 once the decay models are trained
//   - GET /metrics - Prometheus metrics endpoint
package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/turbowatch/pkg/history"
	"github.com/HatiCode/turbowatch/pkg/httpx"
	"github.com/HatiCode/turbowatch/pkg/rules"
)

// HistorySource returns the current history snapshot.
type HistorySource interface {
	History(ctx context.Context) ([]history.Entry, error)
}

// Deps are the handlers and state the routes serve.
type Deps struct {
	Stream  http.Handler
	History HistorySource
	Rules   []rules.Rule
	Ready   func() error
	Metrics http.Handler
	Logger  *slog.Logger
}

// SetupRoutes configures HTTP endpoints for the diagnoser.
func SetupRoutes(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := d.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	ready := d.Ready
	if ready == nil {
		ready = func() error { return nil }
	}

	mux := http.NewServeMux()

	mux.Handle("/ws", d.Stream)
	mux.Handle("/", rootHandler(d.Stream))
	mux.HandleFunc("GET /history", handleHistory(d.History, logger))
	mux.HandleFunc("GET /rules", handleRules(d.Rules, logger))
	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(ready))
	mux.Handle("GET /metrics", metricsHandler)

	return httpx.RecoveryMiddleware(logger)(httpx.LoggingMiddleware(logger)(mux))
}

func rootHandler(stream http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
			stream.ServeHTTP(w, r)
			return
		}
		httpx.WriteErrorMessage(w, http.StatusNotFound, "not found")
	}
}

func handleHistory(src HistorySource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		entries, err := src.History(ctx)
		if err != nil {
			logger.Error("failed to read history", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}

		if err := httpx.WriteJSON(w, http.StatusOK, entries); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func handleRules(table []rules.Rule, logger *slog.Logger) http.HandlerFunc {
	type ruleView struct {
		rules.Rule
		Bounds string `json:"bounds"`
	}
	views := make([]ruleView, 0, len(table))
	for _, r := range table {
		views = append(views, ruleView{Rule: r, Bounds: r.Bounds()})
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if err := httpx.WriteJSON(w, http.StatusOK, views); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// Package main implements the replay loop.
//
// This file contains the Replayer type which streams recorded telemetry rows
// to a diagnoser over one websocket connection:
//
//	dial → (send row → await verdict → wait interval)* → [GET_HISTORY] → close
//
// Each reply is classified the way the operator dashboard shows it: Abnormal
// when the verdict carries warnings or suggestions, Normal otherwise.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/history"
	"github.com/HatiCode/turbowatch/pkg/stream"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// Status is the dashboard classification of a reply.
type Status string

const (
	Normal   Status = "Normal"
	Abnormal Status = "Abnormal"
	Rejected Status = "Rejected"
)

// Classify reports the dashboard status of a verdict.
func Classify(v diagnosis.Verdict) Status {
	if len(v.Warnings) > 0 || len(v.Suggestions) > 0 {
		return Abnormal
	}
	return Normal
}

// Summary counts replies by status.
type Summary struct {
	Sent     int
	Normal   int
	Abnormal int
	Rejected int
	History  int
}

// Replayer streams telemetry rows to a diagnoser.
type Replayer struct {
	url          string
	dialer       *websocket.Dialer
	interval     time.Duration
	replyTimeout time.Duration
	logger       *slog.Logger
}

// New creates a Replayer. tlsConfig may be nil for plain ws:// URLs.
func New(url string, tlsConfig *tls.Config, interval, replyTimeout time.Duration, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Replayer{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		interval:     interval,
		replyTimeout: replyTimeout,
		logger:       logger,
	}
}

// Run sends every row and waits for its reply. When wantHistory is set the
// history window is requested after the last row. Run stops early when ctx is
// canceled and returns the summary so far.
func (r *Replayer) Run(ctx context.Context, rows [][]float64, wantHistory bool) (Summary, error) {
	var sum Summary

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return sum, fmt.Errorf("dial %s: %w", r.url, err)
	}
	defer conn.Close()

	r.logger.Info("connected to diagnoser", "url", r.url, "rows", len(rows))

	for i, row := range rows {
		if i > 0 && r.interval > 0 {
			select {
			case <-ctx.Done():
				return sum, r.closeOnCancel(conn, ctx.Err())
			case <-time.After(r.interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return sum, r.closeOnCancel(conn, err)
		}

		rec, err := telemetry.FromVector(row)
		if err != nil {
			return sum, fmt.Errorf("row %d: %w", i+1, err)
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return sum, fmt.Errorf("row %d: encode: %w", i+1, err)
		}

		reply, err := r.roundTrip(conn, payload)
		if err != nil {
			return sum, fmt.Errorf("row %d: %w", i+1, err)
		}
		sum.Sent++

		status, v, errReply := parseReply(reply)
		switch status {
		case Rejected:
			sum.Rejected++
			r.logger.Warn("row rejected", "row", i+1, "type", errReply.Type, "error", errReply.Error)
		case Abnormal:
			sum.Abnormal++
			r.logger.Info("machine status",
				"row", i+1,
				"status", status,
				"compressor_fault", v.CompressorFault,
				"turbine_fault", v.TurbineFault,
				"warnings", v.Warnings,
			)
		default:
			sum.Normal++
			r.logger.Info("machine status",
				"row", i+1,
				"status", status,
				"compressor_ttf", v.TimeBeforeFailure.Compressor,
				"turbine_ttf", v.TimeBeforeFailure.Turbine,
			)
		}
	}

	if wantHistory {
		reply, err := r.roundTrip(conn, []byte(stream.HistorySentinel))
		if err != nil {
			return sum, fmt.Errorf("history: %w", err)
		}
		var entries []history.Entry
		if err := json.Unmarshal(reply, &entries); err != nil {
			return sum, fmt.Errorf("history: decode: %w", err)
		}
		sum.History = len(entries)
		r.logger.Info("history received", "entries", len(entries))
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		r.logger.Debug("failed to send close frame", "error", err)
	}

	return sum, nil
}

func (r *Replayer) roundTrip(conn *websocket.Conn, payload []byte) ([]byte, error) {
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(r.replyTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return reply, nil
}

func (r *Replayer) closeOnCancel(conn *websocket.Conn, err error) error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "replay canceled")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	r.logger.Info("replay canceled")
	return err
}

// parseReply distinguishes error replies from verdicts.
func parseReply(reply []byte) (Status, diagnosis.Verdict, stream.ErrorReply) {
	doc := gjson.ParseBytes(reply)
	if doc.Get("type").Exists() && doc.Get("error").Exists() {
		return Rejected, diagnosis.Verdict{}, stream.ErrorReply{
			Error: doc.Get("error").String(),
			Type:  doc.Get("type").String(),
		}
	}

	var v diagnosis.Verdict
	if err := json.Unmarshal(reply, &v); err != nil {
		return Rejected, diagnosis.Verdict{}, stream.ErrorReply{
			Error: err.Error(),
			Type:  stream.TypeDecodeError,
		}
	}
	return Classify(v), v, stream.ErrorReply{}
}

// errNoRows is returned when the telemetry file holds no data rows.
var errNoRows = errors.New("no telemetry rows")

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/history"
	"github.com/HatiCode/turbowatch/pkg/rules"
	"github.com/HatiCode/turbowatch/pkg/scaler"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

const validMessage = `{"lever_position":1.138,"ship_speed":3,"gt_shaft":289.964,"gt_rate":1349.489,` +
	`"gg_rate":6677.38,"sp_torque":7.584,"pp_torque":7.584,"hpt_temp":464.006,"gt_c_i_temp":288,` +
	`"gt_c_o_temp":550.563,"hpt_pressure":1.096,"gt_c_i_pressure":0.998,"gt_c_o_pressure":5.947,` +
	`"gt_exhaust_pressure":1.019,"turbine_inj_control":7.137,"fuel_flow":0.082}`

type fakeProcessor struct {
	engine  *rules.Engine
	store   *history.MemoryStore
	failErr error
}

func newFakeProcessor() *fakeProcessor {
	engine, _ := rules.NewEngine(rules.DefaultRules())
	return &fakeProcessor{engine: engine, store: history.NewMemoryStore(3)}
}

func (p *fakeProcessor) Diagnose(ctx context.Context, r telemetry.Record) (diagnosis.Verdict, error) {
	if p.failErr != nil {
		return diagnosis.Verdict{}, p.failErr
	}
	v := diagnosis.Assemble(0.98, 0.99, p.engine.Evaluate(r), diagnosis.Shared)
	if err := p.store.Push(ctx, history.NewEntry(r, v)); err != nil {
		return diagnosis.Verdict{}, err
	}
	return v, nil
}

func (p *fakeProcessor) History(ctx context.Context) ([]history.Entry, error) {
	return p.store.Snapshot(ctx)
}

type countingObserver struct {
	connected    atomic.Int64
	disconnected atomic.Int64
	mu           sync.Mutex
	kinds        map[string]int
	transport    map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{kinds: map[string]int{}, transport: map[string]int{}}
}

func (o *countingObserver) ClientConnected()    { o.connected.Add(1) }
func (o *countingObserver) ClientDisconnected() { o.disconnected.Add(1) }
func (o *countingObserver) Message(kind string) {
	o.mu.Lock()
	o.kinds[kind]++
	o.mu.Unlock()
}
func (o *countingObserver) TransportError(reason string) {
	o.mu.Lock()
	o.transport[reason]++
	o.mu.Unlock()
}
func (o *countingObserver) kind(k string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kinds[k]
}
func (o *countingObserver) transportErrors(r string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transport[r]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, proc Processor, opts Options) (*Handler, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	h := NewHandler(proc, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msgType int, payload string) []byte {
	t.Helper()
	if err := conn.WriteMessage(msgType, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return data
}

func TestHandler_HistoryBeforeTelemetry(t *testing.T) {
	_, url := startServer(t, newFakeProcessor(), Options{})
	conn := dial(t, url)

	for _, msg := range []string{"GET_HISTORY", `"GET_HISTORY"`, " GET_HISTORY\n"} {
		got := roundTrip(t, conn, websocket.TextMessage, msg)
		if string(got) != "[]" {
			t.Errorf("reply to %q = %s, want []", msg, got)
		}
	}
}

func TestHandler_Telemetry(t *testing.T) {
	obs := newCountingObserver()
	_, url := startServer(t, newFakeProcessor(), Options{Observer: obs})
	conn := dial(t, url)

	var v diagnosis.Verdict
	if err := json.Unmarshal(roundTrip(t, conn, websocket.TextMessage, validMessage), &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.CompressorFault != diagnosis.NoFault || len(v.Warnings) != 0 {
		t.Errorf("verdict = %+v, want no fault", v)
	}

	cold := strings.Replace(validMessage, `"gt_c_i_temp":288`, `"gt_c_i_temp":250`, 1)
	if err := json.Unmarshal(roundTrip(t, conn, websocket.BinaryMessage, cold), &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.CompressorFault != diagnosis.FaultDetected || len(v.Warnings) < 1 {
		t.Errorf("verdict = %+v, want compressor fault", v)
	}

	var entries []map[string]any
	if err := json.Unmarshal(roundTrip(t, conn, websocket.TextMessage, HistorySentinel), &entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("history has %d entries, want 2", len(entries))
	}
	if entries[1]["gt_c_i_temp"] != 250.0 || entries[1]["Compressor_Fault_Detected"] != diagnosis.FaultDetected {
		t.Errorf("history[1] = %v", entries[1])
	}

	if got := obs.kind(KindTelemetry); got != 2 {
		t.Errorf("telemetry messages = %d, want 2", got)
	}
	if got := obs.kind(KindHistory); got != 1 {
		t.Errorf("history messages = %d, want 1", got)
	}
}

func TestHandler_ErrorReplies(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		procErr  error
		wantType string
		wantKind string
	}{
		{name: "not json", payload: "hello", wantType: TypeDecodeError, wantKind: KindDecodeError},
		{name: "json array", payload: "[1,2]", wantType: TypeDecodeError, wantKind: KindDecodeError},
		{name: "missing field", payload: `{"fuel_flow":0.1}`, wantType: TypeSchemaMismatch, wantKind: KindSchemaMismatch},
		{name: "scaler mismatch", payload: validMessage, procErr: fmt.Errorf("wrap: %w", scaler.ErrSchemaMismatch), wantType: TypeSchemaMismatch, wantKind: KindSchemaMismatch},
		{name: "model failure", payload: validMessage, procErr: errors.New("model offline"), wantType: TypeInternalError, wantKind: KindInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := newFakeProcessor()
			proc.failErr = tt.procErr
			obs := newCountingObserver()
			_, url := startServer(t, proc, Options{Observer: obs})
			conn := dial(t, url)

			var reply ErrorReply
			if err := json.Unmarshal(roundTrip(t, conn, websocket.TextMessage, tt.payload), &reply); err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			if reply.Type != tt.wantType || reply.Error == "" {
				t.Errorf("reply = %+v, want type %s", reply, tt.wantType)
			}
			if obs.kind(tt.wantKind) != 1 {
				t.Errorf("kind %s count = %d, want 1", tt.wantKind, obs.kind(tt.wantKind))
			}

			// The connection survives the failed message.
			if got := roundTrip(t, conn, websocket.TextMessage, HistorySentinel); string(got) != "[]" {
				t.Errorf("history after error = %s, want []", got)
			}
		})
	}
}

func TestHandler_ClientsAreIndependent(t *testing.T) {
	obs := newCountingObserver()
	h, url := startServer(t, newFakeProcessor(), Options{Observer: obs})

	a := dial(t, url)
	b := dial(t, url)

	_ = a.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = a.Close()

	got := roundTrip(t, b, websocket.TextMessage, validMessage)
	if !strings.Contains(string(got), "Predicted_Compressor_Decay") {
		t.Errorf("reply = %s, want verdict", got)
	}

	waitFor(t, func() bool { return h.Active() == 1 })
	if obs.connected.Load() != 2 {
		t.Errorf("connected = %d, want 2", obs.connected.Load())
	}
	if obs.disconnected.Load() != 1 {
		t.Errorf("disconnected = %d, want 1", obs.disconnected.Load())
	}
}

func TestHandler_OverflowingReadingKeepsHistoryReadable(t *testing.T) {
	_, url := startServer(t, newFakeProcessor(), Options{})
	a := dial(t, url)
	b := dial(t, url)

	huge := strings.Replace(validMessage, `"hpt_temp":464.006`, `"hpt_temp":1e400`, 1)
	var reply ErrorReply
	if err := json.Unmarshal(roundTrip(t, a, websocket.TextMessage, huge), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != TypeSchemaMismatch || !strings.Contains(reply.Error, "hpt_temp") {
		t.Errorf("reply = %+v, want SchemaMismatch naming hpt_temp", reply)
	}

	if got := roundTrip(t, b, websocket.TextMessage, validMessage); !strings.Contains(string(got), "Predicted_Compressor_Decay") {
		t.Fatalf("reply = %s, want verdict", got)
	}

	var entries []map[string]any
	if err := json.Unmarshal(roundTrip(t, b, websocket.TextMessage, HistorySentinel), &entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 1 || entries[0]["hpt_temp"] != 464.006 {
		t.Errorf("history = %v, want the single finite record", entries)
	}
}

func TestHandler_IdleTimeout(t *testing.T) {
	obs := newCountingObserver()
	h, url := startServer(t, newFakeProcessor(), Options{Observer: obs, IdleTimeout: 50 * time.Millisecond})
	conn := dial(t, url)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("ReadMessage() should fail after server closes idle connection")
	}

	waitFor(t, func() bool { return h.Active() == 0 })
	if obs.transportErrors("idle_timeout") != 1 {
		t.Errorf("idle_timeout errors = %d, want 1", obs.transportErrors("idle_timeout"))
	}
}

func TestHandler_Shutdown(t *testing.T) {
	h, url := startServer(t, newFakeProcessor(), Options{})
	conn := dial(t, url)
	waitFor(t, func() bool { return h.Active() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() after Shutdown should fail")
	}
	if h.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.Active())
	}

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := late.ReadMessage(); err == nil {
			t.Error("connection accepted after Shutdown should be closed")
		}
		_ = late.Close()
	}
}

func TestIsHistoryRequest(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{payload: "GET_HISTORY", want: true},
		{payload: `"GET_HISTORY"`, want: true},
		{payload: "get_history", want: false},
		{payload: `"OTHER"`, want: false},
		{payload: `{"GET_HISTORY":1}`, want: false},
		{payload: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			if got := isHistoryRequest([]byte(tt.payload)); got != tt.want {
				t.Errorf("isHistoryRequest(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

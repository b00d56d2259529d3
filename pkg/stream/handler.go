// Package stream serves the diagnosis protocol over websocket connections.
//
// Each connection is served by its own goroutine and handles one message at a
// time: read, process, reply. A message is either the history sentinel, sent
// bare or as a JSON string, or a telemetry object. Per-message failures are
// answered with an error object and the connection stays open.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/history"
	"github.com/HatiCode/turbowatch/pkg/scaler"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// HistorySentinel requests the current history snapshot.
const HistorySentinel = "GET_HISTORY"

// Error reply types.
const (
	TypeDecodeError    = "DecodeError"
	TypeSchemaMismatch = "SchemaMismatch"
	TypeInternalError  = "InternalError"
)

// Message kinds reported to the Observer.
const (
	KindTelemetry      = "telemetry"
	KindHistory        = "history"
	KindDecodeError    = "decode_error"
	KindSchemaMismatch = "schema_mismatch"
	KindInternalError  = "internal_error"
)

const defaultReadLimit = 1 << 20

// Processor is the diagnosis pipeline behind the socket.
type Processor interface {
	Diagnose(ctx context.Context, r telemetry.Record) (diagnosis.Verdict, error)
	History(ctx context.Context) ([]history.Entry, error)
}

// Observer receives connection lifecycle and message events, typically to
// update metrics. Implementations must be safe for concurrent use.
type Observer interface {
	ClientConnected()
	ClientDisconnected()
	Message(kind string)
	TransportError(reason string)
}

type nopObserver struct{}

func (nopObserver) ClientConnected()      {}
func (nopObserver) ClientDisconnected()   {}
func (nopObserver) Message(string)        {}
func (nopObserver) TransportError(string) {}

// Options configures a Handler. Zero values are valid.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds each reply write. Zero disables it.
	WriteTimeout time.Duration
	// ReadLimit caps the size of an inbound message in bytes.
	ReadLimit int64
}

// ErrorReply is sent for messages that could not be diagnosed.
type ErrorReply struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// Handler upgrades HTTP requests to websocket connections and serves them.
type Handler struct {
	proc     Processor
	opts     Options
	log      *slog.Logger
	obs      Observer
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewHandler returns a handler serving proc.
func NewHandler(proc Processor, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		proc: proc,
		opts: opts,
		log:  logger,
		obs:  obs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Active returns the number of open connections.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		h:    h,
	}
	c.log = h.log.With("client", c.id, "remote", r.RemoteAddr)

	h.obs.ClientConnected()
	c.log.Info("client connected")
	defer h.obs.ClientDisconnected()

	c.serve()
}

func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
	h.wg.Done()
}

// Shutdown stops accepting connections, sends a going-away close frame to
// every open connection and waits for their goroutines to exit or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	h    *Handler
	log  *slog.Logger
}

func (c *client) serve() {
	c.conn.SetReadLimit(c.h.opts.ReadLimit)

	for {
		if c.h.opts.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.h.opts.IdleTimeout))
		}

		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}

		reply := c.handle(payload)
		if err := c.write(reply); err != nil {
			c.log.Warn("client disconnected on write", "error", err)
			c.h.obs.TransportError("write")
			return
		}
	}
}

func (c *client) readFailed(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.log.Info("client disconnected")
		return
	}
	if c.h.ctx.Err() != nil {
		c.log.Info("client disconnected on shutdown")
		return
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.log.Warn("client idle timeout", "timeout", c.h.opts.IdleTimeout)
		c.h.obs.TransportError("idle_timeout")
		return
	}

	c.log.Warn("client disconnected unexpectedly", "error", err)
	c.h.obs.TransportError("read")
}

// handle produces the reply for one inbound message.
func (c *client) handle(payload []byte) any {
	payload = bytes.TrimSpace(payload)

	if isHistoryRequest(payload) {
		entries, err := c.h.proc.History(c.h.ctx)
		if err != nil {
			c.log.Error("history snapshot failed", "error", err)
			c.h.obs.Message(KindInternalError)
			return ErrorReply{Error: err.Error(), Type: TypeInternalError}
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		c.h.obs.Message(KindHistory)
		return entries
	}

	rec, err := telemetry.Decode(payload)
	if err != nil {
		return c.rejected(err)
	}

	verdict, err := c.h.proc.Diagnose(c.h.ctx, rec)
	if err != nil {
		return c.rejected(err)
	}

	c.h.obs.Message(KindTelemetry)
	return verdict
}

func (c *client) rejected(err error) ErrorReply {
	switch {
	case errors.Is(err, telemetry.ErrSchemaMismatch), errors.Is(err, scaler.ErrSchemaMismatch):
		c.log.Debug("message rejected", "type", TypeSchemaMismatch, "error", err)
		c.h.obs.Message(KindSchemaMismatch)
		return ErrorReply{Error: err.Error(), Type: TypeSchemaMismatch}
	case errors.Is(err, telemetry.ErrDecode):
		c.log.Debug("message rejected", "type", TypeDecodeError, "error", err)
		c.h.obs.Message(KindDecodeError)
		return ErrorReply{Error: err.Error(), Type: TypeDecodeError}
	default:
		c.log.Error("diagnosis failed", "error", err)
		c.h.obs.Message(KindInternalError)
		return ErrorReply{Error: err.Error(), Type: TypeInternalError}
	}
}

func (c *client) write(reply any) error {
	data, err := json.Marshal(reply)
	if err != nil {
		data, _ = json.Marshal(ErrorReply{Error: err.Error(), Type: TypeInternalError})
	}
	if c.h.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.opts.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func isHistoryRequest(payload []byte) bool {
	if string(payload) == HistorySentinel {
		return true
	}
	if len(payload) == 0 || payload[0] != '"' || !gjson.ValidBytes(payload) {
		return false
	}
	v := gjson.ParseBytes(payload)
	return v.Type == gjson.String && v.Str == HistorySentinel
}

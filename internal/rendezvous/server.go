package rendezvous

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerbeam/peerbeam/internal/config"
	"github.com/peerbeam/peerbeam/internal/metrics"
)

var ErrServerClosed = http.ErrServerClosed

const wsWriteWait = 1 * time.Second

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server hosts the rendezvous store behind HTTP: health/version/metrics
// endpoints plus the /v1/rendezvous WebSocket that Clients speak the wire
// protocol over.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	store   *MemoryStore
	metrics *metrics.Metrics

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server

	upgrader websocket.Upgrader

	janitorOnce sync.Once
	janitorStop chan struct{}
}

func NewServer(cfg config.Config, logger *slog.Logger, build BuildInfo, store *MemoryStore, m *metrics.Metrics) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		store:   store,
		metrics: m,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// The origin policy runs before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		janitorStop: make(chan struct{}),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No global read/write timeouts: /v1/rendezvous connections are
		// long-lived and enforce their own idle deadline.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	go s.janitor()
	s.log.Info("rendezvous server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.stopJanitor()
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	s.stopJanitor()
	return s.srv.Close()
}

func (s *Server) stopJanitor() {
	s.janitorOnce.Do(func() {
		close(s.janitorStop)
	})
}

// janitor expires session documents that outlived the TTL: abandoned
// attempts must not leak documents.
func (s *Server) janitor() {
	interval := s.cfg.SessionTTL / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-t.C:
			if n := s.store.PurgeExpired(s.cfg.SessionTTL); n > 0 {
				s.metrics.Add(metrics.EventSessionExpired, uint64(n))
				s.log.Info("purged expired sessions", "count", n)
			}
		}
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))

	s.mux.HandleFunc("/readyz", getOnly(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}))

	s.mux.HandleFunc("/version", getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.build)
	}))

	s.mux.Handle("/metrics", getOnly(metrics.PrometheusHandler(s.metrics).ServeHTTP))

	s.mux.HandleFunc("/v1/rendezvous", getOnly(s.withOriginPolicy(s.handleRendezvous)))
}

// getOnly stands in for the Go 1.22 "GET /path" ServeMux patterns, which the
// Go 1.21 mux does not parse: GET and HEAD pass through, anything else gets
// the same 405 with an Allow header that the 1.22 mux would write.
func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// withOriginPolicy gates browser access. Requests without an Origin header
// (CLI clients) pass. Browser origins must be loopback or on the allowlist.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalizedOrigin, originHost, ok := normalizeOrigin(originHeader)
		if !ok || (!loopbackOrigin(originHost) &&
			!originAllowed(normalizedOrigin, originHost, r.Host, s.cfg.AllowedOrigins)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// WebSocket upgrades are never preflighted, so the Origin gate above is
		// the whole policy. The headers below only matter if a plain GET lands
		// here from a browser.
		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		next(w, r)
	}
}

func (s *Server) handleRendezvous(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		return
	}

	wc := &wsConn{
		log:     s.log.With("remote_addr", r.RemoteAddr),
		cfg:     s.cfg,
		conn:    conn,
		store:   s.store,
		metrics: s.metrics,
		limiter: newTokenBucket(s.cfg.MaxMessagesPerSecond, s.cfg.MaxMessagesPerSecond, nil),
		subs:    make(map[string]context.CancelFunc),
	}
	wc.serve(r.Context())
}

// wsConn is one client connection's state: its write lock, rate limiter and
// active subscriptions.
type wsConn struct {
	log     *slog.Logger
	cfg     config.Config
	conn    *websocket.Conn
	store   *MemoryStore
	metrics *metrics.Metrics

	writeMu sync.Mutex
	limiter *tokenBucket

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (c *wsConn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()
	defer c.cancelAllSubs()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSIdleTimeout))
	})

	go c.pingLoop(ctx)

	for {
		if !c.limiter.allow() {
			c.metrics.Inc(metrics.EventRateLimited)
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		data, err := readLimited(msgReader, c.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(c.conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(c.conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.WSIdleTimeout))

		msg, err := parseClientMessage(data)
		if err != nil {
			c.metrics.Inc(metrics.EventInvalidMessage)
			c.writeError(0, "", errorCodeBadRequest, err.Error())
			continue
		}

		c.dispatch(ctx, msg)
	}
}

func (c *wsConn) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.WSPingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case clientMessageCreate:
		err := c.store.CreateSession(ctx, msg.SessionID, *msg.Offer)
		if err == nil {
			c.metrics.Inc(metrics.EventSessionCreated)
		}
		c.reply(msg, err)
	case clientMessageAnswer:
		c.reply(msg, c.store.SetAnswer(ctx, msg.SessionID, *msg.Answer))
	case clientMessageCandidate:
		c.reply(msg, c.store.AppendCandidate(ctx, msg.SessionID, msg.Role, *msg.Candidate))
	case clientMessageDelete:
		err := c.store.DeleteSession(ctx, msg.SessionID)
		if err == nil {
			c.metrics.Inc(metrics.EventSessionDeleted)
		}
		c.reply(msg, err)
	case clientMessageSubscribe:
		c.subscribe(ctx, msg)
	case clientMessageUnsubscribe:
		c.unsubscribe(msg)
	}
}

func (c *wsConn) subscribe(ctx context.Context, msg clientMessage) {
	c.mu.Lock()
	if _, exists := c.subs[msg.SessionID]; exists {
		c.mu.Unlock()
		c.writeError(msg.Seq, msg.SessionID, errorCodeBadRequest, "already subscribed")
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.subs[msg.SessionID] = cancel
	c.mu.Unlock()

	snaps, err := c.store.Subscribe(subCtx, msg.SessionID)
	if err != nil {
		cancel()
		c.mu.Lock()
		delete(c.subs, msg.SessionID)
		c.mu.Unlock()
		c.reply(msg, err)
		return
	}

	c.metrics.Inc(metrics.EventSubscribed)
	c.writeAck(msg.Seq)

	// The ack is written before the forwarder starts, so the initial
	// snapshot (when the document exists) always follows it.
	go func() {
		for snap := range snaps {
			if err := c.writeSnapshot(msg.SessionID, snap); err != nil {
				return
			}
			c.metrics.Inc(metrics.EventSnapshotSent)
		}
	}()
}

func (c *wsConn) unsubscribe(msg clientMessage) {
	c.mu.Lock()
	cancel, ok := c.subs[msg.SessionID]
	if ok {
		delete(c.subs, msg.SessionID)
	}
	c.mu.Unlock()

	if ok {
		cancel()
	}
	// Unsubscribing when not subscribed acks anyway: the caller's goal state
	// holds either way.
	c.writeAck(msg.Seq)
}

func (c *wsConn) cancelAllSubs() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.subs))
	for id, cancel := range c.subs {
		cancels = append(cancels, cancel)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (c *wsConn) reply(msg clientMessage, err error) {
	if err == nil {
		c.writeAck(msg.Seq)
		return
	}

	switch {
	case errors.Is(err, ErrInvalidSessionID):
		c.writeError(msg.Seq, msg.SessionID, errorCodeInvalidSessionID, err.Error())
	case errors.Is(err, ErrNotFound):
		c.writeError(msg.Seq, msg.SessionID, errorCodeNotFound, err.Error())
	case errors.Is(err, ErrTooManySessions):
		c.metrics.Inc(metrics.EventTooManySessions)
		c.writeError(msg.Seq, msg.SessionID, errorCodeTooManySessions, err.Error())
	default:
		c.log.Error("rendezvous: request failed", "type", string(msg.Type), "error", err)
		c.writeError(msg.Seq, msg.SessionID, errorCodeInternal, "internal error")
	}
}

func (c *wsConn) writeAck(seq uint64) {
	_ = c.writeMessage(serverMessage{Type: serverMessageAck, Seq: seq})
}

func (c *wsConn) writeError(seq uint64, sessionID, code, message string) {
	_ = c.writeMessage(serverMessage{
		Type:      serverMessageError,
		Seq:       seq,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
	})
}

func (c *wsConn) writeSnapshot(sessionID string, snap Snapshot) error {
	return c.writeMessage(serverMessage{
		Type:      serverMessageSnapshot,
		SessionID: sessionID,
		Snapshot:  snapshotToWire(snap),
	})
}

func (c *wsConn) writeMessage(msg serverMessage) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack must pass through the wrapper or the websocket upgrade on
// /v1/rendezvous fails behind the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not implement http.Hijacker")
	}
	return h.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

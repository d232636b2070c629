// Package gateway is the connection manager: it owns the single debugger
// slot on /ws and mounts the file service and read-only history API on
// the same listener.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devbridge/internal/audit"
	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/config"
	"github.com/basket/devbridge/internal/dispatcher"
	"github.com/basket/devbridge/internal/jsvm"
	"github.com/basket/devbridge/internal/otel"
	"github.com/basket/devbridge/internal/persistence"
	"github.com/basket/devbridge/internal/remote"
	"github.com/basket/devbridge/internal/shared"
)

// Close reasons published with session.closed.
const (
	ReasonDisconnect = "disconnect"
	ReasonReadError  = "read_error"
	ReasonShutdown   = "shutdown"
)

// ConsoleHost is the part of the script VM the gateway needs: a single
// process-wide console sink that follows the active session.
type ConsoleHost interface {
	SetConsoleHandler(h jsvm.ConsoleHandler)
}

type Config struct {
	Dispatcher *dispatcher.Dispatcher
	Console    ConsoleHost
	Store      *persistence.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics

	// Storage is mounted under /storage/ when set.
	Storage http.Handler

	// AuthToken guards /ws, /api and /storage when non-empty.
	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins    []string
	WriteTimeout    time.Duration
	// MaxMessageBytes is the inbound frame limit; zero means 8 MiB.
	MaxMessageBytes int64

	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig

	// ConfigFingerprint reports the hash of the active config in /healthz.
	ConfigFingerprint func() string
}

// Server accepts debugger connections. At most one is served at a time.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	limiter *ClientLimiter

	mu      sync.Mutex
	active  *activeSession
	stopped bool
}

type activeSession struct {
	conn    *conn
	session *dispatcher.Session
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		limiter: NewClientLimiter(cfg.RateLimit),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cfg.MaxMessageBytes <= 0 {
		s.cfg.MaxMessageBytes = 8 << 20
	}
	if s.tracer == nil || s.metrics == nil {
		noop := otel.Noop()
		if s.tracer == nil {
			s.tracer = noop.Tracer
		}
		if s.metrics == nil {
			m, err := otel.NewMetrics(noop.Meter)
			if err != nil {
				return nil, err
			}
			s.metrics = m
		}
	}
	return s, nil
}

// Limiter exposes the rate limiter so the daemon can run its eviction loop.
func (s *Server) Limiter() *ClientLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	cors := NewCORSMiddleware(s.cfg.CORS)
	guard := func(h http.Handler) http.Handler {
		return cors(s.limiter.Wrap(requireToken(s.cfg.AuthToken, h)))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/sessions", guard(http.HandlerFunc(s.handleAPISessions)))
	mux.Handle("/api/sessions/", guard(http.HandlerFunc(s.handleAPISessionEvaluations)))
	if s.cfg.Storage != nil {
		mux.Handle("/storage/", guard(s.cfg.Storage))
	}
	return mux
}

// ActiveSession returns the id of the attached session, or "".
func (s *Server) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.session.ID
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken != "" && !tokenMatches(ExtractToken(r), s.cfg.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.isStopped() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	c := newConn(ws, r.RemoteAddr, s.cfg.WriteTimeout)

	a, activeID, ok := s.occupy(r.Context(), c)
	if !ok {
		if activeID == "" {
			c.close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		s.reject(r.Context(), c, activeID)
		return
	}
	s.serve(a)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// occupy claims the slot for c. When it is taken, the id of the session
// holding it is returned instead.
func (s *Server) occupy(parent context.Context, c *conn) (*activeSession, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, "", false
	}
	if s.active != nil {
		return nil, s.active.session.ID, false
	}
	sess := dispatcher.NewSession(shared.NewSessionID(), s.cfg.Dispatcher.Host(), c, c.remoteAddr)
	ctx, cancel := context.WithCancel(shared.WithSessionID(parent, sess.ID))
	a := &activeSession{conn: c, session: sess, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.active = a
	return a, "", true
}

func (s *Server) reject(ctx context.Context, c *conn, activeID string) {
	s.logger.Warn("ws: session already active, closing newcomer", "remote_addr", c.remoteAddr, "active_session", activeID)
	s.metrics.RejectedSessions.Add(ctx, 1)
	s.cfg.Bus.Publish(bus.TopicSessionRejected, bus.SessionRejectedEvent{RemoteAddr: c.remoteAddr, ActiveID: activeID})
	c.close(websocket.StatusPolicyViolation, "session already active")
}

func (s *Server) serve(a *activeSession) {
	sess := a.session
	defer close(a.done)
	defer a.cancel()

	ctx, span := otel.StartServerSpan(a.ctx, s.tracer, "gateway.session",
		otel.AttrSessionID.String(sess.ID),
	)
	defer span.End()

	d := s.cfg.Dispatcher
	if err := d.PushExecutionContext(sess); err != nil {
		s.logger.Warn("ws: push execution context failed", "session_id", sess.ID, "error", err)
	}
	if err := d.PushWelcome(sess); err != nil {
		s.logger.Warn("ws: push welcome failed", "session_id", sess.ID, "error", err)
	}
	if s.cfg.Console != nil {
		s.cfg.Console.SetConsoleHandler(func(level int, args []remote.Value) {
			if err := d.PushConsole(sess, jsvm.ConsoleType(level), args); err != nil {
				s.logger.Debug("ws: console push failed", "session_id", sess.ID, "error", err)
			}
		})
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.cfg.Bus.Publish(bus.TopicSessionOpened, bus.SessionOpenedEvent{
		SessionID:  sess.ID,
		RemoteAddr: sess.RemoteAddr,
		OpenedAt:   sess.OpenedAt,
	})
	audit.Record(ctx, "session.open", "ok", sess.ID, sess.RemoteAddr)
	s.logger.Info("ws: client connected", "session_id", sess.ID, "remote_addr", sess.RemoteAddr)

	reason := s.readLoop(ctx, a)
	s.release(a, reason)
}

func (s *Server) readLoop(ctx context.Context, a *activeSession) string {
	for {
		typ, data, err := a.conn.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonShutdown
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
				return ReasonDisconnect
			}
			s.logger.Warn("ws: read error, closing", "session_id", a.session.ID, "error", err)
			return ReasonReadError
		}
		if typ != websocket.MessageText {
			s.logger.Warn("ws: ignoring binary frame", "session_id", a.session.ID, "bytes", len(data))
			continue
		}

		var req dispatcher.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("ws: malformed message", "session_id", a.session.ID, "error", err)
			s.send(a, &dispatcher.Response{Error: &dispatcher.Error{Code: dispatcher.CodeParseError, Message: "parse error: " + err.Error()}})
			continue
		}
		if req.Method == "" {
			s.send(a, &dispatcher.Response{ID: req.ID, Error: &dispatcher.Error{Code: dispatcher.CodeInvalidRequest, Message: "invalid request: method is required"}})
			continue
		}
		s.logger.Debug("ws: request", "session_id", a.session.ID, "method", req.Method, "id", string(req.ID))
		if resp := s.cfg.Dispatcher.Dispatch(ctx, a.session, req); resp != nil {
			s.send(a, resp)
		}
	}
}

func (s *Server) send(a *activeSession, resp *dispatcher.Response) {
	if err := a.conn.reply(resp); err != nil {
		s.logger.Error("ws: write response error", "session_id", a.session.ID, "error", err)
	}
}

// release tears the session down and frees the slot if a still holds it.
func (s *Server) release(a *activeSession, reason string) {
	a.closeOnce.Do(func() {
		if s.cfg.Console != nil {
			s.cfg.Console.SetConsoleHandler(nil)
		}
		a.session.Close()

		s.mu.Lock()
		if s.active == a {
			s.active = nil
		}
		s.mu.Unlock()

		ctx := context.Background()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.cfg.Bus.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{
			SessionID: a.session.ID,
			ClosedAt:  time.Now().UTC(),
			Reason:    reason,
		})
		audit.Record(shared.WithSessionID(ctx, a.session.ID), "session.close", reason, a.session.ID, a.conn.remoteAddr)
		s.logger.Info("ws: client disconnected", "session_id", a.session.ID, "reason", reason)
		if reason == ReasonShutdown {
			a.conn.close(websocket.StatusGoingAway, "server shutting down")
		} else {
			a.conn.close(websocket.StatusNormalClosure, "bye")
		}
	})
}

// Stop closes the active connection, tears its session down and refuses
// further connections. It waits for the read loop to exit or ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	a := s.active
	s.mu.Unlock()
	if a == nil {
		return nil
	}

	s.release(a, ReasonShutdown)
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			s.logger.Warn("ws: healthz db ping failed", "error", err)
			dbOK = false
		}
	}
	cached := 0
	sessionID := ""
	s.mu.Lock()
	if s.active != nil {
		sessionID = s.active.session.ID
		cached = s.active.session.Cache.Len()
	}
	s.mu.Unlock()
	fingerprint := ""
	if s.cfg.ConfigFingerprint != nil {
		fingerprint = s.cfg.ConfigFingerprint()
	}

	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"session_active": sessionID != "",
		"session_id":     sessionID,
		"cached_objects": cached,
		"config_hash":    fingerprint,
		"version":        otel.Version,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleAPISessionEvaluations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	// Path: /api/sessions/{id}/evaluations
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "evaluations" || parts[0] == "" {
		http.Error(w, "invalid path: expected /api/sessions/{id}/evaluations", http.StatusBadRequest)
		return
	}
	sessionID := parts[0]
	sess, err := s.cfg.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	items, err := s.cfg.Store.ListEvaluations(r.Context(), sessionID, queryLimit(r))
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "evaluations": items})
}

func (s *Server) apiError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("ws: api request failed", "path", r.URL.Path, "error", err)
	s.metrics.RequestErrors.Add(r.Context(), 1, metric.WithAttributes(otel.AttrMethod.String(r.URL.Path)))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryLimit reads ?limit=; the store clamps out-of-range values.
func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

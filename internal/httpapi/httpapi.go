// Package httpapi exposes the Pool Manager over chi-routed HTTP/SSE.
// Handlers never touch the pool-core types directly in their wire
// shapes: requests are decoded into pool.Request, responses encoded
// from slot.Outcome/pool.Metrics/poolerrors.Kind.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agentfront/enclave/internal/auth"
	"github.com/agentfront/enclave/internal/elicitation"
	"github.com/agentfront/enclave/internal/pool"
	"github.com/agentfront/enclave/internal/poolerrors"
	"github.com/agentfront/enclave/internal/sessionctx"
	"github.com/agentfront/enclave/internal/slot"
)

// ToolRegistry resolves a caller-supplied tool name to a live
// handler. Callers submit names over the wire, never executable
// handler code; the registry is populated host-side at server startup.
type ToolRegistry map[string]slot.ToolHandler

// Server wires a Pool to chi, bearer-token auth, session-context
// propagation, and (optionally) the elicit() host tool.
type Server struct {
	pool      *pool.Pool
	tools     ToolRegistry
	validator auth.Validator
	sessions  sessionctx.Store
	elicit    *elicitation.Store
	logger    *zap.Logger

	queueTimeout    time.Duration
	shutdownTimeout time.Duration
	writeTimeout    time.Duration

	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

func WithValidator(v auth.Validator) Option { return func(s *Server) { s.validator = v } }
func WithSessionStore(store sessionctx.Store) Option {
	return func(s *Server) { s.sessions = store }
}
func WithElicitationStore(store *elicitation.Store) Option {
	return func(s *Server) { s.elicit = store }
}
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }
func WithTimeouts(queueTimeout, shutdownTimeout time.Duration) Option {
	return func(s *Server) { s.queueTimeout = queueTimeout; s.shutdownTimeout = shutdownTimeout }
}

// WithWriteTimeout bounds every route except /v1/events, applied as a
// per-request context timeout rather than the underlying http.Server's
// WriteTimeout so the long-lived SSE stream isn't severed by it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer builds the HTTP surface over p. tools is the fixed
// registry of caller-invocable host tools; elicit(prompt, schema) is
// registered automatically whenever WithElicitationStore is supplied.
func NewServer(p *pool.Pool, tools ToolRegistry, opts ...Option) *Server {
	s := &Server{
		pool:      p,
		tools:     tools,
		validator: auth.StaticValidator{},
		sessions:  sessionctx.NoopStore{},
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))

		// /events streams indefinitely and must never be wrapped in a
		// fixed write deadline; every other route gets one.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			if s.writeTimeout > 0 {
				r.Use(middleware.Timeout(s.writeTimeout))
			}
			r.Post("/executions", s.handleSubmit)
			r.Get("/metrics", s.handleMetrics)
			r.Post("/dispose", s.handleDispose)
			r.Post("/executions/{id}/elicitations/{callId}", s.handleElicitationAnswer)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var executionSeq uint64

// newExecutionID mints the id the HTTP transport correlates with a
// session-context entry and audit record before the pool ever sees
// the request, so pool.Request.ExecutionID is never empty on this path.
func newExecutionID() string {
	return "http-exec-" + strconv.FormatUint(atomic.AddUint64(&executionSeq, 1), 10)
}

type submitRequest struct {
	Code      string                 `json:"code"`
	Input     interface{}            `json:"input"`
	Self      interface{}            `json:"self"`
	Runtime   map[string]interface{} `json:"runtime"`
	Tools     []string               `json:"tools"`
	TimeoutMs int64                  `json:"timeoutMs"`
}

type submitResponse struct {
	OK    bool        `json:"ok"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, poolerrors.New(poolerrors.KindMessageValidation, "invalid request body"))
		return
	}
	if req.TimeoutMs <= 0 {
		s.writeError(w, poolerrors.New(poolerrors.KindMessageValidation, "timeoutMs must be positive"))
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	executionID := newExecutionID()
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	ttl := timeout + s.queueTimeout + s.shutdownTimeout
	_ = s.sessions.Put(r.Context(), executionID, sessionctx.Context{
		SessionID: r.Header.Get("X-Session-Id"),
		CallerID:  identity.CallerID,
		TraceID:   r.Header.Get("X-Trace-Id"),
	}, ttl)

	handlers := make(map[string]slot.ToolHandler, len(req.Tools))
	for _, name := range req.Tools {
		if name == "elicit" && s.elicit != nil {
			handlers[name] = elicitation.Tool(s.elicit, executionID, s.notifyElicitation)
			continue
		}
		if h, ok := s.tools[name]; ok {
			handlers[name] = h
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	out, err := s.pool.Execute(ctx, pool.Request{
		ExecutionID: executionID,
		Code:        req.Code,
		Input:       req.Input,
		Self:        req.Self,
		Runtime:     req.Runtime,
		Tools:       handlers,
		Timeout:     timeout,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{OK: out.OK, Value: out.Value, Error: out.Error})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Metrics())
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Dispose(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disposed"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events := s.pool.Events()
	if events == nil {
		http.Error(w, "event stream not enabled", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// notifyElicitation is handed to elicitation.Tool as its
// PendingNotifier; a production wiring would fan this into the same
// SSE stream as pool events under an "elicitation.pending" kind. Kept
// as a logged no-op here since the event stream's Event type is owned
// by internal/pool and SSE delivery of a second event family is left
// to the caller's own dashboard integration.
func (s *Server) notifyElicitation(req elicitation.Request) {
	s.logger.Info("elicitation pending",
		zap.String("execution_id", req.ExecutionID), zap.String("call_id", req.CallID))
}

func (s *Server) handleElicitationAnswer(w http.ResponseWriter, r *http.Request) {
	if s.elicit == nil {
		http.Error(w, `{"error":"elicitation not enabled"}`, http.StatusNotImplemented)
		return
	}
	executionID := chi.URLParam(r, "id")
	callID := chi.URLParam(r, "callId")

	var body struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	err := s.elicit.Answer(r.Context(), elicitation.Response{
		ExecutionID: executionID,
		CallID:      callID,
		Value:       body.Value,
	})
	if err != nil {
		http.Error(w, `{"error":"failed to record elicitation response"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a pool-core error's Kind to its HTTP status and
// emits the standard {error, kind} envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, ok := poolerrors.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		switch kind {
		case poolerrors.KindWorkerPoolDisposed:
			status = http.StatusServiceUnavailable
		case poolerrors.KindQueueFull:
			status = http.StatusTooManyRequests
		case poolerrors.KindQueueTimeout, poolerrors.KindWorkerTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

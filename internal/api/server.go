// Package api is the HTTP dispatcher. Each command is a route under
// /api/<command>; stored query pages are served under /xqsp/.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fentz26/xqserver/internal/audit"
	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/metrics"
	"github.com/fentz26/xqserver/internal/models"
	"github.com/fentz26/xqserver/internal/xqsp"
)

// RequestIDHeader carries the request id assigned by the server.
const RequestIDHeader = "X-Request-Id"

// Options configure a Server. Audit and Metrics may be nil.
type Options struct {
	Broker *broker.Broker
	// Sessions hands out the library sessions of requests and stored
	// queries; nil uses Broker.
	Sessions broker.Sessions
	Auth     auth.Authenticator
	Audit   *audit.Writer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Version string
	// MetricsRoute serves /metrics on the API listener.
	MetricsRoute bool
}

// Server provides the HTTP API.
type Server struct {
	broker   *broker.Broker
	sessions broker.Sessions
	xqsp     *xqsp.Runtime
	auth    auth.Authenticator
	audit   *audit.Writer
	metrics *metrics.Metrics
	logger  *slog.Logger
	version string

	router *mux.Router
	server *http.Server
}

// NewServer creates the server and its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authn := opts.Auth
	if authn == nil {
		authn = auth.Anonymous{}
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = opts.Broker
	}
	s := &Server{
		broker:   opts.Broker,
		sessions: sessions,
		xqsp:     xqsp.New(pageServices{Sessions: sessions, broker: opts.Broker}, logger),
		auth:     authn,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   logger,
		version:  opts.Version,
	}
	s.router = s.routes(opts.MetricsRoute)
	return s
}

func (s *Server) routes(withMetrics bool) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.observe, s.authenticate)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/eval", s.handleEval).Methods(http.MethodGet, http.MethodPost).Name("eval")
	a.HandleFunc("/mklib", s.handleMkLib).Methods(http.MethodPost).Name("mklib")
	a.HandleFunc("/dellib", s.handleDelLib).Methods(http.MethodPost).Name("dellib")
	a.HandleFunc("/setindexing", s.handleSetIndexing).Methods(http.MethodPost).Name("setindexing")
	a.HandleFunc("/reindex", s.handleReindex).Methods(http.MethodPost).Name("reindex")
	a.HandleFunc("/backup", s.handleBackup).Methods(http.MethodPost).Name("backup")
	a.HandleFunc("/listlib", s.handleListLib).Methods(http.MethodGet).Name("listlib")
	a.HandleFunc("/progress", s.handleProgress).Methods(http.MethodGet).Name("progress")
	a.HandleFunc("/progress/{id}", s.handleProgress).Methods(http.MethodGet).Name("progress-id")
	a.HandleFunc("/actions", s.handleActions).Methods(http.MethodGet).Name("actions")
	a.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost).Name("cancel")
	a.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost).Name("reload")
	a.HandleFunc("/serverinfo", s.handleServerInfo).Methods(http.MethodGet).Name("serverinfo")
	a.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet).Name("audit")
	a.HandleFunc("/services", s.handleServices).Methods(http.MethodGet).Name("services")

	r.PathPrefix("/xqsp/").HandlerFunc(s.handleXQSP).Methods(http.MethodGet, http.MethodPost).Name("xqsp")
	r.HandleFunc("/health", s.handleHealth).Name("health")
	if withMetrics && s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet).Name("metrics")
	}
	return r
}

// pageServices gives stored queries the server's sessions and the
// broker's service settings.
type pageServices struct {
	broker.Sessions
	broker *broker.Broker
}

func (p pageServices) ServicesRoot() string    { return p.broker.ServicesRoot() }
func (p pageServices) ServicesLibrary() string { return p.broker.ServicesLibrary() }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api.listen", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- middleware ---

type requestIDKey struct{}

// RequestID returns the id assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		command := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			command = route.GetName()
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(command, sw.status, elapsed)
		}
		s.logger.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"command", command,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration", elapsed.Round(time.Microsecond),
			"request_id", RequestID(r.Context()),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r)
		if err != nil {
			if b, ok := s.auth.(*auth.Basic); ok {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", b.Realm))
			}
			s.writeError(w, r, broker.WrapKind(broker.KindUnauthorized, err))
			return
		}
		if p != nil {
			r = r.WithContext(auth.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// --- responses ---

// writeError answers with the status of the error kind and a
// "<KIND>: <message>" body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := broker.Classify(err)
	status := broker.Status(err, s.broker.Running())
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "api.error",
		"path", r.URL.Path,
		"kind", e.Kind,
		"status", status,
		"error", err,
		"request_id", RequestID(r.Context()),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s: %s\n", e.Kind, e.Error())
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := models.HealthResponse{
		OK:      true,
		Engine:  "running",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if !s.broker.Running() {
		resp.OK = false
		resp.Engine = "offline"
	}
	if s.audit != nil {
		resp.Audit = "ok"
		if err := s.audit.Ping(r.Context()); err != nil {
			resp.OK = false
			resp.Audit = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

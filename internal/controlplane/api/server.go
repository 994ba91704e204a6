// Package api implements the control plane's HTTP surface: starting and
// stopping runs, and reading back whether a run is still running, fronted
// by the same auth and rate-limiting middleware the control plane has
// always used.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vayu-load/vayu/internal/auth"
	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/otel"
	"github.com/vayu-load/vayu/internal/registry"
	"github.com/vayu-load/vayu/internal/store"
	"github.com/vayu-load/vayu/internal/supervisor"
	"github.com/vayu-load/vayu/internal/validation"
)

// Server is the control plane's HTTP API: it validates and schema-checks
// an incoming run config, hands it to a new supervisor.RunContext running
// in its own goroutine, and exposes a per-run status read (run ID and
// whether it is still running) answered from the live-run registry. It
// serves no report route.
type Server struct {
	addr   string
	db     *store.Store
	reg    *registry.Registry
	schema *validation.SchemaValidator

	httpServer *http.Server
	listener   net.Listener

	authMiddleware *auth.Middleware
	rateLimiter    *rateLimiter
	tracer         *otel.Tracer
}

// NewServer builds a Server. db and reg must outlive the server.
func NewServer(addr string, db *store.Store, reg *registry.Registry) (*Server, error) {
	schema, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("load schema validator: %w", err)
	}
	return &Server{
		addr:        addr,
		db:          db,
		reg:         reg,
		schema:      schema,
		rateLimiter: newRateLimiter(DefaultRateLimiterConfig()),
	}, nil
}

// SetAuthConfig installs authentication middleware built from cfg.
func (s *Server) SetAuthConfig(cfg *auth.Config) {
	var authenticator auth.Authenticator
	switch cfg.Mode {
	case auth.AuthModeAPIKey:
		authenticator = auth.NewAPIKeyAuthenticator(cfg)
	case auth.AuthModeJWT:
		authenticator = auth.NewJWTAuthenticator(cfg)
	}
	s.authMiddleware = auth.NewMiddleware(cfg, authenticator)
}

// SetRateLimiterConfig replaces the server's rate limiter.
func (s *Server) SetRateLimiterConfig(cfg *RateLimiterConfig) {
	s.rateLimiter = newRateLimiter(cfg)
}

// SetTracer installs the OpenTelemetry tracer used to wrap every request in
// a server-kind span. A nil or disabled tracer makes the middleware a no-op.
func (s *Server) SetTracer(tracer *otel.Tracer) {
	s.tracer = tracer
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)

	var handler http.Handler = mux
	handler = s.rateLimitMiddleware(handler)
	if s.authMiddleware != nil {
		handler = s.authMiddleware.Handler(handler)
	}
	handler = otel.Middleware(s.tracer)(handler)
	return handler
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.allowKey(r.RemoteAddr) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.rateLimiter.config.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.mux()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// URL returns the server's bound address as an http:// URL.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if report := s.schema.ValidateRunConfig(body); !report.OK {
		w.WriteHeader(http.StatusBadRequest)
		env, _ := validation.NewValidationError(report).ToJSON()
		w.Write(env)
		return
	}

	cfg, err := model.ParseRunConfig(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID := uuid.NewString()
	if err := s.db.CreateRun(r.Context(), runID, body, time.Now().UnixMilli()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist run")
		return
	}

	rc := supervisor.New(runID, body, cfg)
	s.reg.Register(rc)

	go func() {
		if err := rc.Execute(context.Background(), s.db, s.reg); err != nil {
			slog.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(startRunResponse{RunID: runID})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/runs/"):]
	runID := path
	action := ""
	for i, c := range path {
		if c == '/' {
			runID = path[:i]
			action = path[i+1:]
			break
		}
	}

	if runID == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}

	switch {
	case action == "stop" && r.Method == http.MethodPost:
		s.handleStopRun(w, r, runID)
	case action == "" && r.Method == http.MethodGet:
		s.handleGetRun(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request, runID string) {
	handle, ok := s.reg.Lookup(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found or already finished")
		return
	}
	handle.RequestStop()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	handle, ok := s.reg.Lookup(runID)
	running := ok && handle.IsRunning()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"run_id":     runID,
		"is_running": running,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

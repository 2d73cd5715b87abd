package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skobkin/nvgputop-web/internal/config"
	"github.com/skobkin/nvgputop-web/internal/gpu"
	"github.com/skobkin/nvgputop-web/internal/ledger"
	"github.com/skobkin/nvgputop-web/internal/procscan"
	"github.com/skobkin/nvgputop-web/internal/query"
	"github.com/skobkin/nvgputop-web/internal/sampler"
	"github.com/skobkin/nvgputop-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// StatsFeed is the live side of the scheduler.
type StatsFeed interface {
	Latest() (sampler.Stats, bool)
	Subscribe() (<-chan sampler.Stats, func(), error)
	Ready() bool
}

// Queries answers the read-only REST endpoints.
type Queries interface {
	ActiveProcesses(ctx context.Context, now time.Time, window time.Duration) []query.ActiveProcess
	ProcessHistory(ctx context.Context, limit int) []query.HistoryEntry
	MetricHistory(ctx context.Context, now time.Time, retention time.Duration) []ledger.MetricSample
}

// EngineStats exposes cumulative reconciliation counters.
type EngineStats interface {
	Counters() procscan.Counters
}

// Deps are the services the HTTP surface reads from. Any of them may be nil;
// the affected endpoints then answer 503.
type Deps struct {
	GPUs    []gpu.Info
	Feed    StatsFeed
	Queries Queries
	Engine  EngineStats
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	router     chi.Router
	gpus       []gpu.Info
	feed       StatsFeed
	queries    Queries
	engine     EngineStats
	now        func() time.Time

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gpus := deps.GPUs
	if gpus == nil {
		gpus = []gpu.Info{}
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		gpus:    gpus,
		feed:    deps.Feed,
		queries: deps.Queries,
		engine:  deps.Engine,
		now:     time.Now,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withRequestLogging)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", s.handleAPIDocs)
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Get("/version", s.handleVersion)
		r.Get("/gpus", s.handleGPUs)
		r.Get("/stats", s.handleStats)
		r.Get("/history", s.handleHistory)
		r.Get("/processes", s.handleProcesses)
		r.Get("/processes/active", s.handleActiveProcesses)
	})

	r.Get("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(r)
	}
	if cfg.EnablePprof {
		registerPprof(r)
	}

	r.Get("/*", s.staticHandler().ServeHTTP)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	info := s.readiness()

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	logger := s.loggerFromContext(r.Context())
	data, err := embeddedAssets.ReadFile("assets/api.html")
	if err != nil {
		logger.Error("failed to read api docs asset", "err", err)
		http.Error(w, "missing api docs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write api docs response", "err", err)
	}
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.gpus)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	stats, ok := s.feed.Latest()
	if !ok {
		http.Error(w, "no stats available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		http.Error(w, "query layer unavailable", http.StatusServiceUnavailable)
		return
	}
	retention := s.cfg.Retention.Window
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		retention = d
	}
	s.writeJSON(w, r, http.StatusOK, s.queries.MetricHistory(r.Context(), s.now(), retention))
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		http.Error(w, "query layer unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := s.cfg.Query.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	s.writeJSON(w, r, http.StatusOK, s.queries.ProcessHistory(r.Context(), limit))
}

func (s *Server) handleActiveProcesses(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		http.Error(w, "query layer unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.queries.ActiveProcesses(r.Context(), s.now(), s.cfg.Query.ActiveWindow))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func registerPprof(r chi.Router) {
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/debug/pprof/{profile}", http.HandlerFunc(pprof.Index))
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		GPUs: len(s.gpus),
	}

	if s.feed == nil {
		resp.Status = "degraded"
		resp.Reason = "scheduler_not_configured"
		return resp
	}

	if s.feed.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_first_cycle"
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	GPUs   int    `json:"gpus"`
	Reason string `json:"reason,omitempty"`
}

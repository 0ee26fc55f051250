// Package opsapi serves the operator HTTP API: health, runtime snapshots,
// job listings (including manual_required jobs awaiting a human) and retry.
package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postpilot/internal/eventbus"
	"postpilot/internal/jobs"
	"postpilot/internal/poller"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/trigger"
	logx "postpilot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8086"

type Config struct {
	Enabled      bool
	Addr         string
	Token        string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

// Deps are the read models the API renders. Nil funcs render empty views.
type Deps struct {
	Repo       *jobs.Repo
	Supervisor func() supervisor.Snapshot
	Pollers    func() []poller.Stats
	Triggers   func() trigger.Snapshot
	// RunTrigger starts the named pass in the background; false when unknown.
	RunTrigger func(name string) bool
	Events     *eventbus.Recent
	Log        logx.Logger
}

type Server struct {
	d   Deps
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(d Deps) *Server {
	return &Server{d: d, log: d.Log.OrNop().With(logx.Component("opsapi"))}
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Token
}

// Apply starts, stops or restarts the listener according to cfg. A token
// change takes effect without a restart.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && old.Addr == cfg.Addr && old.Pprof == cfg.Pprof &&
		old.ReadTimeout == cfg.ReadTimeout && old.WriteTimeout == cfg.WriteTimeout {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "ops api listen %s", cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.router(cfg.Pprof),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops api server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("ops api listening", logx.String("addr", addr), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("ops api shutdown", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("ops api stopped", logx.String("addr", addr))
}

// Handler returns the API router with the current token check, for tests
// and embedding.
func (s *Server) Handler(pprof bool) http.Handler { return s.router(pprof) }

func (s *Server) router(pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/v1/supervisor", s.supervisor)
		r.Get("/v1/pollers", s.pollers)
		r.Get("/v1/triggers", s.triggers)
		r.Post("/v1/triggers/{name}/run", s.runTrigger)
		r.Get("/v1/events", s.events)
		r.Get("/v1/jobs/{platform}/{owner}", s.listJobs)
		r.Get("/v1/jobs/{platform}/{owner}/{id}", s.getJob)
		r.Post("/v1/jobs/{platform}/{owner}/{id}/retry", s.retryJob)
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.token()
		if want != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) supervisor(w http.ResponseWriter, _ *http.Request) {
	var snap supervisor.Snapshot
	if s.d.Supervisor != nil {
		snap = s.d.Supervisor()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) pollers(w http.ResponseWriter, _ *http.Request) {
	out := []poller.Stats{}
	if s.d.Pollers != nil {
		out = s.d.Pollers()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) triggers(w http.ResponseWriter, _ *http.Request) {
	var snap trigger.Snapshot
	if s.d.Triggers != nil {
		snap = s.d.Triggers()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) runTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.d.RunTrigger == nil || !s.d.RunTrigger(name) {
		writeError(w, http.StatusNotFound, "unknown trigger "+name)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"triggered": name})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	out := []eventbus.Event{}
	if s.d.Events != nil {
		out = s.d.Events.Snapshot()
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	writeJSON(w, http.StatusOK, out)
}

func pathJob(r *http.Request) (jobs.Platform, string, error) {
	p, err := jobs.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		return "", "", err
	}
	owner := chi.URLParam(r, "owner")
	if err := jobs.ValidOwner(owner); err != nil {
		return "", "", err
	}
	return p, owner, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	p, owner, err := pathJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	ns, err := jobs.ParseNamespace(q.Get("namespace"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.d.Repo.ListNamespace(r.Context(), ns, p, owner, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	status := jobs.Status(strings.TrimSpace(q.Get("status")))
	out := make([]*jobs.Job, 0, len(list))
	for _, j := range list {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	p, owner, err := pathJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ns, err := jobs.ParseNamespace(r.URL.Query().Get("namespace"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, err := s.d.Repo.GetIn(r.Context(), ns, p, owner, chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	p, owner, err := pathJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, err := s.d.Repo.Retry(r.Context(), p, owner, chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.log.Info("job retried by operator", j.LogFields()...)
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Warn("ops api store error", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

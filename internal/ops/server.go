// Package ops serves the operational HTTP endpoints: /healthz, /metrics, the
// admin API under /api and, when enabled, /debug/pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "crmnotify/internal/runtime/supervisor"
	logx "crmnotify/pkg/logx"
)

const defaultAddr = "127.0.0.1:9090"

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Pprof         bool
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Health is the /healthz body. OK false answers 503.
type Health struct {
	OK          bool                    `json:"ok"`
	Connection  string                  `json:"connection,omitempty"`
	Supervisors map[string]rtsup.Status `json:"supervisors,omitempty"`
	Details     map[string]any          `json:"details,omitempty"`
}

// Probe reports current health.
type Probe func() Health

var ErrInsecureBind = errors.New("ops: non-loopback addr requires token or allow_insecure")

type Server struct {
	log     logx.Logger
	metrics http.Handler
	probe   Probe
	api     http.Handler

	mu       sync.Mutex
	cfg      Config
	addr     string
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

type Option func(*Server)

// WithAPI mounts h under /api behind the bearer token.
func WithAPI(h http.Handler) Option { return func(s *Server) { s.api = h } }

// New builds a stopped server. metrics and probe may be nil.
func New(cfg Config, metrics http.Handler, probe Probe, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, metrics: metrics, probe: probe, log: log}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address while serving, empty otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}
		if s.api != nil {
			r.Mount("/api", s.api)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	h := Health{OK: true}
	if s.probe != nil {
		h = s.probe()
	}
	w.Header().Set("Content-Type", "application/json")
	if !h.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>. An empty
// token disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The listener runs under a restart loop so a failed
// bind retries with backoff instead of taking the process down.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("ops.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.addr, s.stopDone = nil, nil, "", nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	loopback := isLoopbackAddr(addr)
	if !loopback && cfg.Token == "" {
		if !cfg.AllowInsecure {
			s.log.Error("ops server refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
			return ErrInsecureBind
		}
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.addr = nil, ""
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// Package web is the HTTP surface: subscription endpoints per tenant, the
// tenant listing for the subscribe page, health and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"newsletterd/internal/config"
	"newsletterd/internal/orchestrator"
	rtsup "newsletterd/internal/runtime/supervisor"
	"newsletterd/internal/storage"
	"newsletterd/internal/subscription"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

// Scheduler is the part of the orchestrator the health endpoint reads.
type Scheduler interface {
	LastTick() (orchestrator.TickReport, bool)
	RetryState() (failing, waiting int)
}

type Options struct {
	Settings      config.WebSettings
	Tenants       *tenant.Registry
	Subscriptions *subscription.Service
	Store         *storage.Store
	Scheduler     Scheduler // optional; nil when the scheduler is off
	// Supervisor, when set, is reported by /health.
	Supervisor *rtsup.Supervisor
	Log        logx.Logger
	Now        func() time.Time
}

type Server struct {
	opt     Options
	log     logx.Logger
	now     func() time.Time
	started time.Time
	handler http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(opt Options) *Server {
	s := &Server{
		opt: opt,
		log: opt.Log.With(logx.String("comp", "web")),
		now: opt.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.started = s.now()
	s.handler = s.routes()
	return s
}

// Handler returns the router; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/tenants", s.listTenants)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.opt.Settings.Pprof {
		if isLoopbackAddr(s.opt.Settings.Addr) {
			r.Mount("/debug", middleware.Profiler())
		} else {
			s.log.Warn("pprof not mounted: web.addr is not a loopback address", logx.String("addr", s.opt.Settings.Addr))
		}
	}

	r.Route("/{tenant}", func(r chi.Router) {
		js := r.With(middleware.AllowContentType("application/json"))
		js.Post("/subscribe", s.subscribe)
		js.Post("/verify", s.verify)
		js.Post("/unsubscribe", s.requestUnsubscribe)
		js.Post("/unsubscribe/verify", s.confirmUnsubscribe)
		r.Get("/unsubscribe/token/{token}", s.unsubscribeByToken)
		// one-click unsubscribe from the List-Unsubscribe-Post header (form encoded)
		r.Post("/unsubscribe/token/{token}", s.unsubscribeByToken)
	})
	return r
}

// Serve listens on the configured address until ctx ends. It returns after
// the listener is up, or with the listen error.
func (s *Server) Serve(ctx context.Context, sup *rtsup.Supervisor) error {
	addr := s.opt.Settings.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.opt.Settings.ReadTimeout,
		WriteTimeout: s.opt.Settings.WriteTimeout,
		IdleTimeout:  s.opt.Settings.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	sup.Go("web.serve", func(context.Context) error {
		s.log.Info("web listening", logx.String("addr", ln.Addr().String()), logx.String("base_url", s.opt.Settings.BaseURL))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("web shutdown error", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("web stopped")
}

// Addr is the bound address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/metrics"
	"github.com/opensource-finance/ipsim/internal/scenario"
)

// Server serves the scenario API over chi.
type Server struct {
	cfg domain.ServerConfig
	mux *chi.Mux
}

// Deps are the backends the API reports on in /health and /ready.
// Nil fields are skipped.
type Deps struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Recorder
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *scenario.Service, deps Deps, version string) *Server {
	handler := NewHandler(svc, deps, version)
	router := chi.NewMux()

	router.Use(middleware.RealIP)
	router.Use(CORSMiddleware)
	router.Use(TracingMiddleware)
	router.Use(AccessLog(deps.Metrics))
	router.Use(RecoverMiddleware)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	router.Get("/presets", handler.Presets)
	router.Post("/populations", handler.Population)
	router.Post("/evaluate", handler.Evaluate)

	router.Route("/vop", func(r chi.Router) {
		r.Post("/evaluate", handler.EvaluateVoP)
		r.Post("/scan", handler.ScanVoP)
		r.Get("/curve.csv", handler.VoPCurveCSV)
	})
	router.Route("/fraud", func(r chi.Router) {
		r.Post("/evaluate", handler.EvaluateFraud)
		r.Post("/scan", handler.ScanFraud)
		r.Get("/curve.csv", handler.FraudCurveCSV)
	})

	router.Post("/scans", handler.SubmitScan)
	router.Get("/runs", handler.ListRuns)
	router.Get("/runs/{id}", handler.GetRun)

	router.Route("/policies", func(r chi.Router) {
		r.Get("/", handler.ListPolicies)
		r.Post("/", handler.CreatePolicy)
		r.Post("/reload", handler.ReloadPolicies)
		r.Get("/{id}", handler.GetPolicy)
		r.Delete("/{id}", handler.DeletePolicy)
		r.Post("/{id}/evaluate", handler.EvaluatePolicy)
		r.Post("/{id}/scan", handler.ScanPolicy)
		r.Get("/{id}/curve.csv", handler.PolicyCurveCSV)
	})

	return &Server{cfg: cfg, mux: router}
}

// ServeHTTP dispatches to the router, so a Server can be mounted or tested
// with httptest directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds the configured host and port. Binding separately from Serve
// lets startup fail fast on a taken port.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is done, then waits up to grace
// for in-flight requests. A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       seconds(s.cfg.ReadTimeout),
		WriteTimeout:      seconds(s.cfg.WriteTimeout),
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

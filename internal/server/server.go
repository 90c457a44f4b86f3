// Package server exposes the refresh job control API over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/job"
	"github.com/sells-group/maintops/internal/refresh"
)

// Jobs is the job control surface served over HTTP.
type Jobs interface {
	Start(ctx context.Context) (job.State, bool)
	Status() job.State
	Reset() (job.State, error)
}

// HistoryLister lists recent refresh runs.
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]refresh.RunEntry, error)
}

// Pinger checks a dependency's availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds HTTP server settings.
type Config struct {
	Port           int
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP front of the refresh job.
type Server struct {
	cfg     Config
	jobs    Jobs
	history HistoryLister
	db      Pinger
	limiter *clientLimiter
	router  chi.Router
	log     *zap.Logger
}

// New builds a Server. history and db may be nil.
func New(cfg Config, jobs Jobs, history HistoryLister, db Pinger) *Server {
	s := &Server{
		cfg:     cfg,
		jobs:    jobs,
		history: history,
		db:      db,
		limiter: newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:     zap.L().With(zap.String("component", "server")),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/query/actualizar", func(r chi.Router) {
		r.With(s.withRateLimit).Post("/iniciar", s.handleStart)
		r.Get("/estado", s.handleStatus)
		r.With(s.withRateLimit).Post("/reiniciar", s.handleReset)
		r.Get("/historial", s.handleHistory)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return eris.Wrap(err, "server: listen")
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

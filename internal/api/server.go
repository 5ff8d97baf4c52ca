// Package api exposes the lease manager over HTTP: lease CRUD under
// /v1/leases plus health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/manager"
)

// Config drives the HTTP listener.
type Config struct {
	Listen string
	// RateLimit is requests per minute per client IP; 0 disables
	// limiting.
	RateLimit int
}

// Server serves the REST surface over a lease service.
type Server struct {
	service *manager.Service
	cfg     Config
	logger  zerolog.Logger
	http    *http.Server
}

// NewServer builds the server and its router.
func NewServer(service *manager.Service, cfg Config, logger zerolog.Logger) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the chi router with the middleware stack applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(requestID)
	r.Use(s.requestLogger)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.Limit(
			s.cfg.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Minute.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			}),
		))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/leases", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Route("/{leaseID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("event", "api.started").
			Str("listen", s.cfg.Listen).
			Msg("http server started")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

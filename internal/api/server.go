package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/config"
	"github.com/snarg/sitevoice/internal/metrics"
	"github.com/snarg/sitevoice/internal/stt"
)

// ServerOptions are the handlers' collaborators.
type ServerOptions struct {
	Config   *config.Config
	Projects ProjectStore
	Pipeline interface {
		Pipeline
		Submitter
	}
	Events EventSource
	Warmer stt.Warmer // optional
	Health HealthOptions
	Log    zerolog.Logger

	closing <-chan struct{}
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	closing := make(chan struct{})
	opts.closing = closing
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      NewRouter(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	// Open SSE streams would otherwise hold Shutdown until its deadline.
	srv.RegisterOnShutdown(func() { close(closing) })
	return &Server{http: srv, log: opts.Log}
}

// NewRouter builds the HTTP routes. It is separate from NewServer for tests.
func NewRouter(opts ServerOptions) http.Handler {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint: no auth
		r.Get("/health", NewHealthHandler(opts.Health).ServeHTTP)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			NewProjectsHandler(opts.Projects).Routes(r)
			NewUploadHandler(opts.Projects, opts.Pipeline, cfg.MaxUploadMB<<20, opts.Log).Routes(r)
			NewRecordingsHandler(opts.Pipeline, opts.Warmer).Routes(r)
			NewEventsHandler(opts.Events).closeOn(opts.closing).Routes(r)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// Package web serves the monitoring dashboard API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/capture"
	"github.com/not-amarnath/final-year-project/internal/monitor"
	"github.com/not-amarnath/final-year-project/internal/recognition"
	"github.com/not-amarnath/final-year-project/internal/types"
)

// Station is the monitor as driven over HTTP.
type Station interface {
	Status() monitor.Status
	StartCamera(ctx context.Context) (capture.State, error)
	StopCamera()
	StartRecognition(interval time.Duration) error
	StopRecognition()
	Overlay() recognition.Overlay
	Evidence() []types.EvidenceEntry
	EvidenceByID(id string) (types.EvidenceEntry, error)
	Persons() []types.PersonSummary
	Enroll(ctx context.Context, name string, image []byte) (types.PersonSummary, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	station    Station
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server for station listening on addr.
func NewServer(station Station, addr string, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	s := &Server{
		station: station,
		router:  r,
		logger:  logger,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return goerr.Wrap(err, "failed to start server", goerr.V("addr", s.httpServer.Addr))
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return goerr.Wrap(err, "failed to shut down server")
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", chiMiddleware.GetReqID(r.Context()),
			)
		})
	}
}

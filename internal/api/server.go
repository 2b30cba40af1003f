package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"boundary-risk/internal/config"
	"boundary-risk/internal/middleware"
)

// Server is the HTTP front end of the risk engine.
type Server struct {
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	logger     *slog.Logger
}

// NewServer builds the routed, instrumented HTTP server for engine.
func NewServer(cfg config.ServerConfig, engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	handler := NewHandler(engine, logger).
		WithMaxPayload(cfg.MaxPayloadSize).
		WithErrorRedaction(cfg.RedactErrors)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)

	var h http.Handler = mux
	h = middleware.Auth(cfg.Auth)(h)
	h = middleware.RateLimit(limiter, logger)(h)
	h = middleware.SecurityHeaders(cfg.SecurityHeaders)(h)
	h = middleware.Instrument(logger)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      h,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting risk API server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

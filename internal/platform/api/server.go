package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qym-eval/qym/internal/platform/api/middleware"
	"github.com/qym-eval/qym/internal/platform/auth"
)

// Server is the platform's HTTP API server: middleware stack, lifecycle,
// and graceful shutdown around a caller-assembled handler.
//
// Route registration lives outside Server (cmd/platform wires ingest,
// visibility, workflow, and admin handlers onto a mux before constructing
// Server) so that Server itself depends only on cross-cutting concerns:
// auth, rate limiting, CORS, and logging.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	keys        auth.KeyStore
	rateLimiter middleware.RateLimiter
}

// NewServer builds a Server around routes, applying the standard middleware
// chain. keys and rateLimiter are optional (nil disables the corresponding
// middleware, logged as a warning); routes must be non-nil.
func NewServer(
	cfg *ServerConfig,
	routes http.Handler,
	keys auth.KeyStore,
	users auth.UserLookup,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if routes == nil {
		logger.Error("routes handler is required - cannot start server without registered endpoints")
		panic("qym: routes handler cannot be nil - this indicates a configuration error")
	}

	server := &Server{logger: logger, config: cfg, keys: keys, rateLimiter: rateLimiter}

	var engineAuthenticate middleware.Authenticator

	if keys != nil && users != nil {
		engineAuthenticate = auth.RequireAPIKeyPrincipal(keys, users)
		logger.Info("engine API key authentication enabled")
	} else if cfg.LocalDevNoAuth {
		logger.Warn("authentication disabled via QYM_ALLOW_NO_AUTH - do not run this configuration in production")
	} else {
		logger.Warn("API key store or user lookup not configured - engine authentication disabled")
	}

	if rateLimiter != nil {
		logger.Info("rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	handler := middleware.Apply(routes,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithEngineAuth(engineAuthenticate, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start runs the HTTP server and blocks until a shutdown signal arrives or
// the server fails to start.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting platform API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("API key store", s.keys)
	s.closeDependency("rate limiter", s.rateLimiter)

	s.logger.Info("server shutdown completed successfully")

	return nil
}

// closeDependency best-effort closes dep if it implements io.Closer,
// logging but not failing shutdown on error.
func (s *Server) closeDependency(name string, dep any) {
	if dep == nil {
		return
	}

	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	s.logger.Info("closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}

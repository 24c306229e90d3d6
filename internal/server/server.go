// Package server wires the csrf middleware into a small demo application:
// a chi router, cookie sessions, HTML forms and a Prometheus endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JeanGrijp/csrfguard/csrf"
	"github.com/JeanGrijp/csrfguard/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pingTimeout = 3 * time.Second

type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	protector *csrf.Protector
	sessions  *Sessions
	registry  *prometheus.Registry
	memory    *csrf.MemoryStore // nil with the redis backend
	redis     redis.UniversalClient
}

// New builds the server and its token store. The caller must Close it.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.sessions = NewSessions(cfg.Session.CookieName, cfg.Session.TTL, cfg.CSRF.CookieSecure, s.sessionEnded)
	s.registry.MustRegister(collectors.NewGoCollector())

	store, err := s.openStore()
	if err != nil {
		return nil, err
	}

	csrfCfg, err := cfg.ToCSRF()
	if err != nil {
		s.Close()
		return nil, err
	}
	p, err := csrf.New(csrfCfg,
		csrf.WithStore(store),
		csrf.WithSessionProvider(s.sessions.Provider()),
		csrf.WithLogger(logger.Named("csrf")),
		csrf.WithMetrics(csrf.NewMetrics(s.registry)),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.protector = p
	return s, nil
}

// sessionEnded drops the token of a session that expired, was evicted or was
// replaced. No session exists before New has set the protector.
func (s *Server) sessionEnded(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := s.protector.SessionEnded(ctx, id); err != nil {
		s.logger.Warn("drop csrf token of ended session", zap.Error(err))
	}
}

func (s *Server) openStore() (csrf.Store, error) {
	switch s.cfg.Store.Backend {
	case config.BackendRedis:
		rc := s.cfg.Store.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		store := csrf.NewRedisStore(client, csrf.RedisConfig{
			Prefix:     rc.Prefix,
			MaxRetries: rc.MaxRetries,
			Logger:     s.logger.Named("redis"),
		})
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		s.redis = client
		return store, nil
	default:
		store, err := csrf.NewMemoryStore(csrf.MemoryConfig{
			MaxEntries: s.cfg.Store.MaxEntries,
			Logger:     s.logger.Named("memory"),
		})
		if err != nil {
			return nil, err
		}
		s.memory = store
		return store, nil
	}
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.Middleware)
		r.Use(s.protector.Protect)

		r.Get("/", s.handleIndex)
		r.Get("/csrf-token", s.protector.TokenHandler().ServeHTTP)
		r.Post("/transfer", s.handleTransfer)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.memory != nil {
		s.memory.StartSweeper(ctx, s.cfg.Store.SweepInterval)
	}

	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("csrfd listening",
			zap.String("addr", srv.Addr),
			zap.String("store", s.cfg.Store.Backend),
			zap.String("transport", s.protector.Policy().Transport.String()),
			zap.String("mode", s.protector.Policy().Mode.String()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the redis connection, if any.
func (s *Server) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

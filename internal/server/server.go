// Package server assembles the proxy's components and manages the HTTP
// server lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/admin"
	"github.com/apibuddy/api-buddy/internal/cache"
	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/database"
	"github.com/apibuddy/api-buddy/internal/logging"
	"github.com/apibuddy/api-buddy/internal/monitor"
	"github.com/apibuddy/api-buddy/internal/proxy"
	"github.com/apibuddy/api-buddy/internal/security"
	"github.com/apibuddy/api-buddy/internal/throttle"
)

// Server wires the store, cache engine, throttle manager, security gate,
// admin surface, and request pipeline behind one http.Server.
type Server struct {
	server   *http.Server
	cfg      *config.Config
	logger   *zap.Logger
	store    *database.Store
	engine   *cache.Engine
	throttle *throttle.Manager
	gate     *security.Gate
	pipeline *proxy.Pipeline

	readyOnce sync.Once
	ready     chan struct{}
	addr      string
}

// New builds the full component graph from the configuration. The server
// does not listen until Start is called.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		var err error
		logger, err = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.Cache.DatabasePath
	store, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	engine, err := cache.New(store, cache.Config{
		MaxResponseSize:      cfg.Cache.MaxCacheResponseSize,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		MaxEntries:           cfg.Cache.MaxCacheEntries,
	}, cfg.TTLForDomain, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize cache engine: %w", err)
	}

	tm := throttle.New(throttle.Config{
		DefaultRequestsPerHour: cfg.Throttling.DefaultRequestsPerHour,
		ProgressiveMaxDelay:    cfg.Throttling.ProgressiveMaxDelay,
		DomainLimits:           cfg.Throttling.DomainLimits,
	})

	gate, err := security.New(cfg.Security.RequireSecureKey, cfg.Security.SecureKey)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize security gate: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var adminHandler http.Handler
	if cfg.Admin.Enabled {
		facade := monitor.New(cfg, engine, store, tm, gate)
		adminHandler = admin.New(cfg, facade, registry, logger)
	}

	pipeline := proxy.New(proxy.Options{
		Config:   cfg,
		Cache:    engine,
		Throttle: tm,
		Gate:     gate,
		Metrics:  store,
		Prom:     proxy.NewMetrics(registry),
		Admin:    adminHandler,
		Logger:   logger,
	})

	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   engine,
		throttle: tm,
		gate:     gate,
		pipeline: pipeline,
		ready:    make(chan struct{}),
		server: &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:      pipeline,
			ReadTimeout:  timeout,
			WriteTimeout: timeout + 10*time.Second,
			IdleTimeout:  2 * timeout,
		},
	}
	return s, nil
}

// Start listens and serves until Shutdown is called. It blocks, returning
// nil on a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.readyOnce.Do(func() {
		s.addr = ln.Addr().String()
		close(s.ready)
	})
	s.logger.Info("server listening",
		zap.String("addr", s.addr),
		zap.Bool("security_enabled", s.gate.Enabled()),
		zap.Bool("admin_enabled", s.cfg.Admin.Enabled))

	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Ready is closed once the listener is bound; Addr is valid after that.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the request pipeline, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.pipeline
}

// SecureKey returns the shared secret in effect, including one generated at
// startup. The CLI prints it so clients can authenticate.
func (s *Server) SecureKey() string {
	return s.gate.Secret()
}

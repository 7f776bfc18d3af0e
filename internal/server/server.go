package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
)

// HealthChecker reports component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	IsHealthy() bool
	GetStatus() map[string]string
}

// Server runs the health server and, when enabled, a separate metrics
// server.
type Server struct {
	healthServer  *http.Server
	metricsServer *http.Server
	logger        *zap.Logger
}

func NewServer(cfg dto.ObservabilityConfig, checker HealthChecker, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		healthServer: newHTTPServer(cfg.Health.Port, HealthMux(cfg.Health, checker, logger)),
		logger:       logger,
	}

	if cfg.Metrics.Enabled && registry != nil {
		s.metricsServer = newHTTPServer(cfg.Metrics.Port, MetricsMux(cfg.Metrics, registry))
	}
	return s
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// HealthMux routes the probe endpoints, defaulting to /health/live and
// /health/ready.
func HealthMux(cfg dto.HealthConfig, checker HealthChecker, logger *zap.Logger) *http.ServeMux {
	live, ready := cfg.LivenessPath, cfg.ReadinessPath
	if live == "" {
		live = "/health/live"
	}
	if ready == "" {
		ready = "/health/ready"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(live, LivenessHandler(checker, logger))
	mux.HandleFunc(ready, ReadinessHandler(checker, logger))
	return mux
}

func MetricsMux(cfg dto.MetricsConfig, registry *prometheus.Registry) *http.ServeMux {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return mux
}

// Start binds both listeners before returning so port conflicts surface
// as errors.
func (s *Server) Start() error {
	healthLn, err := net.Listen("tcp", s.healthServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind health server: %w", err)
	}

	var metricsLn net.Listener
	if s.metricsServer != nil {
		metricsLn, err = net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			_ = healthLn.Close()
			return fmt.Errorf("failed to bind metrics server: %w", err)
		}
	}

	s.serve("health", s.healthServer, healthLn)
	if metricsLn != nil {
		s.serve("metrics", s.metricsServer, metricsLn)
	}
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	go func() {
		s.logger.Info("starting "+name+" server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error(name+" server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops both servers in parallel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	servers := []*http.Server{s.healthServer}
	if s.metricsServer != nil {
		servers = append(servers, s.metricsServer)
	}

	errChan := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			errChan <- srv.Shutdown(ctx)
		}(srv)
	}

	var errs []error
	for range servers {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

package h2app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/advdv/bh2"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServerConfig holds optional configuration for the HTTP/2 server.
type ServerConfig struct {
	HealthHandler func(http.ResponseWriter, *http.Request)
}

// ServerParams holds the dependencies for creating the server.
type ServerParams struct {
	fx.In

	Env        Environment
	Mux        *Mux
	Logger     *zap.Logger
	TracerProv trace.TracerProvider
	Propagator propagation.TextMapPropagator
	Protocol   bh2.Config
	Registry   *prometheus.Registry
	Metrics    *bh2.Metrics
}

// Server accepts connections and serves each over HTTP/2. With TLS
// configured it negotiates h2 via ALPN; without it the listener speaks h2c
// with prior knowledge, for deployments behind a TLS-terminating proxy.
type Server struct {
	env      Environment
	protocol bh2.Config
	handler  http.Handler
	logs     *zap.Logger
	metrics  *bh2.Metrics
	tlsConf  *tls.Config

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer creates the HTTP/2 server with all middleware and routing
// configured.
func NewServer(params ServerParams, cfg ServerConfig) (*Server, error) {
	d := &requestDep{
		logger: params.Logger,
	}
	params.Mux.Use(withRequestDep(d))

	// Health endpoint for readiness probes, default 200 OK. Tracing is
	// disabled for this path to avoid noisy orphan traces from probes.
	healthPath := params.Env.healthCheckPath()
	healthHandler := cfg.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	params.Mux.HandleFunc(healthPath, func(_ context.Context, w bh2.ResponseWriter, _ *http.Request) error {
		healthHandler(w, nil)
		return nil
	})

	params.Mux.HandleStd("GET /metrics", promhttp.HandlerFor(
		params.Registry, promhttp.HandlerOpts{}))

	handler := withTracing(
		params.TracerProv, params.Propagator, params.Env.serviceName(), healthPath,
	)(params.Mux)

	srv := &Server{
		env:      params.Env,
		protocol: params.Protocol,
		handler:  handler,
		logs:     params.Logger.Named("server"),
		metrics:  params.Metrics,
	}

	certFile, keyFile := params.Env.tlsCertFile(), params.Env.tlsKeyFile()
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load tls key pair")
		}
		srv.tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2"},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return srv, nil
}

// Start opens the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.env.port()))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if s.tlsConf != nil {
		ln = tls.NewListener(ln, s.tlsConf)
	}

	serveCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	go s.acceptLoop(serveCtx, ln)

	return nil
}

// Stop closes the listener, cancels in-flight connections and waits for
// them to drain, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if cancel != nil {
		cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for connections to drain")
	}
}

// Addr reports the listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.logs.Debug("accept loop ended", zap.Error(err))
			return
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()

			conn := bh2.NewConn(nc, s.protocol, s.handler, s.logs, s.metrics)
			if err := conn.Serve(ctx); err != nil {
				s.logs.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

// startServerHook registers lifecycle hooks for the server.
func startServerHook(lc fx.Lifecycle, server *Server, logger *zap.Logger, env Environment) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting server", zap.Int("port", env.port()))
			return server.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping server")
			return server.Stop(ctx)
		},
	})
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

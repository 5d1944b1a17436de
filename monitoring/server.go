package monitoring

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Version is reported by the HTTP health endpoint.
const Version = "0.1.0"

// ServiceName is the gRPC health service key of the engine.
const ServiceName = "genbft.Engine"

var ErrAlreadyRunning = errors.New("server is already running")

// Status reports whether the engine is serving.
type Status interface {
	Serving() bool
}

// StatusFunc adapts a function to Status.
type StatusFunc func() bool

func (f StatusFunc) Serving() bool { return f() }

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server    *http.Server
	status    Status
	startTime time.Time
	logger    zerolog.Logger
}

// NewMetricsServer creates a metrics server on addr. A nil gatherer serves the
// default Prometheus registry.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, status Status) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &MetricsServer{
		status:    status,
		startTime: time.Now(),
		logger:    log.With().Str("component", "metrics").Logger(),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.health)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *MetricsServer) health(w http.ResponseWriter, _ *http.Request) {
	if s.status != nil && !s.status.Serving() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT_SERVING"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK %s uptime=%ds", Version, int64(time.Since(s.startTime).Seconds()))
}

// Handler exposes the router, mainly for tests.
func (s *MetricsServer) Handler() http.Handler { return s.server.Handler }

// Start serves on the configured address (blocking).
func (s *MetricsServer) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartAsync serves in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error().Err(err).Str("addr", s.server.Addr).Msg("metrics server failed")
		}
	}()
}

// Stop closes the server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}

// HealthServer serves the standard gRPC health service. The engine service
// reports SERVING while its Status does.
type HealthServer struct {
	health     *health.Server
	status     Status
	grpcServer *grpc.Server
	listener   net.Listener
	interval   time.Duration

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewHealthServer creates a gRPC health server polling status every interval.
func NewHealthServer(status Status, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = time.Second
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		health:   hs,
		status:   status,
		interval: interval,
		logger:   log.With().Str("component", "health").Logger(),
	}
}

// StartAsync listens on address and serves in the background.
func (s *HealthServer) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.running = true
	s.stopCh = make(chan struct{})
	s.refresh()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("health server stopped")
		}
	}()
	go s.poll()
	return nil
}

// Addr returns the bound address once started.
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *HealthServer) poll() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *HealthServer) refresh() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.status == nil || s.status.Serving() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Stop marks every service NOT_SERVING and stops gracefully.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.mu.Unlock()
	s.wg.Wait()
}

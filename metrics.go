package k0fiscan

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/time/rate"
)

// -------------- Prometheus Metrics --------------

// Metrics holds all Prometheus metrics used by the scanner
type Metrics struct {
	ProbesTotal     *prometheus.CounterVec
	OpenPorts       *prometheus.CounterVec
	ActiveProbes    prometheus.Gauge
	ScanTargets     *prometheus.GaugeVec
	ScanDuration    *prometheus.HistogramVec
	OperationStatus *prometheus.CounterVec
}

// NewMetrics initializes and returns a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "k0fiscan_probes_total",
				Help: "Total number of completed TCP connect probes by outcome.",
			},
			[]string{"outcome"},
		),
		OpenPorts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "k0fiscan_open_ports_total",
				Help: "Total number of open ports discovered by service.",
			},
			[]string{"service"},
		),
		ActiveProbes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "k0fiscan_active_probes",
				Help: "Number of probes currently connecting.",
			},
		),
		ScanTargets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "k0fiscan_scan_targets",
				Help: "Number of (host, port) pairs in the current scan.",
			},
			[]string{"scan_id"},
		),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "k0fiscan_scan_duration_seconds",
				Help:    "Duration of scanning operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"operation_type"},
		),
		OperationStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "k0fiscan_operation_status_total",
				Help: "Operations by outcome: success or the error code of the failure.",
			},
			[]string{"operation", "status"},
		),
	}
}

// Register registers all metrics with reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ProbesTotal,
		m.OpenPorts,
		m.ActiveProbes,
		m.ScanTargets,
		m.ScanDuration,
		m.OperationStatus,
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) probeStarted() {
	if m != nil {
		m.ActiveProbes.Inc()
	}
}

func (m *Metrics) probeFinished(open bool, service string) {
	if m == nil {
		return
	}
	m.ActiveProbes.Dec()
	if open {
		m.ProbesTotal.WithLabelValues("open").Inc()
		m.OpenPorts.WithLabelValues(service).Inc()
		return
	}
	m.ProbesTotal.WithLabelValues("closed").Inc()
}

func (m *Metrics) operation(name string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = GetErrorCode(err).String()
	}
	m.OperationStatus.WithLabelValues(name, status).Inc()
}

// -------------- Metrics server --------------

// MetricsServerConfig describes how the /metrics endpoint is exposed.
type MetricsServerConfig struct {
	Port     string
	TLS      bool
	Hostname string
	CertDir  string
}

// StartMetricsServer serves the gatherer's metrics in the background. The
// caller owns shutdown of the returned server.
func StartMetricsServer(cfg MetricsServerConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := newMetricsMux(gatherer, logger, rate.NewLimiter(5, 10))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.TLS {
		certManager := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cfg.CertDir),
			HostPolicy: autocert.HostWhitelist(cfg.Hostname),
		}
		srv.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("port", cfg.Port), zap.Bool("tls", cfg.TLS))
		var err error
		if cfg.TLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server listen failed", zap.Error(err))
		}
	}()

	return srv
}

// newMetricsMux routes /metrics through the rate limiter and request logger
// and adds the /health and /version endpoints.
func newMetricsMux(gatherer prometheus.Gatherer, logger *zap.Logger, limiter *rate.Limiter) *http.ServeMux {
	var handler http.Handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	handler = rateLimitMiddleware(handler, limiter)
	handler = loggerMiddleware(handler, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "k0fiscan version %s\n", AppVersion)
	})
	return mux
}

// rateLimitMiddleware adds rate limiting to an HTTP handler
func rateLimitMiddleware(next http.Handler, limiter *rate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggerMiddleware adds request logging to an HTTP handler
func loggerMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{w, http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Package k0fiscan is a concurrent TCP connect port scanner. Open ports are
// annotated from a static service-probability database, and the same
// database ranks ports when no explicit range is given.
package k0fiscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AppVersion represents the application version
const AppVersion = "0.3.0"

// -------------- Application --------------

// App represents the scanner application with its dependencies
type App struct {
	Config   *Config
	Logger   *zap.Logger
	Metrics  *Metrics
	Registry *prometheus.Registry
	Catalog  *ServiceCatalog
	Resolver *Resolver
	Dialer   Dialer
	Progress ProgressSink
	Stdout   io.Writer
	Stderr   io.Writer
	scanID   string
}

// NewApp creates a new application instance
func NewApp(config *Config, logger *zap.Logger) (*App, error) {
	var catalog *ServiceCatalog
	var err error
	if config.ServicesFile != "" {
		catalog, err = LoadServicesFile(config.ServicesFile)
	} else {
		catalog, err = LoadServices()
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("Service database loaded", zap.Int("tcp_ports", catalog.Len()), zap.String("file", config.ServicesFile))

	var cacheTTL time.Duration
	if config.EnableCaching {
		cacheTTL = time.Duration(config.CacheTTL) * time.Minute
	}
	resolver, err := NewResolver(cacheTTL, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(registry); err != nil {
		return nil, err
	}

	scanID := uuid.New().String()
	return &App{
		Config:   config,
		Logger:   logger.With(zap.String("scan_id", scanID)),
		Metrics:  metrics,
		Registry: registry,
		Catalog:  catalog,
		Resolver: resolver,
		Progress: NewProgressSink(os.Stderr, config.ShowProgress),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		scanID:   scanID,
	}, nil
}

// ScanID identifies this run in logs, metrics and reports.
func (a *App) ScanID() string { return a.scanID }

// Close releases resources held by the application.
func (a *App) Close() {
	a.Resolver.Close()
}

// -------------- Logging Initialization --------------

// SetupLogger configures and initializes the logger. Logs go to stderr and,
// when LogDir is set, to a timestamped file; stdout carries only results.
func SetupLogger(config *Config) (*zap.Logger, error) {
	outputs := []string{"stderr"}
	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		timestamp := time.Now().Format("20060102_150405")
		outputs = append(outputs, filepath.Join(config.LogDir, fmt.Sprintf("k0fiscan_log_%s.log", timestamp)))
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encoderConfig
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(config.LogLevel))
	debug := strings.EqualFold(config.LogLevel, "debug")
	cfg.Development = debug

	// Per-probe debug logs are the bulk of the volume; sample them outside debug.
	if debug {
		cfg.Sampling = nil
	} else {
		cfg.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	}

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	return logger.With(
		zap.String("version", AppVersion),
		zap.String("pid", strconv.Itoa(os.Getpid())),
	), nil
}

// parseLogLevel converts a string log level to zapcore.Level
func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// -------------- Main --------------

// Run validates config, scans, and writes the results. Configuration errors
// are returned before any probe starts. An interrupt stops the scan early
// and the partial results are still written.
func Run(ctx context.Context, config *Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := config.Validate(); err != nil {
		return configError(err, "validate", "")
	}

	logger, err := SetupLogger(config)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	app, err := NewApp(config, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// Writes to a closed stdout must come back as EPIPE instead of killing us.
	signal.Ignore(syscall.SIGPIPE)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case s := <-sigChan:
			fmt.Fprintln(app.Stderr, "\nCtrl-C: stopping scan ...")
			app.Logger.Info("Received shutdown signal", zap.String("signal", s.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return app.Run(ctx)
}

// Run scans the configured targets and writes the results.
func (a *App) Run(ctx context.Context) error {
	hosts, err := a.Config.Hosts(ctx, a.Resolver)
	a.Metrics.operation("targets", err)
	if err != nil {
		return err
	}
	ports, err := a.Config.Ports(a.Catalog)
	if err != nil {
		return configError(err, "ports", a.Config.PortRange)
	}

	a.Logger.Info("k0fiscan starting",
		zap.Int("hosts", len(hosts)),
		zap.Int("ports", len(ports)),
		zap.Int("max_tasks", a.Config.MaxTasks),
		zap.Duration("probe_timeout", a.Config.ProbeTimeout()),
	)

	if a.Config.MetricsEnabled {
		srv := StartMetricsServer(MetricsServerConfig{
			Port:     a.Config.MetricsPort,
			TLS:      a.Config.MetricsTLS,
			Hostname: a.Config.MetricsHostname,
			CertDir:  a.Config.MetricsCertDir,
		}, a.Registry, a.Logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Warn("Metrics server shutdown error", zap.Error(err))
			}
		}()
	}

	started := time.Now()
	results := a.Scan(ctx, hosts, ports)
	var scanErr error
	if ctx.Err() != nil {
		scanErr = NewAppError(ctx.Err(), ErrCodeCancelled, "scan interrupted", "engine", "scan")
		a.Logger.Warn("Scan interrupted, writing partial results", zap.Int("open", len(results)))
	}
	a.Metrics.operation("scan", scanErr)

	if a.Config.PDFReport != "" {
		err := WritePDFReport(a.Config.PDFReport, ReportMeta{
			ScanID:   a.scanID,
			Started:  started,
			Duration: time.Since(started),
			Hosts:    len(hosts),
			Ports:    len(ports),
		}, results)
		a.Metrics.operation("report", err)
		if err != nil {
			fmt.Fprintf(a.Stderr, "Error writing PDF report: %v\n", err)
			a.Logger.Error("Failed to write report", zap.String("file", a.Config.PDFReport), zap.Error(err))
		}
	}

	return a.writeResults(results)
}

// Scan probes hosts x ports and returns the open ports in completion order.
func (a *App) Scan(ctx context.Context, hosts []netip.Addr, ports []uint16) []ScanResult {
	a.Metrics.ScanTargets.WithLabelValues(a.scanID).Set(float64(len(hosts) * len(ports)))

	prober := NewProber(a.Dialer, a.Config.ProbeTimeout(), a.Catalog, a.Logger)
	engine := NewEngine(prober, EngineOptions{
		MaxConcurrency: a.Config.MaxTasks,
		Progress:       a.Progress,
		Metrics:        a.Metrics,
		Logger:         a.Logger,
	})
	return engine.Run(ctx, hosts, ports)
}

// writeResults reports output failures on stderr without failing the run;
// a closed pipe is an ordinary early exit.
func (a *App) writeResults(results []ScanResult) error {
	err := WriteResults(a.Stdout, a.Config.Output, results)
	if err != nil {
		err = NewAppError(err, ErrCodeOutput, "failed to write results", "output", "write_results").WithTarget(a.Config.Output)
	}
	a.Metrics.operation("output", err)
	switch {
	case err == nil:
	case IsBrokenPipe(err):
		a.Logger.Debug("Output closed by reader", zap.Error(err))
	default:
		fmt.Fprintf(a.Stderr, "Error writing %s: %v\n", a.Config.Output, errors.Unwrap(err))
		a.Logger.Error("Failed to write results", zap.String("format", a.Config.Output), zap.Error(err))
	}
	return nil
}

package k0fiscan

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency is the number of probes run at once when the
// caller does not set one.
const DefaultMaxConcurrency = 500

// EngineOptions configures an Engine. Zero values get defaults.
type EngineOptions struct {
	MaxConcurrency int
	Progress       ProgressSink
	Metrics        *Metrics
	Logger         *zap.Logger
}

// Engine probes the cross product of hosts and ports, keeping at most
// MaxConcurrency probes in flight.
type Engine struct {
	prober         *Prober
	maxConcurrency int
	progress       ProgressSink
	metrics        *Metrics
	logger         *zap.Logger
}

// outcome is what a probe goroutine reports when it finishes.
type outcome struct {
	result ScanResult
	open   bool
}

// NewEngine creates a new Engine instance
func NewEngine(prober *Prober, opts EngineOptions) *Engine {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Progress == nil {
		opts.Progress = NopProgress{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		prober:         prober,
		maxConcurrency: opts.MaxConcurrency,
		progress:       opts.Progress,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With(zap.String("component", "engine")),
	}
}

// Run probes every (host, port) pair once and returns the open ones in the
// order their probes completed. Cancelling ctx stops new probes from
// starting and makes Run return the results collected so far; it is not
// treated as an error.
func (e *Engine) Run(ctx context.Context, hosts []netip.Addr, ports []uint16) []ScanResult {
	total := int64(len(hosts)) * int64(len(ports))
	results := make([]ScanResult, 0)

	e.progress.Start(total)
	defer e.progress.Finish()

	if total == 0 || ctx.Err() != nil {
		return results
	}

	limit := min(int64(e.maxConcurrency), total)
	start := time.Now()
	e.logger.Info("Starting scan",
		zap.Int("hosts", len(hosts)),
		zap.Int("ports", len(ports)),
		zap.Int64("targets", total),
		zap.Int64("concurrency", limit),
	)

	outcomes := make(chan outcome, limit)
	go e.dispatch(ctx, hosts, ports, semaphore.NewWeighted(limit), outcomes)

	var finished int64
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Scan cancelled",
				zap.Int64("finished", finished),
				zap.Int64("targets", total),
				zap.Int("open", len(results)),
			)
			e.observe(start)
			return results
		case o, ok := <-outcomes:
			if !ok {
				e.logger.Info("Scan completed",
					zap.Duration("duration", time.Since(start)),
					zap.Int64("finished", finished),
					zap.Int("open", len(results)),
				)
				e.observe(start)
				return results
			}
			finished++
			e.progress.Increment()
			if o.open {
				results = append(results, o.result)
			}
		}
	}
}

// dispatch starts one probe per target, host-major and port-minor. A probe
// starts only once sem has a free slot, so targets are produced lazily.
// outcomes is closed after every started probe has reported.
func (e *Engine) dispatch(ctx context.Context, hosts []netip.Addr, ports []uint16, sem *semaphore.Weighted, outcomes chan<- outcome) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(outcomes)
	}()

	for _, host := range hosts {
		for _, port := range ports {
			if ctx.Err() != nil {
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}

			wg.Add(1)
			go func(target ScanTarget) {
				defer wg.Done()
				defer sem.Release(1)
				e.probe(ctx, target, outcomes)
			}(ScanTarget{Host: host, Port: port})
		}
	}
}

func (e *Engine) probe(ctx context.Context, target ScanTarget, outcomes chan<- outcome) {
	e.metrics.probeStarted()
	result, open := e.prober.Probe(ctx, target)
	e.metrics.probeFinished(open, result.ServiceName)

	if open {
		e.logger.Debug("Open port",
			zap.String("host", target.Host.String()),
			zap.Uint16("port", target.Port),
			zap.String("service", result.ServiceName),
		)
	}

	select {
	case outcomes <- outcome{result: result, open: open}:
	case <-ctx.Done():
	}
}

func (e *Engine) observe(start time.Time) {
	if e.metrics != nil {
		e.metrics.ScanDuration.WithLabelValues("tcp_connect_scan").Observe(time.Since(start).Seconds())
	}
}

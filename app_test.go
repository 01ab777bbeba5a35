package k0fiscan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func newTestApp(t *testing.T, config *Config) (*App, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	app, err := NewApp(config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(app.Close)

	var stdout, stderr bytes.Buffer
	app.Stdout = &stdout
	app.Stderr = &stderr
	app.Progress = NopProgress{}
	return app, &stdout, &stderr
}

func TestApp_RunLoopback(t *testing.T) {
	_, port := listenLoopback(t)

	config := DefaultConfig()
	config.Target = "127.0.0.1"
	config.PortRange = fmt.Sprintf("%d:%d", port-1, port)
	config.Output = OutputJSON
	config.EnableCaching = false
	config.ShowProgress = false
	config.ProbeTimeoutMillis = 300
	if err := config.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	app, stdout, stderr := newTestApp(t, config)
	if app.ScanID() == "" {
		t.Fatal("scan id not set")
	}

	if err := app.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var results []ScanResult
	if err := json.Unmarshal(stdout.Bytes(), &results); err != nil {
		t.Fatalf("stdout is not a JSON result list: %v\n%s", err, stdout.String())
	}
	found := false
	for _, r := range results {
		if r.Port == port && r.Host == loopback {
			found = true
		}
	}
	if !found {
		t.Fatalf("listening port %d missing from %+v", port, results)
	}
	if stderr.Len() != 0 {
		t.Fatalf("unexpected stderr output: %q", stderr.String())
	}

	if got := testutil.ToFloat64(app.Metrics.ProbesTotal.WithLabelValues("open")); got < 1 {
		t.Fatalf("open probes metric = %v", got)
	}
	if got := testutil.ToFloat64(app.Metrics.ScanTargets.WithLabelValues(app.ScanID())); got != 2 {
		t.Fatalf("scan targets metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(app.Metrics.OperationStatus.WithLabelValues("output", "success")); got != 1 {
		t.Fatalf("output status metric = %v, want 1", got)
	}
}

func TestApp_RunCancelledWritesEmptyResults(t *testing.T) {
	config := DefaultConfig()
	config.Network = "10.255.0.0/28"
	config.Output = OutputJSON
	config.EnableCaching = false

	app, stdout, _ := newTestApp(t, config)
	app.Dialer = &fakeDialer{delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := app.Run(ctx); err != nil {
		t.Fatalf("cancelled run should not fail: %v", err)
	}
	if got := stdout.String(); got != "[]\n" {
		t.Fatalf("got %q, want empty JSON list", got)
	}
	if got := testutil.ToFloat64(app.Metrics.OperationStatus.WithLabelValues("scan", ErrCodeCancelled.String())); got != 1 {
		t.Fatalf("cancelled scan status metric = %v, want 1", got)
	}
}

func TestApp_RunInvalidTargetFails(t *testing.T) {
	config := DefaultConfig()
	config.Network = "10.0.0.0/8"
	config.EnableCaching = false

	app, stdout, _ := newTestApp(t, config)
	err := app.Run(context.Background())
	if !errors.Is(err, ErrTooManyHosts) || !IsConfigurationError(err) {
		t.Fatalf("got %v, want configuration error for too many hosts", err)
	}
	if stdout.Len() != 0 {
		t.Fatalf("results written despite configuration error: %q", stdout.String())
	}
}

func TestRun_ConfigurationErrors(t *testing.T) {
	cases := map[string]struct {
		config *Config
		want   error
	}{
		"missing target": {DefaultConfig(), ErrMissingTarget},
		"bad port range": {func() *Config {
			c := DefaultConfig()
			c.Target = "127.0.0.1"
			c.PortRange = "10:1"
			return c
		}(), ErrInvalidPortRange},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Run(context.Background(), tc.config)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if !IsConfigurationError(err) {
				t.Fatalf("%v is not a configuration error", err)
			}
		})
	}
}

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }

func TestApp_WriteResultsErrors(t *testing.T) {
	config := DefaultConfig()
	config.Output = OutputJSON
	config.EnableCaching = false

	t.Run("broken pipe is silent", func(t *testing.T) {
		app, _, stderr := newTestApp(t, config)
		app.Stdout = errWriter{err: &wrappedErr{syscall.EPIPE}}

		if err := app.writeResults(sampleResults()); err != nil {
			t.Fatalf("broken pipe should not fail the run: %v", err)
		}
		if stderr.Len() != 0 {
			t.Fatalf("broken pipe reported: %q", stderr.String())
		}
	})

	t.Run("other errors are reported", func(t *testing.T) {
		app, _, stderr := newTestApp(t, config)
		app.Stdout = errWriter{err: io.ErrShortWrite}

		if err := app.writeResults(sampleResults()); err != nil {
			t.Fatalf("write errors should not fail the run: %v", err)
		}
		if !bytes.Contains(stderr.Bytes(), []byte("Error writing json: short write")) {
			t.Fatalf("stderr = %q", stderr.String())
		}
		if got := testutil.ToFloat64(app.Metrics.OperationStatus.WithLabelValues("output", ErrCodeOutput.String())); got != 1 {
			t.Fatalf("output failure metric = %v, want 1", got)
		}
	})
}

// wrappedErr mimics the *os.PathError a closed stdout returns.
type wrappedErr struct{ err error }

func (e *wrappedErr) Error() string { return "write /dev/stdout: " + e.err.Error() }
func (e *wrappedErr) Unwrap() error { return e.err }

func TestIsBrokenPipe(t *testing.T) {
	if !IsBrokenPipe(fmt.Errorf("write: %w", syscall.EPIPE)) || !IsBrokenPipe(io.ErrClosedPipe) {
		t.Fatal("broken pipe not recognised")
	}
	if IsBrokenPipe(io.ErrShortWrite) || IsBrokenPipe(nil) {
		t.Fatal("unrelated error treated as broken pipe")
	}
}

func TestNewApp_ServicesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nmap-services")
	data := "custom\t4444/tcp\t0.9\t# Site specific\nhttp\t80/tcp\t0.5\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig()
	config.EnableCaching = false
	config.ServicesFile = path
	app, _, _ := newTestApp(t, config)

	if app.Catalog.Len() != 2 {
		t.Fatalf("catalog has %d entries, want the 2 from the file", app.Catalog.Len())
	}
	if entry, ok := app.Catalog.Lookup(4444); !ok || entry.Name != "custom" {
		t.Fatalf("port 4444: got %+v", entry)
	}

	config.ServicesFile = filepath.Join(t.TempDir(), "missing")
	if _, err := NewApp(config, zaptest.NewLogger(t)); !IsConfigurationError(err) {
		t.Fatalf("missing services file: got %v, want configuration error", err)
	}
}

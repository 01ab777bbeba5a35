package k0fiscan

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestMetricsMux_Endpoints(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.probeStarted()
	m.probeFinished(true, "ssh")

	srv := httptest.NewServer(newMetricsMux(reg, zaptest.NewLogger(t), rate.NewLimiter(rate.Inf, 1)))
	defer srv.Close()

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status %d", code)
	}
	for _, want := range []string{
		`k0fiscan_probes_total{outcome="open"} 1`,
		`k0fiscan_open_ports_total{service="ssh"} 1`,
		`k0fiscan_active_probes 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	if code, body := get(t, srv.URL+"/health"); code != http.StatusOK || body != "OK" {
		t.Fatalf("/health = %d %q", code, body)
	}
	if code, body := get(t, srv.URL+"/version"); code != http.StatusOK || !strings.Contains(body, AppVersion) {
		t.Fatalf("/version = %d %q", code, body)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(ok, rate.NewLimiter(rate.Every(time.Hour), 3))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d within burst got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request after burst got %d, want 429", rec.Code)
	}
}

func TestLoggerMiddleware_RecordsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	teapot := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	loggerMiddleware(teapot, zap.New(core)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d request logs, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) || fields["path"] != "/metrics" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetrics_OperationStatusByCode(t *testing.T) {
	m := NewMetrics()
	m.operation("scan", nil)
	m.operation("scan", NewAppError(errors.New("interrupted"), ErrCodeCancelled, "scan interrupted", "engine", "scan"))
	m.operation("output", errors.New("plain failure"))

	cases := []struct {
		op, status string
	}{
		{"scan", "success"},
		{"scan", "cancelled"},
		{"output", "unknown"},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(m.OperationStatus.WithLabelValues(tc.op, tc.status)); got != 1 {
			t.Errorf("%s/%s = %v, want 1", tc.op, tc.status, got)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.operation("scan", nil)
	nilMetrics.probeStarted()
	nilMetrics.probeFinished(true, "http")
}

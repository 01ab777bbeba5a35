package k0fiscan

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleResults() []ScanResult {
	return []ScanResult{
		{Host: netip.MustParseAddr("192.168.1.10"), Port: 22, ServiceName: "ssh", Comment: "Secure Shell Login"},
		{Host: netip.MustParseAddr("192.168.1.10"), Port: 8080, ServiceName: "http-proxy", Comment: strings.Repeat("c", 60) + Ellipsis},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleResults()); err != nil {
		t.Fatalf("write: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d objects", len(decoded))
	}
	first := decoded[0]
	if first["ip"] != "192.168.1.10" || first["port"] != float64(22) ||
		first["service_name"] != "ssh" || first["comment"] != "Secure Shell Login" {
		t.Fatalf("unexpected object %v", first)
	}
	if len(first) != 4 {
		t.Fatalf("unexpected keys in %v", first)
	}
}

func TestWriteJSON_Empty(t *testing.T) {
	for _, results := range [][]ScanResult{nil, {}} {
		var buf bytes.Buffer
		if err := WriteJSON(&buf, results); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := strings.TrimSpace(buf.String()); got != "[]" {
			t.Fatalf("got %q, want []", got)
		}
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTable(&buf, sampleResults()); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"IP", "PORT", "SERVICE", "COMMENT", "192.168.1.10", "8080", "http-proxy", "Secure Shell Login"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestWriteResults_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResults(&buf, "csv", sampleResults()); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("got %v, want ErrInvalidOutput", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %q for an unknown format", buf.String())
	}
}

func TestWritePDFReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	meta := ReportMeta{
		ScanID:   "test-scan",
		Started:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration: 1500 * time.Millisecond,
		Hosts:    1,
		Ports:    1024,
	}
	if err := WritePDFReport(path, meta, sampleResults()); err != nil {
		t.Fatalf("report: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("report does not look like a PDF: %q", data[:min(len(data), 16)])
	}
}

package k0fiscan

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// MaxCommentLen is the display width of ScanResult.Comment.
	MaxCommentLen = 60
	// Ellipsis marks a truncated comment.
	Ellipsis = "…"

	DefaultProbeTimeout = 300 * time.Millisecond
)

// ScanTarget is a single (host, port) pair handed to one probe.
type ScanTarget struct {
	Host netip.Addr
	Port uint16
}

// Address returns the dialable host:port form of the target.
func (t ScanTarget) Address() string {
	return net.JoinHostPort(t.Host.String(), strconv.Itoa(int(t.Port)))
}

// ScanResult is an open port annotated from the service catalog.
type ScanResult struct {
	Host        netip.Addr `json:"ip"`
	Port        uint16     `json:"port"`
	ServiceName string     `json:"service_name"`
	Comment     string     `json:"comment"`
}

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober performs TCP connect probes against single targets.
type Prober struct {
	dialer  Dialer
	timeout time.Duration
	catalog *ServiceCatalog
	logger  *zap.Logger
}

// NewProber creates a Prober. A nil dialer uses a zero net.Dialer and a
// non-positive timeout falls back to DefaultProbeTimeout.
func NewProber(dialer Dialer, timeout time.Duration, catalog *ServiceCatalog, logger *zap.Logger) *Prober {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		dialer:  dialer,
		timeout: timeout,
		catalog: catalog,
		logger:  logger.With(zap.String("component", "prober")),
	}
}

// Probe tries to connect to target within the probe timeout. It reports
// false when ctx is already done, the connection is refused or
// unreachable, or the timeout elapses; those cases are not distinguished.
func (p *Prober) Probe(ctx context.Context, target ScanTarget) (ScanResult, bool) {
	if ctx.Err() != nil {
		return ScanResult{}, false
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", target.Address())
	if err != nil {
		if ce := p.logger.Check(zap.DebugLevel, "Probe failed"); ce != nil {
			ce.Write(zap.String("target", target.Address()), zap.Error(err))
		}
		return ScanResult{}, false
	}
	conn.Close()

	return p.annotate(target), true
}

func (p *Prober) annotate(target ScanTarget) ScanResult {
	name, comment := UnknownService, ""
	if entry, ok := p.catalog.Lookup(target.Port); ok {
		name, comment = entry.Name, entry.Comment
	}
	return ScanResult{
		Host:        target.Host,
		Port:        target.Port,
		ServiceName: name,
		Comment:     TruncateComment(comment, MaxCommentLen),
	}
}

// TruncateComment shortens s to max characters followed by Ellipsis.
// Trailing whitespace left at the cut is dropped before the marker.
func TruncateComment(s string, max int) string {
	if max < 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:max]), " \t") + Ellipsis
}

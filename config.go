package k0fiscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Output formats
const (
	OutputTable = "table"
	OutputJSON  = "json"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "K0FISCAN_"

// Config represents the configuration for a scan run
type Config struct {
	// Target selection; exactly one of these is used
	Target  string `json:"target"`
	Network string `json:"network"`
	StartIP string `json:"start_ip"`
	EndIP   string `json:"end_ip"`
	IPList  string `json:"ip_list"`

	// Port selection; PortRange wins over TopPorts when set
	PortRange string  `json:"port_range"`
	TopPorts  float64 `json:"top_ports"`

	// ServicesFile replaces the embedded service database when set
	ServicesFile string `json:"services_file"`

	// Probing
	MaxTasks           int  `json:"max_tasks"`
	ProbeTimeoutMillis int  `json:"probe_timeout_millis"`
	EnableCaching      bool `json:"enable_caching"`
	CacheTTL           int  `json:"cache_ttl_minutes"`

	// Output
	Output       string `json:"output"`
	PDFReport    string `json:"pdf_report"`
	ShowProgress bool   `json:"show_progress"`

	// Logging configuration
	LogDir   string `json:"log_dir"`
	LogLevel string `json:"log_level"`

	// Metrics configuration
	MetricsEnabled  bool   `json:"metrics_enabled"`
	MetricsPort     string `json:"metrics_port"`
	MetricsTLS      bool   `json:"metrics_tls"`
	MetricsHostname string `json:"metrics_hostname"`
	MetricsCertDir  string `json:"metrics_cert_dir"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		TopPorts: 10,

		MaxTasks:           DefaultMaxConcurrency,
		ProbeTimeoutMillis: int(DefaultProbeTimeout / time.Millisecond),
		EnableCaching:      true,
		CacheTTL:           10,

		Output:       OutputTable,
		ShowProgress: true,

		LogLevel: "warn",

		MetricsEnabled:  false,
		MetricsPort:     "9464",
		MetricsHostname: "localhost",
		MetricsCertDir:  "certs",
	}
}

// LoadConfig loads configuration from a JSON file on top of the defaults
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %v", ErrInvalidConfig, err)
	}
	return config, nil
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from K0FISCAN_* variables found by lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, key, v)
		}
		*dst = b
		return nil
	}

	str("PORT_RANGE", &c.PortRange)
	str("OUTPUT", &c.Output)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_DIR", &c.LogDir)
	str("METRICS_PORT", &c.MetricsPort)
	str("SERVICES_FILE", &c.ServicesFile)

	if v, ok := lookup(EnvPrefix + "TOP_PORTS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %sTOP_PORTS=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		c.TopPorts = f
	}

	return errors.Join(
		integer("MAX_TASKS", &c.MaxTasks),
		integer("TIMEOUT_MS", &c.ProbeTimeoutMillis),
		boolean("METRICS", &c.MetricsEnabled),
		boolean("CACHE", &c.EnableCaching),
	)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if (c.StartIP == "") != (c.EndIP == "") {
		return fmt.Errorf("%w: start and end address must be given together", ErrInvalidHostRange)
	}

	selected := 0
	for _, set := range []bool{c.Target != "", c.Network != "", c.StartIP != "", c.IPList != ""} {
		if set {
			selected++
		}
	}
	switch {
	case selected == 0:
		return ErrMissingTarget
	case selected > 1:
		return ErrConflictingTargets
	}

	if c.PortRange != "" {
		if _, err := ParsePortRange(c.PortRange); err != nil {
			return err
		}
	}

	if math.IsNaN(c.TopPorts) || c.TopPorts < 0 || c.TopPorts > 100 {
		return fmt.Errorf("%w: %v is outside 0-100", ErrInvalidTopPorts, c.TopPorts)
	}

	if c.MaxTasks < 1 {
		return fmt.Errorf("%w: max tasks %d", ErrInvalidConcurrency, c.MaxTasks)
	}

	if c.ProbeTimeoutMillis < 1 {
		return fmt.Errorf("%w: %dms", ErrInvalidTimeout, c.ProbeTimeoutMillis)
	}

	c.Output = strings.ToLower(strings.TrimSpace(c.Output))
	if c.Output != OutputTable && c.Output != OutputJSON {
		return fmt.Errorf("%w: %q (want table or json)", ErrInvalidOutput, c.Output)
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error" {
		c.LogLevel = "warn"
	}

	if c.MetricsEnabled && c.MetricsTLS && c.MetricsHostname == "" {
		return fmt.Errorf("%w: metrics TLS needs a hostname", ErrInvalidConfig)
	}

	return nil
}

// ProbeTimeout returns the per-probe deadline.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMillis) * time.Millisecond
}

// Hosts expands the selected target option into a flat address list.
func (c *Config) Hosts(ctx context.Context, resolver *Resolver) ([]netip.Addr, error) {
	switch {
	case c.Target != "":
		addr, err := ParseTarget(c.Target)
		if err != nil {
			return nil, err
		}
		return []netip.Addr{addr}, nil
	case c.Network != "":
		return ExpandCIDR(c.Network)
	case c.StartIP != "":
		start, err := ParseTarget(c.StartIP)
		if err != nil {
			return nil, err
		}
		end, err := ParseTarget(c.EndIP)
		if err != nil {
			return nil, err
		}
		return AddrRange(start, end)
	case c.IPList != "":
		return ParseHostList(ctx, c.IPList, resolver)
	}
	return nil, ErrMissingTarget
}

// Ports returns the explicit port range, or the top ports of catalog.
func (c *Config) Ports(catalog *ServiceCatalog) ([]uint16, error) {
	if c.PortRange != "" {
		return ParsePortRange(c.PortRange)
	}
	return TopPorts(catalog, c.TopPorts), nil
}

package k0fiscan

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

//go:embed data/nmap-services
var servicesData []byte

// UnknownService is reported for open ports missing from the catalog.
const UnknownService = "unknown"

// ServiceEntry describes one well-known TCP port.
type ServiceEntry struct {
	Port        uint16
	Name        string
	Comment     string
	Probability float64
}

// ServiceCatalog maps TCP ports to service metadata. It is never mutated
// after construction, so probes share it without locking.
type ServiceCatalog struct {
	entries map[uint16]ServiceEntry
}

// NewServiceCatalog builds a catalog from entries. Later entries for the
// same port replace earlier ones.
func NewServiceCatalog(entries ...ServiceEntry) *ServiceCatalog {
	c := &ServiceCatalog{entries: make(map[uint16]ServiceEntry, len(entries))}
	for _, e := range entries {
		c.entries[e.Port] = e
	}
	return c
}

// LoadServices parses the service database compiled into the binary.
func LoadServices() (*ServiceCatalog, error) {
	catalog, err := ParseServices(bytes.NewReader(servicesData))
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded service database: %w", err)
	}
	return catalog, nil
}

// LoadServicesFile parses an nmap-services file from disk, such as the full
// database installed with nmap. A file without any tcp row is rejected.
func LoadServicesFile(path string) (*ServiceCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, configError(fmt.Errorf("%w: %v", ErrInvalidConfig, err), "load_services", path)
	}
	defer f.Close()

	catalog, err := ParseServices(f)
	if err != nil {
		return nil, configError(fmt.Errorf("%w: %v", ErrInvalidConfig, err), "load_services", path)
	}
	if catalog.Len() == 0 {
		return nil, configError(fmt.Errorf("%w: no tcp services found", ErrInvalidConfig), "load_services", path)
	}
	return catalog, nil
}

// ParseServices reads an nmap-services formatted database:
//
//	name  port/protocol  probability  [# comment]
//
// Only tcp rows are kept. Rows that fail to parse are skipped; the only
// error returned is a failure to read r.
func ParseServices(r io.Reader) (*ServiceCatalog, error) {
	catalog := &ServiceCatalog{entries: make(map[uint16]ServiceEntry)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		entry, ok := parseServiceLine(scanner.Text())
		if !ok {
			continue
		}
		catalog.entries[entry.Port] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func parseServiceLine(line string) (ServiceEntry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ServiceEntry{}, false
	}

	fieldsPart, comment := line, ""
	if i := strings.IndexByte(line, '#'); i >= 0 {
		fieldsPart = line[:i]
		comment = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line[i+1:]), "#"))
	}

	fields := strings.Fields(fieldsPart)
	if len(fields) < 3 {
		return ServiceEntry{}, false
	}

	portStr, proto, found := strings.Cut(fields[1], "/")
	if !found || proto != "tcp" {
		return ServiceEntry{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ServiceEntry{}, false
	}
	probability, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return ServiceEntry{}, false
	}

	return ServiceEntry{
		Port:        uint16(port),
		Name:        fields[0],
		Comment:     comment,
		Probability: probability,
	}, true
}

// Lookup returns the entry for port, if the catalog knows it.
func (c *ServiceCatalog) Lookup(port uint16) (ServiceEntry, bool) {
	if c == nil {
		return ServiceEntry{}, false
	}
	e, ok := c.entries[port]
	return e, ok
}

// Len returns the number of known ports.
func (c *ServiceCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns a copy of all entries ordered by port.
func (c *ServiceCatalog) Entries() []ServiceEntry {
	if c == nil {
		return nil
	}
	out := make([]ServiceEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

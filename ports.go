package k0fiscan

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParsePortRange parses "start:end" into the inclusive list of ports.
// Both bounds must be non-zero and start must be below end; surrounding
// whitespace is not accepted.
func ParsePortRange(s string) ([]uint16, error) {
	invalid := func(detail string) ([]uint16, error) {
		return nil, validationError(fmt.Errorf("%w: %s", ErrInvalidPortRange, detail), "parse_port_range", s)
	}

	startStr, endStr, found := strings.Cut(s, ":")
	if !found {
		return invalid(fmt.Sprintf("%q should be <start:end>", s))
	}

	start, err := strconv.ParseUint(startStr, 10, 16)
	if err != nil {
		return invalid(fmt.Sprintf("start %q is not a port number", startStr))
	}
	end, err := strconv.ParseUint(endStr, 10, 16)
	if err != nil {
		return invalid(fmt.Sprintf("end %q is not a port number", endStr))
	}

	if start == 0 || end == 0 {
		return invalid("port 0 is not valid")
	}
	if start >= end {
		return invalid(fmt.Sprintf("start %d should be less than end %d", start, end))
	}

	ports := make([]uint16, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, uint16(p))
	}
	return ports, nil
}

// TopPorts returns the floor(len*percent/100) ports most likely to be open,
// highest probability first. Equal probabilities are ordered by port number
// so the ranking is identical on every call. percent is clamped to [0, 100].
func TopPorts(catalog *ServiceCatalog, percent float64) []uint16 {
	ranked := catalog.Entries()
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Probability != ranked[j].Probability {
			return ranked[i].Probability > ranked[j].Probability
		}
		return ranked[i].Port < ranked[j].Port
	})

	if math.IsNaN(percent) {
		percent = 0
	}
	percent = math.Max(0, math.Min(100, percent))
	k := int(math.Floor(float64(len(ranked)) * percent / 100))

	ports := make([]uint16, k)
	for i := 0; i < k; i++ {
		ports[i] = ranked[i].Port
	}
	return ports
}

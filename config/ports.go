package config

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Start uint16
	End   uint16
}

// ParsePortRange parses "start-end", e.g. "5008-65535".
func ParsePortRange(s string) (PortRange, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return PortRange{}, ErrMissingSeparator
	}
	start, err := parsePort(startStr)
	if err != nil {
		return PortRange{}, err
	}
	end, err := parsePort(endStr)
	if err != nil {
		return PortRange{}, err
	}
	if start > end {
		return PortRange{}, ErrStartAfterEnd
	}
	return PortRange{Start: start, End: end}, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("the start and end of the port range should be integers in the range 0-65535: %w", err)
	}
	return uint16(p), nil
}

// Random picks a port uniformly from the range.
// Ports already in use are not taken into account.
func (r PortRange) Random() int {
	n := int(r.End) - int(r.Start) + 1
	return int(r.Start) + rand.Intn(n)
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

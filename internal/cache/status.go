package cache

import (
	"fmt"
	"sort"
)

// ServerStatus is the last known state of one backend node.
type ServerStatus int

const (
	StatusUnknown ServerStatus = -1
	StatusDown    ServerStatus = 0
	StatusUp      ServerStatus = 1
)

func (s ServerStatus) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

func (s ServerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ServerStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "up":
		*s = StatusUp
	case "down":
		*s = StatusDown
	case "unknown":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown server status %q", text)
	}
	return nil
}

// localServer is the health record key of the single-node backend.
const localServer = "local"

// Health maps host:port to node status. It is rebuilt on every probe.
type Health map[string]ServerStatus

// Count returns how many nodes are in state s.
func (h Health) Count(s ServerStatus) int {
	n := 0
	for _, st := range h {
		if st == s {
			n++
		}
	}
	return n
}

// Servers returns the node identifiers in sorted order.
func (h Health) Servers() []string {
	out := make([]string, 0, len(h))
	for addr := range h {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func unknownHealth(servers []Server) Health {
	h := make(Health, len(servers))
	for _, srv := range servers {
		h[srv.Addr()] = StatusUnknown
	}
	return h
}

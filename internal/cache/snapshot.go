package cache

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// NetworkKey is the site key of a network-wide snapshot. When present it
// takes precedence over every per-host snapshot.
const NetworkKey = "network"

const (
	hostSeparator = ","
	portSeparator = ":"
)

// InvalidationMethod selects how Clear behaves when given a resource ID.
type InvalidationMethod int

const (
	// InvalidateFlush drops the whole namespace on every clear.
	InvalidateFlush InvalidationMethod = iota
	// InvalidateTargeted deletes only the entries of the changed resource.
	InvalidateTargeted
)

func (m InvalidationMethod) String() string {
	if m == InvalidateTargeted {
		return "targeted"
	}
	return "flush"
}

func (m InvalidationMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *InvalidationMethod) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "0", "flush", "full", "full_flush":
		*m = InvalidateFlush
	case "1", "targeted", "post", "resource":
		*m = InvalidateTargeted
	default:
		return fmt.Errorf("unknown invalidation method %q", text)
	}
	return nil
}

// UnmarshalJSON accepts the method name or its number, 0 or 1.
func (m *InvalidationMethod) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return m.UnmarshalText([]byte(name))
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalidation method must be a name or 0/1, got %s", data)
	}
	return m.UnmarshalText([]byte(strconv.Itoa(n)))
}

// Server is one backend node.
type Server struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns the node's host:port identifier.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseServers parses a "host:port,host:port" list.
func ParseServers(list string) ([]Server, error) {
	var servers []Server
	for _, part := range strings.Split(list, hostSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.LastIndex(part, portSeparator)
		if i <= 0 || i == len(part)-1 {
			return nil, fmt.Errorf("server %q: want host%sport", part, portSeparator)
		}
		port, err := strconv.Atoi(part[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("server %q: invalid port", part)
		}
		servers = append(servers, Server{Host: strings.Trim(part[:i], "[]"), Port: port})
	}
	return servers, nil
}

// Snapshot is the configuration of one Client. It is copied on construction;
// changing it requires a new Client.
type Snapshot struct {
	CacheType          string             `json:"cache_type" yaml:"cache_type"`
	Servers            []Server           `json:"servers,omitempty" yaml:"servers,omitempty"`
	Hosts              string             `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Expire             int                `json:"expire" yaml:"expire"` // seconds
	Persistent         bool               `json:"persistent" yaml:"persistent"`
	PrefixData         string             `json:"prefix_data" yaml:"prefix_data"`
	PrefixMeta         string             `json:"prefix_meta" yaml:"prefix_meta"`
	InvalidationMethod InvalidationMethod `json:"invalidation_method" yaml:"invalidation_method"`
	TimeoutMS          int                `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RedisPassword      string             `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB            int                `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
}

// DefaultSnapshot mirrors the defaults the settings form starts from.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		CacheType:          string(KindMemcached),
		Servers:            []Server{{Host: "127.0.0.1", Port: 11211}},
		Expire:             300,
		Persistent:         false,
		PrefixData:         "data-",
		PrefixMeta:         "meta-",
		InvalidationMethod: InvalidateFlush,
		TimeoutMS:          500,
	}
}

// IsZero reports whether the snapshot carries no configuration at all.
func (s Snapshot) IsZero() bool {
	return s.CacheType == "" && len(s.Servers) == 0 && s.Hosts == "" &&
		s.PrefixData == "" && s.PrefixMeta == "" && s.Expire == 0
}

// TTL returns the entry lifetime.
func (s Snapshot) TTL() time.Duration {
	if s.Expire <= 0 {
		return 0
	}
	return time.Duration(s.Expire) * time.Second
}

// Timeout returns the per-call network timeout for clustered backends.
func (s Snapshot) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// ServerList returns Servers followed by the nodes of the Hosts shorthand
// that are not already listed.
func (s Snapshot) ServerList() ([]Server, error) {
	servers := append([]Server(nil), s.Servers...)
	if s.Hosts == "" {
		return servers, nil
	}
	extra, err := ParseServers(s.Hosts)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(servers))
	for _, srv := range servers {
		seen[srv.Addr()] = true
	}
	for _, srv := range extra {
		if !seen[srv.Addr()] {
			seen[srv.Addr()] = true
			servers = append(servers, srv)
		}
	}
	return servers, nil
}

func (s Snapshot) clone() Snapshot {
	s.Servers = append([]Server(nil), s.Servers...)
	return s
}

// Resolve picks the snapshot for hostKey: the network-wide snapshot if one
// exists, otherwise the host's own.
func Resolve(sites map[string]Snapshot, hostKey string) (Snapshot, error) {
	if snap, ok := sites[NetworkKey]; ok && !snap.IsZero() {
		return snap.clone(), nil
	}
	if snap, ok := sites[hostKey]; ok && !snap.IsZero() {
		return snap.clone(), nil
	}
	return Snapshot{}, fmt.Errorf("%w for site %q", ErrConfiguration, hostKey)
}

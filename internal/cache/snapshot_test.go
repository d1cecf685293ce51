package cache

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestParseServers(t *testing.T) {
	got, err := ParseServers("10.0.0.1:11211, 10.0.0.2:11212,,[::1]:6379")
	if err != nil {
		t.Fatalf("ParseServers failed: %v", err)
	}
	want := []Server{
		{Host: "10.0.0.1", Port: 11211},
		{Host: "10.0.0.2", Port: 11212},
		{Host: "::1", Port: 6379},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("servers mismatch (-want +got):\n%s", diff)
	}
	if got[2].Addr() != "[::1]:6379" {
		t.Fatalf("Addr() = %q", got[2].Addr())
	}
}

func TestParseServers_Invalid(t *testing.T) {
	for _, in := range []string{"localhost", ":11211", "host:", "host:abc", "host:70000"} {
		if _, err := ParseServers(in); err == nil {
			t.Errorf("ParseServers(%q): expected error", in)
		}
	}
}

func TestSnapshot_ServerListMergesHosts(t *testing.T) {
	s := Snapshot{
		Servers: []Server{{Host: "127.0.0.1", Port: 11211}},
		Hosts:   "127.0.0.1:11211,127.0.0.1:11212",
	}
	got, err := s.ServerList()
	if err != nil {
		t.Fatalf("ServerList failed: %v", err)
	}
	want := []Server{{Host: "127.0.0.1", Port: 11211}, {Host: "127.0.0.1", Port: 11212}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("servers mismatch (-want +got):\n%s", diff)
	}

	s.Hosts = "broken"
	if _, err := s.ServerList(); err == nil {
		t.Fatal("expected error for malformed hosts")
	}
}

func TestSnapshot_Durations(t *testing.T) {
	s := Snapshot{Expire: 300}
	if s.TTL() != 300*time.Second {
		t.Fatalf("TTL = %v", s.TTL())
	}
	if s.Timeout() != 500*time.Millisecond {
		t.Fatalf("default Timeout = %v", s.Timeout())
	}
	s.Expire = 0
	s.TimeoutMS = 50
	if s.TTL() != 0 || s.Timeout() != 50*time.Millisecond {
		t.Fatalf("TTL = %v, Timeout = %v", s.TTL(), s.Timeout())
	}
}

func TestResolve(t *testing.T) {
	host := DefaultSnapshot()
	host.PrefixData = "host-"
	network := DefaultSnapshot()
	network.PrefixData = "net-"

	got, err := Resolve(map[string]Snapshot{"a.example.com": host}, "a.example.com")
	if err != nil || got.PrefixData != "host-" {
		t.Fatalf("host only: got (%q, %v)", got.PrefixData, err)
	}

	got, err = Resolve(map[string]Snapshot{"a.example.com": host, NetworkKey: network}, "a.example.com")
	if err != nil || got.PrefixData != "net-" {
		t.Fatalf("network should win: got (%q, %v)", got.PrefixData, err)
	}

	_, err = Resolve(map[string]Snapshot{"b.example.com": host}, "a.example.com")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	_, err = Resolve(map[string]Snapshot{"a.example.com": {}}, "a.example.com")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("zero snapshot: expected ErrConfiguration, got %v", err)
	}
}

func TestInvalidationMethod_Text(t *testing.T) {
	tests := map[string]InvalidationMethod{
		"":         InvalidateFlush,
		"0":        InvalidateFlush,
		"flush":    InvalidateFlush,
		"1":        InvalidateTargeted,
		"Targeted": InvalidateTargeted,
		"post":     InvalidateTargeted,
	}
	for in, want := range tests {
		var m InvalidationMethod
		if err := m.UnmarshalText([]byte(in)); err != nil {
			t.Errorf("UnmarshalText(%q): %v", in, err)
			continue
		}
		if m != want {
			t.Errorf("UnmarshalText(%q) = %s, want %s", in, m, want)
		}
	}
	var m InvalidationMethod
	if err := m.UnmarshalText([]byte("sometimes")); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestSnapshot_Decode(t *testing.T) {
	want := Snapshot{
		CacheType:          "memcached",
		Servers:            []Server{{Host: "10.0.0.5", Port: 11211}},
		Expire:             600,
		Persistent:         true,
		PrefixData:         "data-",
		PrefixMeta:         "meta-",
		InvalidationMethod: InvalidateTargeted,
	}

	var fromJSON Snapshot
	err := json.Unmarshal([]byte(`{
		"cache_type": "memcached",
		"servers": [{"host": "10.0.0.5", "port": 11211}],
		"expire": 600,
		"persistent": true,
		"prefix_data": "data-",
		"prefix_meta": "meta-",
		"invalidation_method": "targeted"
	}`), &fromJSON)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff(want, fromJSON); diff != "" {
		t.Fatalf("json mismatch (-want +got):\n%s", diff)
	}

	var fromYAML Snapshot
	err = yaml.Unmarshal([]byte(`
cache_type: memcached
servers:
  - host: 10.0.0.5
    port: 11211
expire: 600
persistent: true
prefix_data: data-
prefix_meta: meta-
invalidation_method: targeted
`), &fromYAML)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if diff := cmp.Diff(want, fromYAML); diff != "" {
		t.Fatalf("yaml mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidationMethod_Numeric(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		yaml bool
		want InvalidationMethod
	}{
		{"json one", `{"invalidation_method": 1}`, false, InvalidateTargeted},
		{"json zero", `{"invalidation_method": 0}`, false, InvalidateFlush},
		{"json name", `{"invalidation_method": "targeted"}`, false, InvalidateTargeted},
		{"yaml one", "invalidation_method: 1", true, InvalidateTargeted},
		{"yaml zero", "invalidation_method: 0", true, InvalidateFlush},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{InvalidationMethod: InvalidateTargeted}
			if tt.want == InvalidateTargeted {
				snap.InvalidationMethod = InvalidateFlush
			}
			var err error
			if tt.yaml {
				err = yaml.Unmarshal([]byte(tt.doc), &snap)
			} else {
				err = json.Unmarshal([]byte(tt.doc), &snap)
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if snap.InvalidationMethod != tt.want {
				t.Fatalf("got %s, want %s", snap.InvalidationMethod, tt.want)
			}
		})
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(`{"invalidation_method": 2}`), &snap); err == nil {
		t.Fatal("expected error for unknown numeric method")
	}
	if err := json.Unmarshal([]byte(`{"invalidation_method": true}`), &snap); err == nil {
		t.Fatal("expected error for boolean method")
	}
}

func TestHealth(t *testing.T) {
	h := Health{"b:1": StatusUp, "a:1": StatusDown, "c:1": StatusUnknown}
	if diff := cmp.Diff([]string{"a:1", "b:1", "c:1"}, h.Servers()); diff != "" {
		t.Fatalf("Servers mismatch (-want +got):\n%s", diff)
	}
	out, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a:1":"down","b:1":"up","c:1":"unknown"}` {
		t.Fatalf("unexpected JSON %s", out)
	}
	var back Health
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(h, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

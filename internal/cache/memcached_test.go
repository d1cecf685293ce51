package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeMemcached speaks the subset of the memcached text protocol the client
// uses: gets, set, delete, flush_all and version.
type fakeMemcached struct {
	ln net.Listener

	mu    sync.Mutex
	items map[string][]byte
}

func startFakeMemcached(t *testing.T) *fakeMemcached {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMemcached{ln: ln, items: make(map[string][]byte)}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeMemcached) server(t *testing.T) Server {
	t.Helper()
	host, port, err := net.SplitHostPort(f.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return Server{Host: host, Port: p}
}

func (f *fakeMemcached) value(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok
}

func (f *fakeMemcached) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeMemcached) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMemcached) handle(conn net.Conn) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "get", "gets":
			f.mu.Lock()
			for _, key := range fields[1:] {
				if v, ok := f.items[key]; ok {
					fmt.Fprintf(rw, "VALUE %s 0 %d 1\r\n", key, len(v))
					rw.Write(v)
					rw.WriteString("\r\n")
				}
			}
			f.mu.Unlock()
			rw.WriteString("END\r\n")
		case "set":
			if len(fields) < 5 {
				rw.WriteString("ERROR\r\n")
				break
			}
			n, _ := strconv.Atoi(fields[4])
			buf := make([]byte, n+2)
			if _, err := io.ReadFull(rw, buf); err != nil {
				return
			}
			f.mu.Lock()
			f.items[fields[1]] = buf[:n]
			f.mu.Unlock()
			rw.WriteString("STORED\r\n")
		case "delete":
			f.mu.Lock()
			_, ok := f.items[fields[1]]
			delete(f.items, fields[1])
			f.mu.Unlock()
			if ok {
				rw.WriteString("DELETED\r\n")
			} else {
				rw.WriteString("NOT_FOUND\r\n")
			}
		case "flush_all":
			f.mu.Lock()
			f.items = make(map[string][]byte)
			f.mu.Unlock()
			rw.WriteString("OK\r\n")
		case "version":
			rw.WriteString("VERSION 1.6.21\r\n")
		default:
			rw.WriteString("ERROR\r\n")
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

// deadServer points at a port nothing listens on.
var deadServer = Server{Host: "127.0.0.1", Port: 1}

func resetPersistentPools(t *testing.T) {
	t.Helper()
	persistentPools.Lock()
	persistentPools.m = make(map[string]*memcachePool)
	persistentPools.Unlock()
}

func memcachedSnapshot(method InvalidationMethod, servers ...Server) Snapshot {
	return Snapshot{
		CacheType:          "memcached",
		Servers:            servers,
		Expire:             300,
		PrefixData:         "data-",
		PrefixMeta:         "meta-",
		InvalidationMethod: method,
		TimeoutMS:          200,
	}
}

func TestMemcached_SetGetDelete(t *testing.T) {
	mc := startFakeMemcached(t)
	c, err := New(context.Background(), memcachedSnapshot(InvalidateFlush, mc.server(t)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !c.Alive() {
		t.Fatalf("expected alive client: %v", c.Err())
	}
	ctx := context.Background()

	if err := c.Set(ctx, "data-/", []byte("<html>home</html>")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, ok := mc.value("data-/"); !ok || string(v) != "<html>home</html>" {
		t.Fatalf("value not stored raw: %q", v)
	}
	val, err := c.Get(ctx, "data-/")
	if err != nil || string(val) != "<html>home</html>" {
		t.Fatalf("Get = (%q, %v)", val, err)
	}
	if err := c.Delete(ctx, "data-/"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "data-/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := c.Delete(ctx, "data-/"); err != nil {
		t.Fatalf("deleting a missing key should succeed, got %v", err)
	}
}

func TestMemcached_Flush(t *testing.T) {
	mc := startFakeMemcached(t)
	c, _ := New(context.Background(), memcachedSnapshot(InvalidateFlush, mc.server(t)))
	ctx := context.Background()

	c.Store(ctx, Page{Identity: "a", ResourceID: "1", Data: []byte("A"), Meta: []byte("m")})
	if mc.len() != 3 {
		t.Fatalf("expected 3 entries, got %d", mc.len())
	}

	res, err := c.Clear(ctx, "1")
	if err != nil || res != ClearFlushed {
		t.Fatalf("Clear = (%s, %v)", res, err)
	}
	if mc.len() != 0 {
		t.Fatalf("expected empty backend after flush, got %d entries", mc.len())
	}
}

func TestMemcached_TargetedInvalidation(t *testing.T) {
	mc := startFakeMemcached(t)
	c, _ := New(context.Background(), memcachedSnapshot(InvalidateTargeted, mc.server(t)))
	ctx := context.Background()

	err := c.Store(ctx, Page{
		Identity:   "example.com/2024/hello/",
		ResourceID: "42",
		Data:       []byte("<html>hello</html>"),
		Meta:       []byte(`{"mime":"text/html"}`),
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	c.Set(ctx, "data-example.com/", []byte("home"))

	res, err := c.Clear(ctx, "42")
	if err != nil || res != ClearInvalidated {
		t.Fatalf("Clear = (%s, %v)", res, err)
	}
	for _, key := range []string{"data-example.com/2024/hello/", "meta-example.com/2024/hello/", "pagecache-id-42"} {
		if _, ok := mc.value(key); ok {
			t.Fatalf("expected %q deleted", key)
		}
	}
	if _, ok := mc.value("data-example.com/"); !ok {
		t.Fatal("unrelated page was deleted")
	}

	res, err = c.Clear(ctx, "42")
	if err != nil || res != ClearNothing {
		t.Fatalf("second Clear = (%s, %v)", res, err)
	}
}

func TestMemcached_StatusReportsEachNode(t *testing.T) {
	up1 := startFakeMemcached(t)
	up2 := startFakeMemcached(t)
	s1, s2 := up1.server(t), up2.server(t)

	c, err := New(context.Background(), memcachedSnapshot(InvalidateFlush, s1, deadServer, s2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !c.Alive() {
		t.Fatalf("expected alive client: %v", c.Err())
	}

	h, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	want := Health{
		s1.Addr():         StatusUp,
		s2.Addr():         StatusUp,
		deadServer.Addr(): StatusDown,
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Fatalf("health mismatch (-want +got):\n%s", diff)
	}
	if h.Count(StatusUp) != 2 || h.Count(StatusDown) != 1 {
		t.Fatalf("unexpected counts: up=%d down=%d", h.Count(StatusUp), h.Count(StatusDown))
	}
}

func TestMemcached_EmptyServerListIsDead(t *testing.T) {
	c, err := New(context.Background(), memcachedSnapshot(InvalidateFlush))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Alive() {
		t.Fatal("expected dead client with no servers")
	}
	if !errors.Is(c.Err(), ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", c.Err())
	}
	if _, err := c.Get(context.Background(), "data-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dead Get: expected ErrNotFound, got %v", err)
	}
}

func TestMemcached_UnreachableNodeFailsOperations(t *testing.T) {
	c, _ := New(context.Background(), memcachedSnapshot(InvalidateFlush, deadServer))
	if !c.Alive() {
		t.Fatalf("registration alone should succeed: %v", c.Err())
	}

	err := c.Set(context.Background(), "data-x", []byte("v"))
	if !errors.Is(err, ErrOperationFailure) {
		t.Fatalf("expected ErrOperationFailure, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("backend failure must not look like a miss")
	}
}

func TestMemcached_PersistentPoolShared(t *testing.T) {
	resetPersistentPools(t)
	t.Cleanup(func() { resetPersistentPools(t) })

	mc1 := startFakeMemcached(t)
	mc2 := startFakeMemcached(t)
	s1, s2 := mc1.server(t), mc2.server(t)

	snap := memcachedSnapshot(InvalidateFlush, s1)
	snap.Persistent = true
	a, _ := New(context.Background(), snap)
	b, _ := New(context.Background(), snap)

	snap.Servers = []Server{s1, s2}
	c, _ := New(context.Background(), snap)

	for _, cl := range []*Client{a, b, c} {
		if !cl.Alive() {
			t.Fatalf("expected alive client: %v", cl.Err())
		}
	}

	pool := sharedMemcachePool(PersistentPoolName, time.Second)
	if diff := cmp.Diff([]string{s1.Addr(), s2.Addr()}, pool.addrs); diff != "" {
		t.Fatalf("pool servers mismatch (-want +got):\n%s", diff)
	}
	if a.driver.(*memcachedDriver).pool != pool || c.driver.(*memcachedDriver).pool != pool {
		t.Fatal("persistent clients should share one pool")
	}
}

func TestMemcached_NonPersistentPoolsAreSeparate(t *testing.T) {
	mc := startFakeMemcached(t)
	snap := memcachedSnapshot(InvalidateFlush, mc.server(t))

	a, _ := New(context.Background(), snap)
	b, _ := New(context.Background(), snap)
	if a.driver.(*memcachedDriver).pool == b.driver.(*memcachedDriver).pool {
		t.Fatal("non-persistent clients should not share a pool")
	}
}

func TestMemcachePool_AddServersIdempotent(t *testing.T) {
	p := newMemcachePool(time.Second)

	added := p.addServers([]string{"127.0.0.1:11211", "127.0.0.1:11212"})
	if len(added) != 2 {
		t.Fatalf("expected 2 added, got %v", added)
	}
	added = p.addServers([]string{"127.0.0.1:11212", "127.0.0.1:11213"})
	if diff := cmp.Diff([]string{"127.0.0.1:11213"}, added); diff != "" {
		t.Fatalf("added mismatch (-want +got):\n%s", diff)
	}
	if p.serverCount() != 3 {
		t.Fatalf("expected 3 servers, got %d", p.serverCount())
	}

	added = p.addServers([]string{"no-port", "127.0.0.1:11214"})
	if diff := cmp.Diff([]string{"127.0.0.1:11214"}, added); diff != "" {
		t.Fatalf("unresolvable address should be skipped (-want +got):\n%s", diff)
	}
	if p.serverCount() != 4 {
		t.Fatalf("expected 4 servers, got %d", p.serverCount())
	}
	picked := make(map[string]bool)
	for i := 0; i < 64; i++ {
		addr, err := p.servers.PickServer(strconv.Itoa(i))
		if err != nil {
			t.Fatalf("PickServer after rejected address: %v", err)
		}
		picked[addr.String()] = true
	}
	if picked["no-port"] {
		t.Fatal("rejected address was selected")
	}
}

func TestMemcached_PersistentPoolKeepsFirstTimeout(t *testing.T) {
	resetPersistentPools(t)
	t.Cleanup(func() { resetPersistentPools(t) })

	mc := startFakeMemcached(t)
	snap := memcachedSnapshot(InvalidateFlush, mc.server(t))
	snap.Persistent = true
	snap.TimeoutMS = 250
	first, _ := New(context.Background(), snap)

	snap.TimeoutMS = 2000
	second, _ := New(context.Background(), snap)

	pool := second.driver.(*memcachedDriver).pool
	if pool != first.driver.(*memcachedDriver).pool {
		t.Fatal("persistent clients should share one pool")
	}
	if pool.timeout != 250*time.Millisecond || pool.client.Timeout != 250*time.Millisecond {
		t.Fatalf("expected pool to keep 250ms, got %v / %v", pool.timeout, pool.client.Timeout)
	}
}

func TestMemcacheExpiration(t *testing.T) {
	if got := memcacheExpiration(0); got != 0 {
		t.Fatalf("zero ttl: got %d", got)
	}
	if got := memcacheExpiration(300 * time.Second); got != 300 {
		t.Fatalf("300s: got %d", got)
	}
	if got := memcacheExpiration(200 * time.Millisecond); got != 1 {
		t.Fatalf("sub-second ttl should round up to 1, got %d", got)
	}
	long := 60 * 24 * time.Hour
	got := memcacheExpiration(long)
	want := time.Now().Add(long).Unix()
	if d := int64(got) - want; d < -2 || d > 2 {
		t.Fatalf("long ttl should be absolute: got %d, want ~%d", got, want)
	}
}

func TestMemcached_InvalidateByResourceID(t *testing.T) {
	mc := startFakeMemcached(t)
	snap := Snapshot{
		CacheType:          "memcached",
		Servers:            []Server{mc.server(t)},
		Expire:             60,
		PrefixData:         "d-",
		PrefixMeta:         "m-",
		InvalidationMethod: InvalidateTargeted,
	}
	c, err := New(context.Background(), snap)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !c.Alive() {
		t.Fatalf("expected alive client: %v", c.Err())
	}
	ctx := context.Background()

	if err := c.Set(ctx, "d-42", []byte("<html>")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	c.Set(ctx, "m-42", []byte("meta"))
	if val, err := c.Get(ctx, "d-42"); err != nil || string(val) != "<html>" {
		t.Fatalf("Get = (%q, %v)", val, err)
	}
	c.Set(ctx, c.IndexKey("42"), []byte("42"))

	res, err := c.Clear(ctx, "42")
	if err != nil || res != ClearInvalidated {
		t.Fatalf("Clear = (%s, %v)", res, err)
	}
	for _, key := range []string{"d-42", "m-42"} {
		if _, err := c.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(%q) after clear: expected ErrNotFound, got %v", key, err)
		}
	}
}

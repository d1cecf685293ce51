package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/pagecache/internal/logging"
)

// PersistentPoolName identifies the connection pool shared by every
// persistent memcached client in the process. The pool keeps the timeout of
// the client that created it; later clients asking for another timeout get a
// warning and the existing one.
const PersistentPoolName = "pagecache"

// Expirations above this many seconds are read by memcached as unix times.
const maxRelativeExpiration = 30 * 24 * time.Hour

const maxProbeConcurrency = 16

// memcachePool is one connection pool and the server list it was built with.
type memcachePool struct {
	mu      sync.Mutex
	servers memcache.ServerList
	client  *memcache.Client
	addrs   []string
	timeout time.Duration
}

func newMemcachePool(timeout time.Duration) *memcachePool {
	p := &memcachePool{timeout: timeout}
	p.client = memcache.NewFromSelector(&p.servers)
	p.client.Timeout = timeout
	return p
}

// addServers registers the addresses not already part of the pool and
// returns the ones it added. Addresses that do not resolve are skipped.
func (p *memcachePool) addServers(addrs []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]bool, len(p.addrs))
	for _, a := range p.addrs {
		present[a] = true
	}
	var added []string
	for _, addr := range addrs {
		if present[addr] {
			continue
		}
		next := append(append([]string(nil), p.addrs...), addr)
		if err := p.servers.SetServers(next...); err != nil {
			logging.Op().Warn("memcached server rejected", "server", addr, "error", err)
			continue
		}
		p.addrs = next
		present[addr] = true
		added = append(added, addr)
	}
	return added
}

func (p *memcachePool) serverCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addrs)
}

var persistentPools = struct {
	sync.Mutex
	m map[string]*memcachePool
}{m: make(map[string]*memcachePool)}

func sharedMemcachePool(name string, timeout time.Duration) *memcachePool {
	persistentPools.Lock()
	defer persistentPools.Unlock()
	p, ok := persistentPools.m[name]
	if !ok {
		p = newMemcachePool(timeout)
		persistentPools.m[name] = p
		return p
	}
	if p.timeout != timeout {
		logging.Op().Warn("persistent memcached pool keeps its first timeout",
			"pool", name, "timeout", p.timeout, "requested", timeout)
	}
	return p
}

// memcachedDriver stores raw, uncompressed values with zero flags so a
// reverse proxy reading the same keys can serve them without decoding.
type memcachedDriver struct {
	servers    []Server
	persistent bool
	timeout    time.Duration
	pool       *memcachePool
}

func newMemcachedDriver(servers []Server, persistent bool, timeout time.Duration) *memcachedDriver {
	return &memcachedDriver{servers: servers, persistent: persistent, timeout: timeout}
}

func (d *memcachedDriver) Init(_ context.Context) error {
	if len(d.servers) == 0 {
		return fmt.Errorf("%w: memcached server list is empty", ErrBackendUnavailable)
	}
	if d.persistent {
		d.pool = sharedMemcachePool(PersistentPoolName, d.timeout)
	} else {
		d.pool = newMemcachePool(d.timeout)
	}

	addrs := make([]string, len(d.servers))
	for i, srv := range d.servers {
		addrs[i] = srv.Addr()
	}
	for _, addr := range d.pool.addServers(addrs) {
		logging.Op().Info("memcached server added", "server", addr, "persistent", d.persistent)
	}
	if d.pool.serverCount() == 0 {
		return fmt.Errorf("%w: no memcached server could be registered", ErrBackendUnavailable)
	}
	return nil
}

func (d *memcachedDriver) Get(_ context.Context, key string) ([]byte, error) {
	item, err := d.pool.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &OpError{Op: "get", Key: key, Backend: KindMemcached, Err: err}
	}
	return item.Value, nil
}

func (d *memcachedDriver) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := &memcache.Item{Key: key, Value: value, Expiration: memcacheExpiration(ttl)}
	if err := d.pool.client.Set(item); err != nil {
		return &OpError{Op: "set", Key: key, Backend: KindMemcached, Err: err}
	}
	return nil
}

func (d *memcachedDriver) Delete(_ context.Context, key string) error {
	err := d.pool.client.Delete(key)
	if err == nil || errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return &OpError{Op: "delete", Key: key, Backend: KindMemcached, Err: err}
}

func (d *memcachedDriver) Flush(_ context.Context) error {
	if err := d.pool.client.FlushAll(); err != nil {
		return &OpError{Op: "flush", Backend: KindMemcached, Err: err}
	}
	return nil
}

// Status probes every configured node with its own connection, so a dead
// node cannot hide behind the pool's key distribution.
func (d *memcachedDriver) Status(_ context.Context) Health {
	results := make([]ServerStatus, len(d.servers))
	var g errgroup.Group
	g.SetLimit(maxProbeConcurrency)
	for i, srv := range d.servers {
		g.Go(func() error {
			results[i] = StatusDown
			if err := probeMemcached(srv.Addr(), d.timeout); err != nil {
				logging.Op().Debug("memcached server down", "server", srv.Addr(), "error", err)
				return nil
			}
			results[i] = StatusUp
			return nil
		})
	}
	_ = g.Wait()

	h := make(Health, len(d.servers))
	for i, srv := range d.servers {
		h[srv.Addr()] = results[i]
	}
	return h
}

func (d *memcachedDriver) Close() error { return nil }

func probeMemcached(addr string, timeout time.Duration) error {
	var ss memcache.ServerList
	if err := ss.SetServers(addr); err != nil {
		return err
	}
	c := memcache.NewFromSelector(&ss)
	c.Timeout = timeout
	c.MaxIdleConns = 1
	return c.Ping()
}

func memcacheExpiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiration {
		return int32(time.Now().Add(ttl).Unix())
	}
	secs := int32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

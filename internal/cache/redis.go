package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/pagecache/internal/logging"
)

// redisDriver spreads keys over the configured nodes with a consistent-hash
// ring, the same way the memcached client distributes them.
type redisDriver struct {
	servers  []Server
	password string
	db       int
	timeout  time.Duration
	ring     *redis.Ring

	// unflushed holds nodes that missed a flush. Their next connection
	// flushes them before serving any command.
	mu        sync.Mutex
	unflushed map[string]bool
}

func newRedisDriver(servers []Server, password string, db int, timeout time.Duration) *redisDriver {
	return &redisDriver{
		servers:   servers,
		password:  password,
		db:        db,
		timeout:   timeout,
		unflushed: make(map[string]bool),
	}
}

// Init succeeds when at least one node answers; the others stay in the ring
// and are reported down by Status.
func (d *redisDriver) Init(ctx context.Context) error {
	if len(d.servers) == 0 {
		return fmt.Errorf("%w: redis server list is empty", ErrBackendUnavailable)
	}
	health := d.Status(ctx)
	if health.Count(StatusUp) == 0 {
		return fmt.Errorf("%w: no redis server answered ping", ErrBackendUnavailable)
	}

	addrs := make(map[string]string, len(d.servers))
	for _, srv := range d.servers {
		addrs[srv.Addr()] = srv.Addr()
	}
	d.ring = redis.NewRing(&redis.RingOptions{
		Addrs:        addrs,
		Password:     d.password,
		DB:           d.db,
		DialTimeout:  d.timeout,
		ReadTimeout:  d.timeout,
		WriteTimeout: d.timeout,
		NewClient: func(opt *redis.Options) *redis.Client {
			addr := opt.Addr
			opt.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
				return d.catchUpFlush(ctx, addr, cn)
			}
			return redis.NewClient(opt)
		},
	})
	for _, addr := range health.Servers() {
		if health[addr] == StatusDown {
			logging.Op().Warn("redis server down at init", "server", addr)
		}
	}
	return nil
}

func (d *redisDriver) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := d.ring.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &OpError{Op: "get", Key: key, Backend: KindRedis, Err: err}
	}
	return val, nil
}

func (d *redisDriver) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := d.ring.Set(ctx, key, value, ttl).Err(); err != nil {
		return &OpError{Op: "set", Key: key, Backend: KindRedis, Err: err}
	}
	return nil
}

func (d *redisDriver) Delete(ctx context.Context, key string) error {
	if err := d.ring.Del(ctx, key).Err(); err != nil {
		return &OpError{Op: "delete", Key: key, Backend: KindRedis, Err: err}
	}
	return nil
}

// Flush empties every configured node, not only the shards the ring
// currently considers up. Nodes that cannot be reached are flushed on their
// next connection and reported in the returned error.
func (d *redisDriver) Flush(ctx context.Context) error {
	errs := make([]error, len(d.servers))
	var g errgroup.Group
	g.SetLimit(maxProbeConcurrency)
	for i, srv := range d.servers {
		g.Go(func() error {
			addr := srv.Addr()
			c := d.nodeClient(addr)
			defer c.Close()
			if err := c.FlushDB(ctx).Err(); err != nil {
				d.markUnflushed(addr, true)
				errs[i] = fmt.Errorf("%s: %w", addr, err)
				return nil
			}
			d.markUnflushed(addr, false)
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return &OpError{Op: "flush", Backend: KindRedis, Err: err}
	}
	return nil
}

func (d *redisDriver) markUnflushed(addr string, missed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if missed {
		d.unflushed[addr] = true
	} else {
		delete(d.unflushed, addr)
	}
}

func (d *redisDriver) catchUpFlush(ctx context.Context, addr string, cn *redis.Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.unflushed[addr] {
		return nil
	}
	if err := cn.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flush of returning node %s: %w", addr, err)
	}
	delete(d.unflushed, addr)
	logging.Op().Info("redis server flushed after missing a flush", "server", addr)
	return nil
}

func (d *redisDriver) Status(ctx context.Context) Health {
	results := make([]ServerStatus, len(d.servers))
	var g errgroup.Group
	g.SetLimit(maxProbeConcurrency)
	for i, srv := range d.servers {
		g.Go(func() error {
			results[i] = StatusDown
			if err := d.probe(ctx, srv.Addr()); err != nil {
				logging.Op().Debug("redis server down", "server", srv.Addr(), "error", err)
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

// nodeClient opens a short-lived connection to one node, outside the ring.
func (d *redisDriver) nodeClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     d.password,
		DB:           d.db,
		DialTimeout:  d.timeout,
		ReadTimeout:  d.timeout,
		WriteTimeout: d.timeout,
		MaxRetries:   -1,
	})
}

func (d *redisDriver) probe(ctx context.Context, addr string) error {
	c := d.nodeClient(addr)
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return c.Ping(ctx).Err()
}

func (d *redisDriver) Close() error {
	if d.ring == nil {
		return nil
	}
	return d.ring.Close()
}

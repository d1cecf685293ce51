package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/pagecache/internal/logging"
	"github.com/oriys/pagecache/internal/metrics"
	"github.com/oriys/pagecache/internal/observability"
)

// IndexPrefix prefixes the id-index entry that maps a resource ID to the
// cache identity of its page.
const IndexPrefix = "pagecache-id-"

// ClearResult tells what a Clear call did.
type ClearResult int

const (
	// ClearNone means the client was dead and nothing happened.
	ClearNone ClearResult = iota
	// ClearFlushed means the whole namespace was dropped.
	ClearFlushed
	// ClearInvalidated means the data and meta entries of one resource were
	// deleted.
	ClearInvalidated
	// ClearNothing means no id-index entry existed for the resource.
	ClearNothing
)

func (r ClearResult) String() string {
	switch r {
	case ClearFlushed:
		return "flushed"
	case ClearInvalidated:
		return "invalidated"
	case ClearNothing:
		return "nothing"
	default:
		return "none"
	}
}

// Page is one rendered resource ready to be cached.
type Page struct {
	// Identity is the key suffix shared by the data and meta entries.
	Identity string
	// ResourceID, when set, gets an id-index entry pointing at Identity.
	ResourceID string
	Data       []byte
	Meta       []byte
}

// Option configures a Client.
type Option func(*options)

type options struct {
	segment *Segment
}

// WithSegment makes a local client use seg instead of the process-wide
// segment.
func WithSegment(seg *Segment) Option {
	return func(o *options) { o.segment = seg }
}

// Client is the single entry point for page caching. A Client is either
// alive, with every operation reaching the backend, or dead, with every
// operation a no-op that reports failure. It never changes state.
type Client struct {
	snap    Snapshot
	kind    Kind
	driver  Driver
	alive   bool
	initErr error

	mu     sync.Mutex
	health Health
}

// New builds a client for snap. Only a zero snapshot is an error; a backend
// that cannot be initialized yields a dead client whose Err explains why.
func New(ctx context.Context, snap Snapshot, opts ...Option) (*Client, error) {
	if snap.IsZero() {
		return nil, fmt.Errorf("%w: empty snapshot", ErrConfiguration)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{snap: snap.clone()}
	kind, ok := ParseKind(snap.CacheType)
	if !ok {
		c.kind = Kind(snap.CacheType)
		c.fail(fmt.Errorf("%w: unknown cache type %q", ErrBackendUnavailable, snap.CacheType))
		return c, nil
	}
	c.kind = kind

	servers, err := snap.ServerList()
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
		return c, nil
	}

	switch kind {
	case KindLocal:
		c.driver = newLocalDriver(o.segment)
	case KindMemcached:
		c.driver = newMemcachedDriver(servers, snap.Persistent, snap.Timeout())
	case KindRedis:
		c.driver = newRedisDriver(servers, snap.RedisPassword, snap.RedisDB, snap.Timeout())
	}
	c.health = unknownHealth(servers)

	logging.Op().Info("cache init starting", "backend", kind, "servers", len(servers), "persistent", snap.Persistent)
	if err := c.driver.Init(ctx); err != nil {
		c.fail(err)
		return c, nil
	}
	c.alive = true
	metrics.SetClientAlive(string(kind), true)
	logging.Op().Info("cache backend ready", "backend", kind)

	if kind.Clustered() {
		c.Status(ctx)
	}
	return c, nil
}

func (c *Client) fail(err error) {
	c.initErr = err
	metrics.SetClientAlive(string(c.kind), false)
	logging.Op().Warn("cache backend unavailable, serving as always-miss", "backend", c.kind, "error", err)
}

// Alive reports whether the backend initialized.
func (c *Client) Alive() bool { return c.alive }

// Err returns why the client is dead, or nil.
func (c *Client) Err() error { return c.initErr }

// Kind returns the configured backend.
func (c *Client) Kind() Kind { return c.kind }

// Snapshot returns a copy of the client's configuration.
func (c *Client) Snapshot() Snapshot { return c.snap.clone() }

// DataKey returns the key of the rendered content for identity.
func (c *Client) DataKey(identity string) string { return c.snap.PrefixData + identity }

// MetaKey returns the key of the metadata entry for identity.
func (c *Client) MetaKey(identity string) string { return c.snap.PrefixMeta + identity }

// IndexKey returns the key of the id-index entry for resourceID.
func (c *Client) IndexKey(resourceID string) string { return IndexPrefix + resourceID }

// Get returns the value stored under key. A dead client and a miss both
// return ErrNotFound; backend failures return an *OpError.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if !c.alive {
		return nil, ErrNotFound
	}
	ctx, span := c.startSpan(ctx, "cache.get", key)
	defer span.End()

	start := time.Now()
	val, err := c.driver.Get(ctx, key)
	switch {
	case err == nil:
		c.record("get", "hit", start)
		observability.SetSpanOK(span)
		logging.Op().Debug("cache get", "backend", c.kind, "key", key, "hit", true)
		return val, nil
	case errors.Is(err, ErrNotFound):
		c.record("get", "miss", start)
		observability.SetSpanOK(span)
		logging.Op().Debug("cache get", "backend", c.kind, "key", key, "hit", false)
		return nil, ErrNotFound
	default:
		c.record("get", "error", start)
		observability.SetSpanError(span, err)
		logging.Op().Warn("cache get failed", "backend", c.kind, "key", key, "error", err)
		return nil, err
	}
}

// Set stores value under key for the snapshot's expire time.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if !c.alive {
		return ErrBackendUnavailable
	}
	ctx, span := c.startSpan(ctx, "cache.set", key)
	defer span.End()

	start := time.Now()
	if err := c.driver.Set(ctx, key, value, c.snap.TTL()); err != nil {
		c.record("set", "error", start)
		observability.SetSpanError(span, err)
		logging.Op().Warn("cache set failed", "backend", c.kind, "key", key, "size", len(value), "error", err)
		return err
	}
	c.record("set", "ok", start)
	observability.SetSpanOK(span)
	logging.Op().Debug("cache set", "backend", c.kind, "key", key, "size", len(value), "expire", c.snap.Expire)
	return nil
}

// Delete removes key. Removing a missing key succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	if !c.alive {
		return ErrBackendUnavailable
	}
	ctx, span := c.startSpan(ctx, "cache.delete", key)
	defer span.End()

	start := time.Now()
	if err := c.driver.Delete(ctx, key); err != nil {
		c.record("delete", "error", start)
		observability.SetSpanError(span, err)
		logging.Op().Warn("cache delete failed", "backend", c.kind, "key", key, "error", err)
		return err
	}
	c.record("delete", "ok", start)
	observability.SetSpanOK(span)
	return nil
}

// Store writes the data and meta entries of p and, when p has a ResourceID,
// its id-index entry. The writes are independent: every one is attempted and
// the failures are joined.
func (c *Client) Store(ctx context.Context, p Page) error {
	if !c.alive {
		return ErrBackendUnavailable
	}
	var errs []error
	if err := c.Set(ctx, c.DataKey(p.Identity), p.Data); err != nil {
		errs = append(errs, err)
	}
	if err := c.Set(ctx, c.MetaKey(p.Identity), p.Meta); err != nil {
		errs = append(errs, err)
	}
	if p.ResourceID != "" {
		if err := c.Set(ctx, c.IndexKey(p.ResourceID), []byte(p.Identity)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear invalidates cached pages. With an empty resourceID, or when the
// snapshot asks for full flushes, the whole namespace is dropped; this also
// evicts entries other applications placed in the same backend. Otherwise
// only the data and meta entries of the resource are deleted. Clear is
// idempotent.
func (c *Client) Clear(ctx context.Context, resourceID string) (ClearResult, error) {
	if !c.alive {
		return ClearNone, ErrBackendUnavailable
	}
	if c.snap.InvalidationMethod == InvalidateFlush || resourceID == "" {
		return c.flush(ctx)
	}
	return c.invalidate(ctx, resourceID)
}

func (c *Client) flush(ctx context.Context) (ClearResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.flush", observability.AttrBackend.String(string(c.kind)))
	defer span.End()

	start := time.Now()
	if err := c.driver.Flush(ctx); err != nil {
		c.record("flush", "error", start)
		metrics.RecordClear(string(c.kind), InvalidateFlush.String(), "error")
		observability.SetSpanError(span, err)
		logging.Op().Warn("cache flush failed", "backend", c.kind, "error", err)
		return ClearFlushed, err
	}
	c.record("flush", "ok", start)
	metrics.RecordClear(string(c.kind), InvalidateFlush.String(), ClearFlushed.String())
	observability.SetSpanOK(span)
	logging.Op().Info("cache flushed", "backend", c.kind)
	return ClearFlushed, nil
}

func (c *Client) invalidate(ctx context.Context, resourceID string) (ClearResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.invalidate",
		observability.AttrBackend.String(string(c.kind)),
		observability.AttrResourceID.String(resourceID),
	)
	defer span.End()
	mode := InvalidateTargeted.String()

	raw, err := c.Get(ctx, c.IndexKey(resourceID))
	if errors.Is(err, ErrNotFound) || (err == nil && len(raw) == 0) {
		metrics.RecordClear(string(c.kind), mode, ClearNothing.String())
		observability.SetSpanOK(span)
		logging.Op().Info("no cache entry for resource, nothing invalidated", "backend", c.kind, "resource_id", resourceID)
		return ClearNothing, nil
	}
	if err != nil {
		metrics.RecordClear(string(c.kind), mode, "error")
		observability.SetSpanError(span, err)
		return ClearNone, err
	}

	identity := string(raw)
	var errs []error
	for _, key := range []string{c.MetaKey(identity), c.DataKey(identity), c.IndexKey(resourceID)} {
		if err := c.Delete(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		logging.Op().Info("cache entry deleted", "backend", c.kind, "key", key, "resource_id", resourceID)
	}
	if err := errors.Join(errs...); err != nil {
		metrics.RecordClear(string(c.kind), mode, "error")
		observability.SetSpanError(span, err)
		return ClearInvalidated, err
	}
	metrics.RecordClear(string(c.kind), mode, ClearInvalidated.String())
	observability.SetSpanOK(span)
	return ClearInvalidated, nil
}

// Status probes the backend. A dead client returns ErrBackendUnavailable;
// unreachable nodes are reported down, never as an error.
func (c *Client) Status(ctx context.Context) (Health, error) {
	if !c.alive {
		return nil, ErrBackendUnavailable
	}
	ctx, span := observability.StartSpan(ctx, "cache.status", observability.AttrBackend.String(string(c.kind)))
	defer span.End()

	logging.Op().Debug("checking cache server statuses", "backend", c.kind)
	h := c.driver.Status(ctx)
	for addr, st := range h {
		metrics.SetServerStatus(string(c.kind), addr, int(st))
		if st == StatusUp {
			logging.Op().Debug("cache server is up", "backend", c.kind, "server", addr)
		}
	}

	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
	observability.SetSpanOK(span)
	return copyHealth(h), nil
}

// LastHealth returns the record of the most recent probe without probing.
// Nodes not probed yet are unknown.
func (c *Client) LastHealth() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyHealth(c.health)
}

// Close releases the driver. Shared resources stay open.
func (c *Client) Close() error {
	if c.driver == nil || !c.alive {
		return nil
	}
	return c.driver.Close()
}

func (c *Client) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, name,
		observability.AttrBackend.String(string(c.kind)),
		observability.AttrKey.String(key),
	)
}

func (c *Client) record(op, result string, start time.Time) {
	metrics.RecordCacheOp(string(c.kind), op, result, time.Since(start))
}

func copyHealth(h Health) Health {
	if h == nil {
		return nil
	}
	out := make(Health, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Package cache stores rendered pages in a key-value backend and serves them
// back on later requests. A Client hides the backend (the process-wide local
// segment, a memcached cluster or a Redis ring) behind one contract, composes
// the data/meta key pair for each page, and implements both invalidation
// strategies: full flush and targeted per-resource deletion.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned on a cache miss. It is a normal outcome.
	ErrNotFound = errors.New("cache: key not found")

	// ErrConfiguration is returned when no usable snapshot could be resolved.
	ErrConfiguration = errors.New("cache: no usable configuration")

	// ErrBackendUnavailable is returned by every operation of a client whose
	// backend failed to initialize.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")

	// ErrOperationFailure matches every *OpError.
	ErrOperationFailure = errors.New("cache: operation failed")
)

// OpError describes a failed backend call. Err holds the native client
// error so callers can tell, for example, a rejected store from an
// unreachable node.
type OpError struct {
	Op      string
	Key     string
	Backend Kind
	Err     error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache: %s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("cache: %s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == ErrOperationFailure }

// Kind names a storage backend.
type Kind string

const (
	KindLocal     Kind = "local"
	KindMemcached Kind = "memcached"
	KindRedis     Kind = "redis"
)

// ParseKind maps a configured cache_type onto a Kind. "clustered" and "apc"
// are accepted as aliases of memcached and local.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "apc":
		return KindLocal, true
	case "memcached", "clustered":
		return KindMemcached, true
	case "redis":
		return KindRedis, true
	}
	return "", false
}

// Clustered reports whether the backend spans network nodes.
func (k Kind) Clustered() bool {
	return k == KindMemcached || k == KindRedis
}

// Driver is implemented once per storage technology. Drivers work on fully
// composed keys; prefixing and invalidation policy belong to Client.
type Driver interface {
	// Init connects to the backend and verifies it is usable.
	Init(ctx context.Context) error

	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Flush drops every entry in the backend's namespace.
	Flush(ctx context.Context) error

	// Status probes the backend nodes. It never fails on unreachable nodes;
	// those are reported down.
	Status(ctx context.Context) Health

	Close() error
}

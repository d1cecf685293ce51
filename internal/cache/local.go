package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/pagecache/internal/logging"
)

// localDriver serves from a Segment shared by the whole process.
type localDriver struct {
	seg *Segment
}

func newLocalDriver(seg *Segment) *localDriver {
	if seg == nil {
		seg = DefaultSegment()
	}
	return &localDriver{seg: seg}
}

func (d *localDriver) Init(_ context.Context) error {
	info, err := d.seg.Info()
	if err != nil {
		return fmt.Errorf("%w: local segment: %v", ErrBackendUnavailable, err)
	}
	logging.Op().Info("local segment ready", "entries", info.Entries, "size", info.Size, "max_size", info.MaxSize)
	return nil
}

func (d *localDriver) Get(_ context.Context, key string) ([]byte, error) {
	val, err := d.seg.Fetch(key)
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &OpError{Op: "get", Key: key, Backend: KindLocal, Err: err}
	}
	return val, nil
}

func (d *localDriver) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := d.seg.Store(key, value, ttl); err != nil {
		return &OpError{Op: "set", Key: key, Backend: KindLocal, Err: err}
	}
	return nil
}

func (d *localDriver) Delete(_ context.Context, key string) error {
	if _, err := d.seg.Remove(key); err != nil {
		return &OpError{Op: "delete", Key: key, Backend: KindLocal, Err: err}
	}
	return nil
}

func (d *localDriver) Flush(_ context.Context) error {
	if err := d.seg.Clear(); err != nil {
		return &OpError{Op: "flush", Backend: KindLocal, Err: err}
	}
	return nil
}

func (d *localDriver) Status(_ context.Context) Health {
	st := StatusUp
	if _, err := d.seg.Info(); err != nil {
		st = StatusDown
	}
	return Health{localServer: st}
}

// Close leaves the segment open; other clients may still use it.
func (d *localDriver) Close() error { return nil }

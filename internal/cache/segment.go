package cache

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSegmentFull is returned when a store would exceed the segment size.
	ErrSegmentFull = errors.New("cache: segment full")

	// ErrSegmentClosed is returned by every call on a closed segment.
	ErrSegmentClosed = errors.New("cache: segment closed")
)

// DefaultSegmentSize bounds the process-wide segment.
const DefaultSegmentSize = 32 << 20

const sweepInterval = 30 * time.Second

// Segment is an in-process key-value store with per-entry expiry, bounded by
// the total size of its values. Every local client of a process shares the
// default segment, so a flush through one client clears entries written by
// all of them.
type Segment struct {
	mu        sync.RWMutex
	entries   map[string]*segEntry
	size      int64
	maxSize   int64
	lastSweep time.Time
	closed    bool
}

type segEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *segEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// SegmentInfo describes segment usage.
type SegmentInfo struct {
	Entries int
	Size    int64
	MaxSize int64
}

var (
	defaultSegmentOnce sync.Once
	defaultSegment     *Segment
)

// DefaultSegment returns the process-wide segment.
func DefaultSegment() *Segment {
	defaultSegmentOnce.Do(func() {
		defaultSegment = NewSegment(DefaultSegmentSize)
	})
	return defaultSegment
}

// NewSegment creates a segment holding at most maxSize bytes of values.
// A non-positive maxSize means unbounded.
func NewSegment(maxSize int64) *Segment {
	return &Segment{
		entries:   make(map[string]*segEntry),
		maxSize:   maxSize,
		lastSweep: time.Now(),
	}
}

// Fetch returns a copy of the value stored under key.
func (s *Segment) Fetch(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSegmentClosed
	}
	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

// Store saves a copy of value under key. A zero ttl never expires.
func (s *Segment) Store(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	now := time.Now()
	if now.Sub(s.lastSweep) > sweepInterval {
		s.sweepLocked(now)
	}

	var prev int64
	if old, ok := s.entries[key]; ok {
		prev = int64(len(old.value))
	}
	if s.maxSize > 0 && s.size-prev+int64(len(value)) > s.maxSize {
		s.sweepLocked(now)
		if old, ok := s.entries[key]; ok {
			prev = int64(len(old.value))
		} else {
			prev = 0
		}
		if s.size-prev+int64(len(value)) > s.maxSize {
			return ErrSegmentFull
		}
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[key] = &segEntry{value: cp, expiresAt: expiresAt}
	s.size += int64(len(cp)) - prev
	return nil
}

// Remove deletes key and reports whether it was present.
func (s *Segment) Remove(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSegmentClosed
	}
	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	s.size -= int64(len(entry.value))
	delete(s.entries, key)
	return !entry.expired(time.Now()), nil
}

// Clear drops every entry.
func (s *Segment) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	s.entries = make(map[string]*segEntry)
	s.size = 0
	return nil
}

// Info reports usage. It fails once the segment is closed.
func (s *Segment) Info() (SegmentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return SegmentInfo{}, ErrSegmentClosed
	}
	return SegmentInfo{Entries: len(s.entries), Size: s.size, MaxSize: s.maxSize}, nil
}

// Close releases all entries. Later calls fail with ErrSegmentClosed.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	s.size = 0
	return nil
}

func (s *Segment) sweepLocked(now time.Time) {
	for key, entry := range s.entries {
		if entry.expired(now) {
			s.size -= int64(len(entry.value))
			delete(s.entries, key)
		}
	}
	s.lastSweep = now
}

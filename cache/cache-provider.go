package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrBucketNotFound is returned when writing into a bucket that does not exist.
	// Buckets are only created by PutBucket, so a write that races with a bucket
	// deletion fails instead of bringing the bucket back.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrQuotaExceeded is returned by providers that enforce a storage limit.
	ErrQuotaExceeded = errors.New("cache quota exceeded")
)

// CacheProvider is an interface for a cache provider.
// It stores a set of named buckets, one per cache version.
// Each bucket maps a request key to a stored response snapshot ([]byte).
// The provider also remembers which bucket is the active one.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Buckets returns the names of all existing buckets.
	Buckets(ctx context.Context) ([]string, error)
	// PutBucket atomically creates the bucket (if absent) and stores all given entries in it.
	// Either all entries are stored or none are.
	PutBucket(ctx context.Context, bucket string, entries []CacheEntry) error
	// DeleteBucket removes the bucket and all of its entries.
	// It reports whether the bucket existed.
	DeleteBucket(ctx context.Context, bucket string) (bool, error)
	// Get returns the entry stored under key in bucket, if it exists.
	Get(ctx context.Context, bucket, key string) (CacheEntry, bool, error)
	// Put stores (overwrites) a single entry in an existing bucket.
	// It returns ErrBucketNotFound if the bucket does not exist.
	Put(ctx context.Context, bucket string, entry CacheEntry) error
	// Keys calls the given callback for each key in the bucket.
	Keys(ctx context.Context, bucket string, cb func(string)) error
	// ActiveBucket returns the name of the bucket currently serving requests.
	// It is empty if no bucket was ever activated.
	ActiveBucket(ctx context.Context) (string, error)
	// SetActiveBucket persists the name of the active bucket.
	SetActiveBucket(ctx context.Context, bucket string) error
	// Close releases resources held by the provider.
	Close() error
}

// CacheEntry is an immutable response snapshot stored under a request key.
type CacheEntry struct {
	Key string
	// Digest of Bytes, recorded when the entry was created.
	Digest   digest.Digest
	StoredAt time.Time
	Bytes    []byte
}

// NewCacheEntry creates an entry for the given key and snapshot bytes.
func NewCacheEntry(key string, bytes []byte) CacheEntry {
	return CacheEntry{
		Key:      key,
		Digest:   digest.FromBytes(bytes),
		StoredAt: time.Now(),
		Bytes:    bytes,
	}
}

// Verify checks that the stored bytes still match the recorded digest.
func (ce CacheEntry) Verify() error {
	if err := ce.Digest.Validate(); err != nil {
		return fmt.Errorf("entry %s: %w", ce.Key, err)
	}
	verifier := ce.Digest.Verifier()
	if _, err := verifier.Write(ce.Bytes); err != nil {
		return fmt.Errorf("entry %s: %w", ce.Key, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("entry %s: content does not match digest %s", ce.Key, ce.Digest)
	}
	return nil
}

// MemCacheOption configures a MemCache.
type MemCacheOption func(*MemCache)

// WithMaxBytes limits the total number of stored snapshot bytes.
// Writes that would exceed the limit fail with ErrQuotaExceeded.
func WithMaxBytes(n int) MemCacheOption {
	return func(m *MemCache) {
		m.maxBytes = n
	}
}

type MemCache struct {
	mutex    *sync.RWMutex
	db       map[string]map[string]CacheEntry
	active   string
	size     int
	maxBytes int
}

func NewMemCache(opts ...MemCacheOption) *MemCache {
	m := &MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]CacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemCache) Buckets(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemCache) PutBucket(ctx context.Context, bucket string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.db[bucket]
	// later entries for the same key replace earlier ones
	put := make(map[string]CacheEntry, len(entries))
	for _, entry := range entries {
		put[entry.Key] = entry
	}
	added := 0
	for key, entry := range put {
		added += len(entry.Bytes) - len(b[key].Bytes)
	}
	if m.maxBytes > 0 && m.size+added > m.maxBytes {
		return ErrQuotaExceeded
	}
	if !ok {
		b = make(map[string]CacheEntry)
		m.db[bucket] = b
	}
	for key, entry := range put {
		b[key] = copyEntry(entry)
	}
	m.size += added
	return nil
}

func (m *MemCache) DeleteBucket(ctx context.Context, bucket string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.db[bucket]
	if !ok {
		return false, nil
	}
	for _, entry := range b {
		m.size -= len(entry.Bytes)
	}
	delete(m.db, bucket)
	return true, nil
}

func (m *MemCache) Get(ctx context.Context, bucket, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[bucket][key]
	return entry, ok, nil
}

func (m *MemCache) Put(ctx context.Context, bucket string, entry CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.db[bucket]
	if !ok {
		return ErrBucketNotFound
	}
	added := len(entry.Bytes) - len(b[entry.Key].Bytes)
	if m.maxBytes > 0 && m.size+added > m.maxBytes {
		return ErrQuotaExceeded
	}
	b[entry.Key] = copyEntry(entry)
	m.size += added
	return nil
}

func (m *MemCache) Keys(ctx context.Context, bucket string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[bucket]))
	for key := range m.db[bucket] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *MemCache) ActiveBucket(ctx context.Context) (string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.active, nil
}

func (m *MemCache) SetActiveBucket(ctx context.Context, bucket string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.active = bucket
	return nil
}

func (m *MemCache) Close() error {
	return nil
}

// copyEntry detaches the stored snapshot from the caller's slice.
func copyEntry(entry CacheEntry) CacheEntry {
	bytes := make([]byte, len(entry.Bytes))
	copy(bytes, entry.Bytes)
	entry.Bytes = bytes
	return entry
}

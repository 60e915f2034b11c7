package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/pario-ai/callopt/pkg/models"
)

// Lookup results reported to the Observer.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupExpired = "expired"
	LookupCorrupt = "corrupt"
)

// Store encodings reported to the Observer.
const (
	EncodingRaw  = "raw"
	EncodingZstd = "zstd"
)

// evictFraction is the share of entries dropped by Cleanup.
const evictFraction = 0.2

// Observer receives cache events. A nil Observer is allowed.
type Observer interface {
	ObserveCacheLookup(result string)
	ObserveCacheStore(encoding string)
	ObserveCacheEvictions(n int)
	ObserveCacheExpirations(n int)
	ObserveCacheDecodeFailure()
}

// Options configures a Store.
type Options struct {
	// MaxSize bounds the number of entries. Required.
	MaxSize int
	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration
	// CompressThreshold is the value size in bytes above which values are
	// stored zstd-encoded. Zero or negative disables compaction.
	CompressThreshold int
	Logger            *slog.Logger
	Observer          Observer
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

type entry struct {
	value      []byte
	createdAt  time.Time
	ttl        time.Duration
	compressed bool
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// Store is a bounded, TTL-aware in-memory cache keyed by content digests.
type Store struct {
	mu          sync.Mutex
	entries     map[string]*entry
	accessTimes map[string]time.Time

	maxSize    int
	defaultTTL time.Duration
	threshold  int
	codec      *codec
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	hits           int64
	misses         int64
	evictions      int64
	expirations    int64
	decodeFailures int64
}

// New creates an empty Store.
func New(opts Options) (*Store, error) {
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("cache: max size must be positive, got %d", opts.MaxSize)
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Store{
		entries:     make(map[string]*entry),
		accessTimes: make(map[string]time.Time),
		maxSize:     opts.MaxSize,
		defaultTTL:  opts.DefaultTTL,
		threshold:   opts.CompressThreshold,
		codec:       c,
		logger:      opts.Logger,
		observer:    opts.Observer,
		now:         opts.Now,
	}, nil
}

// Digest returns the hex SHA-256 of namespace, key and version.
func Digest(namespace, key, version string) string {
	h := sha256.Sum256([]byte(namespace + ":" + key + ":" + version))
	return hex.EncodeToString(h[:])
}

// Get returns the value stored for the namespaced key, or false when it is
// absent or expired. Expired entries are removed. A compacted value that
// fails to decode is returned as stored and counted as a miss.
func (s *Store) Get(namespace, key, version string) ([]byte, bool) {
	digest := Digest(namespace, key, version)
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[digest]
	if !ok {
		s.misses++
		s.mu.Unlock()
		s.observeLookup(LookupMiss)
		return nil, false
	}
	if e.expired(now) {
		delete(s.entries, digest)
		delete(s.accessTimes, digest)
		s.misses++
		s.expirations++
		s.mu.Unlock()
		s.observeLookup(LookupExpired)
		if s.observer != nil {
			s.observer.ObserveCacheExpirations(1)
		}
		return nil, false
	}
	s.accessTimes[digest] = now
	stored, compressed := e.value, e.compressed
	if !compressed {
		s.hits++
		s.mu.Unlock()
		s.observeLookup(LookupHit)
		return slices.Clone(stored), true
	}
	s.mu.Unlock()

	value, err := s.codec.decode(stored)
	s.mu.Lock()
	if err != nil {
		s.misses++
		s.decodeFailures++
	} else {
		s.hits++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("cache value decode failed, returning stored bytes",
			slog.String("namespace", namespace),
			slog.String("digest", digest),
			slog.Any("error", err))
		s.observeLookup(LookupCorrupt)
		if s.observer != nil {
			s.observer.ObserveCacheDecodeFailure()
		}
		return slices.Clone(stored), true
	}
	s.observeLookup(LookupHit)
	return value, true
}

// Set stores value under the namespaced key. When the store is full the
// least recently accessed entries are evicted first. A non-positive ttl uses
// the store default.
func (s *Store) Set(namespace, key string, value []byte, ttl time.Duration, version string) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	digest := Digest(namespace, key, version)

	stored, compressed := value, false
	if s.threshold > 0 && len(value) > s.threshold {
		stored, compressed = s.codec.encode(value), true
	} else {
		stored = slices.Clone(value)
	}

	now := s.now()
	s.mu.Lock()
	evicted := 0
	if len(s.entries) >= s.maxSize {
		evicted = s.cleanupLocked()
	}
	s.entries[digest] = &entry{
		value:      stored,
		createdAt:  now,
		ttl:        ttl,
		compressed: compressed,
	}
	s.accessTimes[digest] = now
	s.mu.Unlock()

	if s.observer != nil {
		if evicted > 0 {
			s.observer.ObserveCacheEvictions(evicted)
		}
		encoding := EncodingRaw
		if compressed {
			encoding = EncodingZstd
		}
		s.observer.ObserveCacheStore(encoding)
	}
}

// Cleanup evicts the least recently accessed fifth of the entries (rounded
// up) and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	n := s.cleanupLocked()
	s.mu.Unlock()
	if n > 0 && s.observer != nil {
		s.observer.ObserveCacheEvictions(n)
	}
	return n
}

func (s *Store) cleanupLocked() int {
	if len(s.entries) == 0 {
		return 0
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return s.accessTimes[a].Compare(s.accessTimes[b])
	})
	n := int(math.Ceil(float64(len(keys)) * evictFraction))
	for _, k := range keys[:n] {
		delete(s.entries, k)
		delete(s.accessTimes, k)
	}
	s.evictions += int64(n)
	return n
}

// PurgeExpired removes every expired entry and returns how many were dropped.
func (s *Store) PurgeExpired() int {
	now := s.now()
	s.mu.Lock()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			delete(s.accessTimes, k)
			n++
		}
	}
	s.expirations += int64(n)
	s.mu.Unlock()
	if n > 0 && s.observer != nil {
		s.observer.ObserveCacheExpirations(n)
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns occupancy and counters. HitRate is zero before any lookup.
// Decode failures count as misses, not hits.
func (s *Store) Stats() models.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	compressed := 0
	for _, e := range s.entries {
		if e.compressed {
			compressed++
		}
	}
	st := models.CacheStats{
		Size:           len(s.entries),
		Capacity:       s.maxSize,
		Compressed:     compressed,
		Hits:           s.hits,
		Misses:         s.misses,
		Evictions:      s.evictions,
		Expirations:    s.expirations,
		DecodeFailures: s.decodeFailures,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

func (s *Store) observeLookup(result string) {
	if s.observer != nil {
		s.observer.ObserveCacheLookup(result)
	}
}

// errCorrupt is returned by the codec for values that cannot be decoded.
var errCorrupt = errors.New("cache: corrupt compressed value")

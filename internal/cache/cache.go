package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// Policy controls persistence batching and failure retries.
type Policy struct {
	// FlushEvery persists the cache after this many new fingerprints
	// (0 = only on explicit Save).
	FlushEvery int

	// RetryTransient lets configurations whose last evaluation failed
	// transiently (e.g. timeout) be evaluated again.
	RetryTransient bool

	// MaxAttempts bounds RetryTransient.
	MaxAttempts int
}

// DefaultPolicy mirrors the historical behavior: flush every 10 insertions,
// never retry failures.
func DefaultPolicy() Policy {
	return Policy{
		FlushEvery:  10,
		MaxAttempts: 3,
	}
}

type snapshot struct {
	hashes  []string
	records map[string]Record
}

type backend interface {
	name() string
	location() string
	load() (snapshot, error)
	save(snapshot) error
	clear() error
	stat() (exists bool, size int64)
	close() error
}

// Cache is the Store implementation. It keeps the full fingerprint set in
// memory and delegates persistence to a backend; a nil backend keeps
// everything in memory only.
type Cache struct {
	mu      sync.Mutex
	hashes  map[string]struct{}
	records map[string]Record
	pending int

	saveMu  sync.Mutex
	policy  Policy
	backend backend
	now     func() time.Time
}

var _ Store = (*Cache)(nil)

func newCache(b backend, policy Policy) *Cache {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	return &Cache{
		hashes:  make(map[string]struct{}),
		records: make(map[string]Record),
		policy:  policy,
		backend: b,
		now:     time.Now,
	}
}

// NewMemory returns a cache that is never persisted.
func NewMemory(policy Policy) *Cache {
	return newCache(nil, policy)
}

// testedLocked must be called with c.mu held.
func (c *Cache) testedLocked(hash string) bool {
	if _, ok := c.hashes[hash]; !ok {
		return false
	}
	if !c.policy.RetryTransient {
		return true
	}
	rec, ok := c.records[hash]
	if ok && rec.Kind == KindFailed && rec.Transient && rec.Attempts < c.policy.MaxAttempts {
		return false
	}
	return true
}

func (c *Cache) IsTested(cfg precision.Config) bool {
	hash := precision.Hash(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testedLocked(hash)
}

func (c *Cache) Claim(cfg precision.Config) bool {
	hash := precision.Hash(cfg)

	c.mu.Lock()
	if c.testedLocked(hash) {
		c.mu.Unlock()
		return false
	}
	_, existed := c.hashes[hash]
	rec := c.records[hash]
	rec.Hash = hash
	rec.Config = cfg.Clone()
	rec.Timestamp = c.now()
	rec.Kind = KindUntested
	rec.Fitness = nil
	c.records[hash] = rec
	c.hashes[hash] = struct{}{}
	c.mu.Unlock()

	c.afterInsert(!existed)
	return true
}

func (c *Cache) MarkTested(cfg precision.Config, fitness *float64, kind Kind) {
	hash := precision.Hash(cfg)

	c.mu.Lock()
	_, existed := c.hashes[hash]
	rec := c.records[hash]
	rec.Hash = hash
	rec.Config = cfg.Clone()
	rec.Timestamp = c.now()
	rec.Kind = kind
	rec.Failure = ""
	rec.Transient = false
	if fitness != nil {
		v := *fitness
		rec.Fitness = &v
	} else {
		rec.Fitness = nil
	}
	if kind == KindActual && fitness != nil {
		rec.Attempts++
	}
	c.records[hash] = rec
	c.hashes[hash] = struct{}{}
	c.mu.Unlock()

	c.afterInsert(!existed)
}

func (c *Cache) MarkFailed(cfg precision.Config, reason string, transient bool) {
	hash := precision.Hash(cfg)

	c.mu.Lock()
	_, existed := c.hashes[hash]
	rec := c.records[hash]
	rec.Hash = hash
	rec.Config = cfg.Clone()
	rec.Timestamp = c.now()
	rec.Kind = KindFailed
	rec.Fitness = nil
	rec.Failure = reason
	rec.Transient = transient
	rec.Attempts++
	c.records[hash] = rec
	c.hashes[hash] = struct{}{}
	c.mu.Unlock()

	c.afterInsert(!existed)
}

func (c *Cache) Lookup(cfg precision.Config) (Record, bool) {
	return c.Record(precision.Hash(cfg))
}

func (c *Cache) Record(hash string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[hash]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Records returns up to limit records, most recent first (limit <= 0: all).
func (c *Cache) Records(limit int) []Record {
	c.mu.Lock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, copyRecord(rec))
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hashes)
}

// Load replaces the in-memory state with the backend's. A corrupt or
// unreadable backend leaves the cache empty and returns the reason; callers
// log it and carry on.
func (c *Cache) Load() error {
	if c.backend == nil {
		return nil
	}
	snap, err := c.backend.load()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes = make(map[string]struct{}, len(snap.hashes))
	c.records = make(map[string]Record, len(snap.records))
	c.pending = 0
	if err != nil {
		return err
	}
	for _, h := range snap.hashes {
		c.hashes[h] = struct{}{}
	}
	for h, rec := range snap.records {
		c.records[h] = rec
		c.hashes[h] = struct{}{}
	}
	slog.Info("Cache loaded", "backend", c.backend.name(), "tested", len(c.hashes), "records", len(c.records))
	return nil
}

// Save persists the current state. A failure keeps the pending counter so
// the next mark retries.
func (c *Cache) Save() error {
	if c.backend == nil {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	snap := c.snapshotLocked()
	flushed := c.pending
	c.mu.Unlock()

	if err := c.backend.save(snap); err != nil {
		return err
	}

	c.mu.Lock()
	c.pending -= flushed
	if c.pending < 0 {
		c.pending = 0
	}
	c.mu.Unlock()

	slog.Debug("Cache saved", "backend", c.backend.name(), "tested", len(snap.hashes))
	return nil
}

// Clear empties the cache and deletes the backing storage.
func (c *Cache) Clear() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	c.hashes = make(map[string]struct{})
	c.records = make(map[string]Record)
	c.pending = 0
	c.mu.Unlock()

	if c.backend == nil {
		return nil
	}
	return c.backend.clear()
}

func (c *Cache) Info() Info {
	c.mu.Lock()
	info := Info{
		Backend: "memory",
		Tested:  len(c.hashes),
		Records: len(c.records),
		ByKind:  make(map[Kind]int),
	}
	for _, rec := range c.records {
		info.ByKind[rec.Kind]++
	}
	c.mu.Unlock()

	if c.backend != nil {
		info.Backend = c.backend.name()
		info.Path = c.backend.location()
		info.Exists, info.SizeBytes = c.backend.stat()
	}
	return info
}

// Close flushes pending marks and releases the backend.
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	saveErr := c.Save()
	closeErr := c.backend.close()
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}

func (c *Cache) afterInsert(inserted bool) {
	c.mu.Lock()
	if inserted {
		c.pending++
	}
	due := c.backend != nil && c.policy.FlushEvery > 0 && c.pending >= c.policy.FlushEvery
	c.mu.Unlock()

	if !due {
		return
	}
	if err := c.Save(); err != nil {
		slog.Warn("Failed to save cache, will retry on next mark", "error", err)
	}
}

func (c *Cache) snapshotLocked() snapshot {
	snap := snapshot{
		hashes:  make([]string, 0, len(c.hashes)),
		records: make(map[string]Record, len(c.records)),
	}
	for h := range c.hashes {
		snap.hashes = append(snap.hashes, h)
	}
	sort.Strings(snap.hashes)
	for h, rec := range c.records {
		snap.records[h] = copyRecord(rec)
	}
	return snap
}

func copyRecord(rec Record) Record {
	out := rec
	out.Config = rec.Config.Clone()
	if rec.Fitness != nil {
		v := *rec.Fitness
		out.Fitness = &v
	}
	return out
}

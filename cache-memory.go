package heimdall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const cacheShardCount = 64

// memoryBackend is a sharded in-memory response store with a small
// lock-free hot tier in front of it. Keys whose access count crosses
// the promotion threshold are copied into the hot tier; reads consult
// it first without taking a shard lock.
type memoryBackend struct {
	opt    MemoryBackendOptions
	shards [cacheShardCount]cacheShard
	count  int64 // atomic, total entries across shards

	hot    sync.Map // CacheKey -> *CacheEntry
	hotCap int
	hotLen int64 // atomic

	closeOnce sync.Once
	done      chan struct{}
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[CacheKey]*CacheEntry
}

type MemoryBackendOptions struct {
	// Max number of entries, default 10000. When exceeded, entries are
	// evicted in approximate least-recently-used order (see evict).
	Capacity int

	// Size of the hot tier as a percentage of Capacity, default 10.
	HotCachePercent int

	// Number of accesses after which an entry is promoted into the hot
	// tier, default 3.
	PromotionThreshold uint32

	// How often expired entries are swept out, default 1 minute.
	GCPeriod time.Duration

	// Load the cache from this file on startup and write a snapshot on
	// close. Disabled if empty.
	Filename string

	// Write the snapshot in an interval, not only on close.
	SaveInterval time.Duration
}

var _ CacheBackend = (*memoryBackend)(nil)

func NewMemoryBackend(opt MemoryBackendOptions) *memoryBackend {
	if opt.Capacity == 0 {
		opt.Capacity = 10000
	}
	if opt.HotCachePercent == 0 {
		opt.HotCachePercent = 10
	}
	if opt.PromotionThreshold == 0 {
		opt.PromotionThreshold = 3
	}
	if opt.GCPeriod == 0 {
		opt.GCPeriod = time.Minute
	}
	b := &memoryBackend{
		opt:    opt,
		hotCap: opt.Capacity * opt.HotCachePercent / 100,
		done:   make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i].entries = make(map[CacheKey]*CacheEntry)
	}
	if opt.Filename != "" {
		if err := b.loadFromFile(opt.Filename); err != nil {
			Log.WithField("filename", opt.Filename).WithError(err).Warn("failed to load cache snapshot")
		}
	}
	go b.runGC()
	if opt.Filename != "" && opt.SaveInterval > 0 {
		go b.runIntervalSave()
	}
	return b
}

func (b *memoryBackend) shardFor(key CacheKey) *cacheShard {
	return &b.shards[key.Hash()&(cacheShardCount-1)]
}

func (b *memoryBackend) Get(ctx context.Context, key CacheKey) (*CacheEntry, bool) {
	now := time.Now()

	// Hot tier first, no locks on this path.
	if v, ok := b.hot.Load(key); ok {
		entry := v.(*CacheEntry)
		if entry.expired(now) {
			b.Remove(ctx, key)
			return nil, false
		}
		entry.touch(now)
		return entry, true
	}

	shard := b.shardFor(key)
	shard.mu.Lock()
	entry, ok := shard.entries[key]
	shard.mu.Unlock()
	if !ok {
		return nil, false
	}
	if entry.expired(now) {
		b.Remove(ctx, key)
		return nil, false
	}
	if entry.touch(now) >= b.opt.PromotionThreshold && b.hotCap > 0 {
		b.promote(key, entry)
	}
	return entry, true
}

func (b *memoryBackend) Set(_ context.Context, key CacheKey, entry *CacheEntry) {
	now := time.Now()
	entry.touch(now)
	shard := b.shardFor(key)
	shard.mu.Lock()
	_, existed := shard.entries[key]
	shard.entries[key] = entry
	shard.mu.Unlock()
	if !existed {
		atomic.AddInt64(&b.count, 1)
	}
	// An update must replace a stale hot copy as well.
	if _, ok := b.hot.Load(key); ok {
		b.hot.Store(key, entry)
	}
	if int(atomic.LoadInt64(&b.count)) > b.opt.Capacity {
		b.evict()
	}
}

func (b *memoryBackend) Remove(_ context.Context, key CacheKey) {
	shard := b.shardFor(key)
	shard.mu.Lock()
	_, existed := shard.entries[key]
	delete(shard.entries, key)
	shard.mu.Unlock()
	if existed {
		atomic.AddInt64(&b.count, -1)
	}
	if _, ok := b.hot.LoadAndDelete(key); ok {
		atomic.AddInt64(&b.hotLen, -1)
	}
}

func (b *memoryBackend) Clear(_ context.Context) {
	for i := range b.shards {
		shard := &b.shards[i]
		shard.mu.Lock()
		shard.entries = make(map[CacheKey]*CacheEntry)
		shard.mu.Unlock()
	}
	b.hot.Range(func(k, _ interface{}) bool {
		b.hot.Delete(k)
		return true
	})
	atomic.StoreInt64(&b.count, 0)
	atomic.StoreInt64(&b.hotLen, 0)
}

func (b *memoryBackend) Len(_ context.Context) int {
	return int(atomic.LoadInt64(&b.count))
}

func (b *memoryBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.opt.Filename != "" {
			err = b.saveToFile(b.opt.Filename)
		}
	})
	return err
}

// promote copies an entry into the hot tier, displacing the least
// recently used hot entry when the tier is full.
func (b *memoryBackend) promote(key CacheKey, entry *CacheEntry) {
	if _, loaded := b.hot.LoadOrStore(key, entry); loaded {
		b.hot.Store(key, entry)
		return
	}
	if int(atomic.AddInt64(&b.hotLen, 1)) <= b.hotCap {
		return
	}
	var (
		oldestKey    interface{}
		oldestAccess int64
	)
	b.hot.Range(func(k, v interface{}) bool {
		e := v.(*CacheEntry)
		last := atomic.LoadInt64(&e.lastAccess)
		if oldestKey == nil || last < oldestAccess {
			oldestKey, oldestAccess = k, last
		}
		return true
	})
	if oldestKey != nil {
		if _, ok := b.hot.LoadAndDelete(oldestKey); ok {
			atomic.AddInt64(&b.hotLen, -1)
		}
	}
}

// evict removes the oldest entries (by coarse last-access time) until
// the cache is back under capacity. One pass removes the oldest entry
// of every shard, approximating LRU without a global list.
func (b *memoryBackend) evict() {
	for int(atomic.LoadInt64(&b.count)) > b.opt.Capacity {
		removed := 0
		for i := range b.shards {
			shard := &b.shards[i]
			shard.mu.Lock()
			var (
				oldestKey    CacheKey
				oldestAccess int64
				found        bool
			)
			for k, e := range shard.entries {
				last := atomic.LoadInt64(&e.lastAccess)
				if !found || last < oldestAccess {
					oldestKey, oldestAccess, found = k, last, true
				}
			}
			if found {
				delete(shard.entries, oldestKey)
				removed++
			}
			shard.mu.Unlock()
			if found {
				atomic.AddInt64(&b.count, -1)
				if _, ok := b.hot.LoadAndDelete(oldestKey); ok {
					atomic.AddInt64(&b.hotLen, -1)
				}
			}
			if int(atomic.LoadInt64(&b.count)) <= b.opt.Capacity {
				return
			}
		}
		if removed == 0 {
			return
		}
	}
}

// runGC sweeps expired entries out in an interval. Expired entries are
// also dropped lazily when read.
func (b *memoryBackend) runGC() {
	ticker := time.NewTicker(b.opt.GCPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}
		now := time.Now()
		var removed int
		for i := range b.shards {
			shard := &b.shards[i]
			shard.mu.Lock()
			for k, e := range shard.entries {
				if e.expired(now) {
					delete(shard.entries, k)
					atomic.AddInt64(&b.count, -1)
					if _, ok := b.hot.LoadAndDelete(k); ok {
						atomic.AddInt64(&b.hotLen, -1)
					}
					removed++
				}
			}
			shard.mu.Unlock()
		}
		if removed > 0 {
			Log.WithField("removed", removed).Debug("cache garbage collection")
		}
	}
}

func (b *memoryBackend) runIntervalSave() {
	ticker := time.NewTicker(b.opt.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if err := b.saveToFile(b.opt.Filename); err != nil {
				Log.WithField("filename", b.opt.Filename).WithError(err).Error("failed to write cache snapshot")
			}
		}
	}
}

package heimdall

import (
	"context"
	"errors"
	"expvar"
	"hash/fnv"
	"sync/atomic"
	"time"
)

// CacheKey identifies a cached response by the case-normalized query
// name, type and class. The precomputed hash selects the backend shard;
// equality is always on the three fields.
type CacheKey struct {
	Name   string
	Qtype  uint16
	Qclass uint16
	hash   uint64
}

// NewCacheKey builds a key from a (possibly mixed-case) name.
func NewCacheKey(name string, qtype, qclass uint16) CacheKey {
	name = CanonicalName(name)
	h := fnv.New64a()
	h.Write([]byte(name))
	var b [4]byte
	b[0] = byte(qtype >> 8)
	b[1] = byte(qtype)
	b[2] = byte(qclass >> 8)
	b[3] = byte(qclass)
	h.Write(b[:])
	return CacheKey{Name: name, Qtype: qtype, Qclass: qclass, hash: h.Sum64()}
}

// Hash returns the precomputed 64-bit hash of the key.
func (k CacheKey) Hash() uint64 { return k.hash }

func cacheKeyFromQuery(q *Packet) CacheKey {
	question := q.Question[0]
	return NewCacheKey(question.Name, question.Qtype, question.Qclass)
}

// CacheEntry is one stored response with its lifetime bookkeeping.
type CacheEntry struct {
	Msg      *Packet
	Inserted time.Time
	Expires  time.Time
	Negative bool

	accesses   uint32 // atomic
	lastAccess int64  // atomic, unix seconds
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.After(e.Expires)
}

func (e *CacheEntry) touch(now time.Time) uint32 {
	atomic.StoreInt64(&e.lastAccess, now.Unix())
	return atomic.AddUint32(&e.accesses, 1)
}

// CacheBackend is the capability interface of a response store. The
// composite cache can hold a local and an optional remote backend and
// applies a write-through policy across them.
type CacheBackend interface {
	Get(ctx context.Context, key CacheKey) (*CacheEntry, bool)
	Set(ctx context.Context, key CacheKey, entry *CacheEntry)
	Remove(ctx context.Context, key CacheKey)
	Clear(ctx context.Context)
	Len(ctx context.Context) int
	Close() error
}

// Cache stores responses received from its upstream resolver and
// answers repeat queries from the store until they expire.
type Cache struct {
	CacheOptions
	id       string
	resolver Resolver
	backends []CacheBackend
	metrics  *CacheMetrics
}

var _ Resolver = &Cache{}

type CacheMetrics struct {
	// Cache hit count.
	hit *expvar.Int
	// Cache miss count.
	miss *expvar.Int
	// Current cache entry count.
	entries *expvar.Int
}

type CacheOptions struct {
	// TTL cap for negative responses. The stored TTL is the smaller of
	// the SOA minimum and this value. Default 300.
	NegativeTTL uint32

	// Upper limit for positive TTLs, default 86400.
	MaxTTL uint32

	// Primary store. Defaults to a memory backend.
	Backend CacheBackend

	// Optional second-tier store, written through on every insert and
	// consulted when the primary misses.
	RemoteBackend CacheBackend
}

// NewCache returns a new instance of a Cache resolver.
func NewCache(id string, resolver Resolver, opt CacheOptions) *Cache {
	c := &Cache{
		CacheOptions: opt,
		id:           id,
		resolver:     resolver,
		metrics: &CacheMetrics{
			hit:     getVarInt("cache", id, "hit"),
			miss:    getVarInt("cache", id, "miss"),
			entries: getVarInt("cache", id, "entries"),
		},
	}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = 300
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 86400
	}
	if c.Backend == nil {
		c.Backend = NewMemoryBackend(MemoryBackendOptions{})
	}
	c.backends = []CacheBackend{c.Backend}
	if c.RemoteBackend != nil {
		c.backends = append(c.backends, c.RemoteBackend)
	}

	// Regularly query the cache size and emit metrics.
	go func() {
		for {
			time.Sleep(time.Minute)
			c.metrics.entries.Set(int64(c.Backend.Len(context.Background())))
		}
	}()
	return c
}

// Resolve a DNS query by first checking the cache for existing results.
func (r *Cache) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	if len(q.Question) < 1 {
		return nil, errors.New("no question in query")
	}
	// Multiple questions in one message aren't supported by real-world
	// servers, pass them through and bypass caching.
	if len(q.Question) > 1 {
		return r.resolver.Resolve(q, ci)
	}
	log := logger(r.id, q, ci)

	key := cacheKeyFromQuery(q)
	if a, ok := r.answerFromCache(key, q); ok {
		log.Debug("cache-hit")
		r.metrics.hit.Add(1)
		return a, nil
	}
	r.metrics.miss.Add(1)
	log.WithField("resolver", r.resolver.String()).Debug("cache-miss, forwarding")

	a, err := r.resolver.Resolve(q, ci)
	if err != nil || a == nil {
		return a, err
	}
	// Don't cache truncated responses.
	if a.Truncated {
		return a, nil
	}
	// Store a copy since later elements might modify the response.
	r.storeInCache(key, a.Copy())
	return a, nil
}

func (r *Cache) String() string {
	return r.id
}

// answerFromCache looks the key up in all backends and returns a copy
// of the stored response with its TTLs rewritten to the remaining
// lifetime. Expired entries are removed on sight.
func (r *Cache) answerFromCache(key CacheKey, q *Packet) (*Packet, bool) {
	ctx := context.Background()
	now := time.Now()
	for i, backend := range r.backends {
		entry, ok := backend.Get(ctx, key)
		if !ok {
			continue
		}
		if entry.expired(now) {
			backend.Remove(ctx, key)
			continue
		}
		// Populate the faster tiers on a remote hit.
		for j := 0; j < i; j++ {
			r.backends[j].Set(ctx, key, entry)
		}
		a := entry.Msg.Copy()
		a.ID = q.ID
		a.RecursionAvailable = true
		age := uint32(now.Sub(entry.Inserted).Seconds())
		for _, section := range [][]*RR{a.Answer, a.Ns, a.Extra} {
			for _, rr := range section {
				if rr.Type == TypeOPT {
					continue
				}
				if rr.TTL > age+1 {
					rr.TTL -= age
				} else {
					rr.TTL = 1
				}
			}
		}
		return a, true
	}
	return nil, false
}

func (r *Cache) storeInCache(key CacheKey, answer *Packet) {
	var (
		ttl      uint32
		negative bool
	)
	switch {
	case answer.Rcode == RcodeSuccess && len(answer.Answer) > 0:
		min, ok := minTTL(answer)
		if !ok {
			return
		}
		ttl = min
		if ttl > r.MaxTTL {
			ttl = r.MaxTTL
		}
	case answer.Rcode == RcodeNameError, answer.Rcode == RcodeSuccess:
		// NXDOMAIN and NODATA: lifetime from the SOA minimum, clamped
		// by the configured negative TTL.
		negative = true
		ttl = r.NegativeTTL
		if soa, ok := soaMinTTL(answer); ok && soa < ttl {
			ttl = soa
		}
	default:
		// Don't cache SERVFAIL and other failures.
		return
	}
	if ttl == 0 {
		return
	}
	now := time.Now()
	entry := &CacheEntry{
		Msg:      answer,
		Inserted: now,
		Expires:  now.Add(time.Duration(ttl) * time.Second),
		Negative: negative,
	}
	ctx := context.Background()
	for _, backend := range r.backends {
		backend.Set(ctx, key, entry)
	}
}

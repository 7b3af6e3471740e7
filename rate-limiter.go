package heimdall

import (
	"expvar"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Stale per-client buckets are dropped after this much inactivity.
const clientLimiterTTL = 5 * time.Minute

// RateLimiter applies token buckets to the query stream before it
// reaches the resolver: one bucket per client network, one global
// bucket, and separate buckets debited by error and NXDOMAIN responses
// to limit their use in amplification. Over-limit queries are silently
// dropped on UDP and answered with REFUSED on stream transports.
type RateLimiter struct {
	id       string
	resolver Resolver
	RateLimiterOptions

	mu      sync.Mutex
	clients map[string]*clientLimiter

	global   *rate.Limiter
	errors   *rate.Limiter
	nxdomain *rate.Limiter

	metrics *RateLimiterMetrics
}

var _ Resolver = &RateLimiter{}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiterOptions struct {
	// Per-client budget in queries per second with a burst allowance.
	// Disabled if 0.
	ClientQPS   float64
	ClientBurst int

	// Budget across all clients. Disabled if 0.
	GlobalQPS   float64
	GlobalBurst int

	// Budget for responses carrying an error rcode. Disabled if 0.
	ErrorQPS   float64
	ErrorBurst int

	// Budget for NXDOMAIN responses. Disabled if 0.
	NXDomainQPS   float64
	NXDomainBurst int

	// Netmask sizes identifying a client network.
	Prefix4 uint8
	Prefix6 uint8
}

type RateLimiterMetrics struct {
	// Count of queries.
	query *expvar.Int
	// Count of queries that have exceeded a rate limit.
	exceed *expvar.Int
	// Count of dropped queries.
	drop *expvar.Int
}

// NewRateLimiter returns a new instance of a query rate limiter.
func NewRateLimiter(id string, resolver Resolver, opt RateLimiterOptions) *RateLimiter {
	if opt.Prefix4 == 0 {
		opt.Prefix4 = 24
	}
	if opt.Prefix6 == 0 {
		opt.Prefix6 = 56
	}
	r := &RateLimiter{
		id:                 id,
		resolver:           resolver,
		RateLimiterOptions: opt,
		clients:            make(map[string]*clientLimiter),
		metrics: &RateLimiterMetrics{
			query:  getVarInt("ratelimiter", id, "query"),
			exceed: getVarInt("ratelimiter", id, "exceed"),
			drop:   getVarInt("ratelimiter", id, "drop"),
		},
	}
	if opt.GlobalQPS > 0 {
		r.global = rate.NewLimiter(rate.Limit(opt.GlobalQPS), burstOrOne(opt.GlobalBurst))
	}
	if opt.ErrorQPS > 0 {
		r.errors = rate.NewLimiter(rate.Limit(opt.ErrorQPS), burstOrOne(opt.ErrorBurst))
	}
	if opt.NXDomainQPS > 0 {
		r.nxdomain = rate.NewLimiter(rate.Limit(opt.NXDomainQPS), burstOrOne(opt.NXDomainBurst))
	}
	go r.cleanupLoop()
	return r
}

func burstOrOne(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

// Resolve a DNS query unless a bucket is exhausted.
func (r *RateLimiter) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	log := logger(r.id, q, ci)
	r.metrics.query.Add(1)

	if !r.allowClient(ci.SourceIP) || (r.global != nil && !r.global.Allow()) {
		r.metrics.exceed.Add(1)
		log.Debug("rate limit exceeded")
		return r.reject(q, ci)
	}

	a, err := r.resolver.Resolve(q, ci)
	if err != nil || a == nil {
		return a, err
	}

	// Error and NXDOMAIN responses are debited against their own
	// buckets on the way out.
	switch {
	case a.Rcode == RcodeNameError:
		if r.nxdomain != nil && !r.nxdomain.Allow() {
			r.metrics.exceed.Add(1)
			log.Debug("nxdomain rate limit exceeded")
			return r.reject(q, ci)
		}
	case a.Rcode != RcodeSuccess:
		if r.errors != nil && !r.errors.Allow() {
			r.metrics.exceed.Add(1)
			log.Debug("error-response rate limit exceeded")
			return r.reject(q, ci)
		}
	}
	return a, err
}

// reject drops the query on UDP (a nil response makes the listener
// send nothing) and responds REFUSED on stream transports.
func (r *RateLimiter) reject(q *Packet, ci ClientInfo) (*Packet, error) {
	if ci.Protocol == "udp" {
		r.metrics.drop.Add(1)
		return nil, nil
	}
	return refused(q), nil
}

// allowClient debits the bucket of the client network the IP belongs
// to, creating it on first sight.
func (r *RateLimiter) allowClient(ip net.IP) bool {
	if r.ClientQPS <= 0 || ip == nil {
		return true
	}
	source := ip
	if ip4 := source.To4(); len(ip4) == net.IPv4len {
		source = ip4.Mask(net.CIDRMask(int(r.Prefix4), 32))
	} else {
		source = source.Mask(net.CIDRMask(int(r.Prefix6), 128))
	}
	key := source.String()

	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(r.ClientQPS), burstOrOne(r.ClientBurst))}
		r.clients[key] = c
	}
	c.lastSeen = time.Now()
	r.mu.Unlock()

	return c.limiter.Allow()
}

func (r *RateLimiter) cleanupLoop() {
	for {
		time.Sleep(time.Minute)
		cutoff := time.Now().Add(-clientLimiterTTL)
		r.mu.Lock()
		for key, c := range r.clients {
			if c.lastSeen.Before(cutoff) {
				delete(r.clients, key)
			}
		}
		r.mu.Unlock()
	}
}

func (r *RateLimiter) String() string {
	return r.id
}

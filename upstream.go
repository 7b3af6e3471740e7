package heimdall

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Weight of the latest sample in the latency EWMA.
const ewmaWeight = 0.3

// UpstreamPool forwards queries to a set of upstream servers, tracking
// per-server health and latency. For every query, servers are ranked
// healthy-first, then by lowest smoothed latency, ties broken by the
// least recently used. Failed attempts move on to the next candidate
// until the retry budget is exhausted.
type UpstreamPool struct {
	id string
	UpstreamOptions
	servers []*upstreamServer
	metrics *upstreamMetrics

	// Exchange function, replaceable for tests.
	exchange exchangeFunc
}

var _ Resolver = &UpstreamPool{}

type exchangeFunc func(ctx context.Context, network, addr string, q *Packet) (*Packet, error)

type UpstreamOptions struct {
	// Deadline for a single attempt, default 2 seconds.
	Timeout time.Duration

	// Number of additional attempts after the first, default 2. The
	// total attempt count is MaxRetries+1.
	MaxRetries int

	// Disable the automatic TCP retry on truncated UDP responses.
	NoTCPRetry bool
}

type upstreamMetrics struct {
	// Queries dispatched per server address.
	query *expvar.Map
	// Failures per server address.
	failure *expvar.Map
}

type upstreamServer struct {
	addr     string
	failures uint32 // atomic, consecutive
	lastUsed int64  // atomic, unix nanos

	mu   sync.Mutex
	ewma float64 // smoothed latency in milliseconds
}

// A server is healthy while it has no consecutive failures. Unhealthy
// servers stay candidates of last resort and recover on the first
// successful exchange.
func (s *upstreamServer) healthy() bool {
	return atomic.LoadUint32(&s.failures) == 0
}

func (s *upstreamServer) latency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewma
}

func (s *upstreamServer) observe(rtt time.Duration, err error) {
	if err != nil {
		atomic.AddUint32(&s.failures, 1)
		return
	}
	atomic.StoreUint32(&s.failures, 0)
	sample := float64(rtt) / float64(time.Millisecond)
	s.mu.Lock()
	if s.ewma == 0 {
		s.ewma = sample
	} else {
		s.ewma = ewmaWeight*sample + (1-ewmaWeight)*s.ewma
	}
	s.mu.Unlock()
}

// NewUpstreamPool returns a pool dispatching to the given server
// addresses ("ip:port"), in the configured preference order.
func NewUpstreamPool(id string, addrs []string, opt UpstreamOptions) (*UpstreamPool, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no upstream servers configured")
	}
	if opt.Timeout == 0 {
		opt.Timeout = 2 * time.Second
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 2
	}
	p := &UpstreamPool{
		id:              id,
		UpstreamOptions: opt,
		metrics: &upstreamMetrics{
			query:   getVarMap("upstream", id, "query"),
			failure: getVarMap("upstream", id, "failure"),
		},
		exchange: exchange,
	}
	for _, addr := range addrs {
		p.servers = append(p.servers, &upstreamServer{addr: addr})
	}
	return p, nil
}

// Resolve a query by dispatching it to the best upstream candidate,
// retrying on the next one on failure or timeout.
func (p *UpstreamPool) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	log := logger(p.id, q, ci)
	candidates := p.rank()
	attempts := p.MaxRetries + 1

	var lastErr error
	for i := 0; i < attempts; i++ {
		server := candidates[i%len(candidates)]
		atomic.StoreInt64(&server.lastUsed, time.Now().UnixNano())
		p.metrics.query.Add(server.addr, 1)

		a, rtt, err := p.dispatch(server, q)
		server.observe(rtt, err)
		if err != nil {
			p.metrics.failure.Add(server.addr, 1)
			log.WithField("server", server.addr).WithError(err).Debug("upstream attempt failed")
			lastErr = err
			continue
		}
		// The response is surfaced verbatim, including upstream
		// FORMERR/SERVFAIL/NOTIMP codes, with EDNS parameters of the
		// client mirrored back in.
		mirrorEdns(q, a)
		return a, nil
	}
	return nil, fmt.Errorf("all %d upstream attempts failed: %w", attempts, lastErr)
}

func (p *UpstreamPool) dispatch(server *upstreamServer, q *Packet) (*Packet, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	start := time.Now()
	a, err := p.exchange(ctx, "udp", server.addr, q)
	if err != nil {
		return nil, time.Since(start), err
	}
	// A truncated answer over UDP is retried over TCP within the same
	// attempt deadline.
	if a.Truncated && !p.NoTCPRetry {
		a, err = p.exchange(ctx, "tcp", server.addr, q)
		if err != nil {
			return nil, time.Since(start), err
		}
	}
	return a, time.Since(start), nil
}

// rank orders the servers for the next dispatch: healthy before
// unhealthy, lower smoothed latency first, least recently used on ties.
func (p *UpstreamPool) rank() []*upstreamServer {
	candidates := make([]*upstreamServer, len(p.servers))
	copy(candidates, p.servers)
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i], candidates[j]
		if hi, hj := si.healthy(), sj.healthy(); hi != hj {
			return hi
		}
		if li, lj := si.latency(), sj.latency(); li != lj {
			return li < lj
		}
		return atomic.LoadInt64(&si.lastUsed) < atomic.LoadInt64(&sj.lastUsed)
	})
	return candidates
}

func (p *UpstreamPool) String() string {
	return p.id
}

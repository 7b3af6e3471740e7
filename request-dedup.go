package heimdall

import (
	"sync"
)

type inflightRequest struct {
	answer *Packet
	err    error
	done   chan struct{}
}

// requestDedup passes individual requests through normally. Concurrent
// queries for the same key are held until the first one returns, then
// all waiters are answered with the same response. This guarantees at
// most one upstream dispatch per key at any time and smooths out spikes
// of queries for the same name.
type requestDedup struct {
	id       string
	resolver Resolver
	mu       sync.Mutex
	inflight map[CacheKey]*inflightRequest
}

var _ Resolver = &requestDedup{}

func NewRequestDedup(id string, resolver Resolver) *requestDedup {
	return &requestDedup{
		id:       id,
		resolver: resolver,
		inflight: make(map[CacheKey]*inflightRequest),
	}
}

func (r *requestDedup) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	key := cacheKeyFromQuery(q)

	r.mu.Lock()
	req, ok := r.inflight[key]
	if !ok {
		req = &inflightRequest{done: make(chan struct{})}
		r.inflight[key] = req
	}
	r.mu.Unlock()

	log := logger(r.id, q, ci)

	// If the request is already in flight, wait for it to complete and
	// return the same answer.
	if ok {
		log.Debug("duplicate request, waiting for first answer")
		<-req.done
		a, err := req.answer, req.err
		// Return a copy with the waiter's ID since every caller may
		// modify its response independently.
		if a != nil {
			a = a.Copy()
			a.ID = q.ID
		}
		return a, err
	}
	log.WithField("resolver", r.resolver.String()).Debug("forwarding query to resolver")

	// Not already in flight, make the request.
	a, err := r.resolver.Resolve(q, ci)
	req.answer = a
	req.err = err

	// Drop the in-flight marker before releasing the waiters so a
	// late-arriving query can't attach to a completed request.
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()

	close(req.done)

	// The stored answer is shared with the waiters, return a copy.
	if a != nil {
		return a.Copy(), err
	}
	return a, err
}

func (r *requestDedup) String() string {
	return r.id
}

package heimdall

import (
	"net"
	"sync/atomic"
)

// TestResolver is a configurable resolver that counts invocations.
type TestResolver struct {
	ResolveFunc func(*Packet, ClientInfo) (*Packet, error)
	hitCount    int32
}

var _ Resolver = &TestResolver{}

func (r *TestResolver) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	atomic.AddInt32(&r.hitCount, 1)
	if r.ResolveFunc != nil {
		return r.ResolveFunc(q, ci)
	}
	a := new(Packet)
	a.SetReply(q)
	return a, nil
}

func (r *TestResolver) HitCount() int {
	return int(atomic.LoadInt32(&r.hitCount))
}

func (r *TestResolver) String() string {
	return "TestResolver"
}

// aRecord builds an A record for tests.
func aRecord(name string, ttl uint32, ip string) *RR {
	return &RR{
		Name:  Fqdn(name),
		Type:  TypeA,
		Class: ClassINET,
		TTL:   ttl,
		Data:  &A{IP: net.ParseIP(ip).To4()},
	}
}

// aAnswer builds a resolver returning an A record with the given TTL.
func aAnswer(ttl uint32, ip string) *TestResolver {
	return &TestResolver{
		ResolveFunc: func(q *Packet, _ ClientInfo) (*Packet, error) {
			a := new(Packet)
			a.SetReply(q)
			a.Answer = []*RR{aRecord(q.Question[0].Name, ttl, ip)}
			return a, nil
		},
	}
}

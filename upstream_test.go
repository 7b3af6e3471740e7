package heimdall

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestUpstreamFailover(t *testing.T) {
	var ci ClientInfo
	p, err := NewUpstreamPool("test-pool", []string{"192.0.2.1:53", "192.0.2.2:53"}, UpstreamOptions{
		Timeout: time.Second,
	})
	require.NoError(t, err)

	var attempts int32
	p.exchange = func(_ context.Context, network, addr string, q *Packet) (*Packet, error) {
		atomic.AddInt32(&attempts, 1)
		if addr == "192.0.2.1:53" {
			return nil, errors.New("connection refused")
		}
		a := new(Packet)
		a.SetReply(q)
		a.Answer = []*RR{aRecord(q.Question[0].Name, 300, "198.51.100.1")}
		return a, nil
	}

	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	a, err := p.Resolve(q, ci)
	require.NoError(t, err)
	require.Len(t, a.Answer, 1)
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	// The failed server is now ranked last; the next query goes to the
	// healthy one directly.
	_, err = p.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestUpstreamRetryBudget(t *testing.T) {
	var ci ClientInfo
	p, err := NewUpstreamPool("test-pool", []string{"192.0.2.1:53"}, UpstreamOptions{
		Timeout:    time.Second,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	var attempts int32
	p.exchange = func(_ context.Context, network, addr string, q *Packet) (*Packet, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("timeout")
	}

	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	_, err = p.Resolve(q, ci)
	require.Error(t, err)

	// Never more than max_retries+1 attempts per query.
	require.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestUpstreamTCPRetryOnTruncation(t *testing.T) {
	var ci ClientInfo
	p, err := NewUpstreamPool("test-pool", []string{"192.0.2.1:53"}, UpstreamOptions{
		Timeout: time.Second,
	})
	require.NoError(t, err)

	var networks []string
	p.exchange = func(_ context.Context, network, addr string, q *Packet) (*Packet, error) {
		networks = append(networks, network)
		a := new(Packet)
		a.SetReply(q)
		if network == "udp" {
			a.Truncated = true
			return a, nil
		}
		a.Answer = []*RR{aRecord(q.Question[0].Name, 300, "198.51.100.1")}
		return a, nil
	}

	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	a, err := p.Resolve(q, ci)
	require.NoError(t, err)
	require.False(t, a.Truncated)
	require.Len(t, a.Answer, 1)
	require.Equal(t, []string{"udp", "tcp"}, networks)
}

func TestUpstreamMirrorsEdns(t *testing.T) {
	var ci ClientInfo
	p, err := NewUpstreamPool("test-pool", []string{"192.0.2.1:53"}, UpstreamOptions{Timeout: time.Second})
	require.NoError(t, err)
	p.exchange = func(_ context.Context, network, addr string, q *Packet) (*Packet, error) {
		a := new(Packet)
		a.SetReply(q)
		return a, nil
	}

	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	opt := q.SetEdns0(1232, true)
	cookie := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	opt.Data.(*OPTData).Options = []EDNSOption{{Code: EDNS0Cookie, Data: cookie}}

	a, err := p.Resolve(q, ci)
	require.NoError(t, err)
	aOpt := a.IsEdns0()
	require.NotNil(t, aOpt)
	require.Equal(t, cookie, aOpt.Data.(*OPTData).Options[0].Data)
}

func TestUpstreamRanking(t *testing.T) {
	p, err := NewUpstreamPool("test-pool", []string{"a:53", "b:53"}, UpstreamOptions{})
	require.NoError(t, err)

	// Server a is slow, b is fast: b must rank first.
	p.servers[0].observe(100*time.Millisecond, nil)
	p.servers[1].observe(5*time.Millisecond, nil)
	ranked := p.rank()
	require.Equal(t, "b:53", ranked[0].addr)

	// A failure on b pushes it behind a.
	p.servers[1].observe(0, errors.New("unreachable"))
	ranked = p.rank()
	require.Equal(t, "a:53", ranked[0].addr)
}

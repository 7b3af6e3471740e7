package heimdall

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterClient(t *testing.T) {
	r := aAnswer(300, "192.0.2.1")
	l := NewRateLimiter("test-limit", r, RateLimiterOptions{
		ClientQPS:   2,
		ClientBurst: 2,
	})
	ci := ClientInfo{SourceIP: net.IP{10, 0, 0, 1}, Protocol: "udp"}

	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)

	// Two queries within the burst are answered, the third is silently
	// dropped on UDP.
	for i := 0; i < 2; i++ {
		a, err := l.Resolve(q, ci)
		require.NoError(t, err)
		require.NotNil(t, a)
	}
	a, err := l.Resolve(q, ci)
	require.NoError(t, err)
	require.Nil(t, a)
	require.Equal(t, 2, r.HitCount())

	// On a stream transport the rejection is REFUSED instead.
	tcpCI := ClientInfo{SourceIP: net.IP{10, 0, 0, 2}, Protocol: "tcp"}
	for i := 0; i < 2; i++ {
		_, err := l.Resolve(q, tcpCI)
		require.NoError(t, err)
	}
	a, err = l.Resolve(q, tcpCI)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, RcodeRefused, a.Rcode)
}

func TestRateLimiterDistinctClients(t *testing.T) {
	r := aAnswer(300, "192.0.2.1")
	l := NewRateLimiter("test-limit", r, RateLimiterOptions{
		ClientQPS:   1,
		ClientBurst: 1,
		Prefix4:     32,
	})
	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)

	// Exhausting one client's bucket doesn't affect another.
	ci1 := ClientInfo{SourceIP: net.IP{10, 0, 0, 1}, Protocol: "udp"}
	ci2 := ClientInfo{SourceIP: net.IP{10, 0, 1, 1}, Protocol: "udp"}

	a, err := l.Resolve(q, ci1)
	require.NoError(t, err)
	require.NotNil(t, a)
	a, err = l.Resolve(q, ci1)
	require.NoError(t, err)
	require.Nil(t, a)

	a, err = l.Resolve(q, ci2)
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestRateLimiterNxdomainBucket(t *testing.T) {
	r := &TestResolver{
		ResolveFunc: func(q *Packet, _ ClientInfo) (*Packet, error) {
			return nxdomain(q), nil
		},
	}
	l := NewRateLimiter("test-limit", r, RateLimiterOptions{
		NXDomainQPS:   1,
		NXDomainBurst: 1,
	})
	ci := ClientInfo{SourceIP: net.IP{10, 0, 0, 1}, Protocol: "udp"}
	q := new(Packet)
	q.SetQuestion("random-junk.example.", TypeA)

	a, err := l.Resolve(q, ci)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, RcodeNameError, a.Rcode)

	// The second NXDOMAIN within the window is suppressed even though
	// the client bucket has room.
	a, err = l.Resolve(q, ci)
	require.NoError(t, err)
	require.Nil(t, a)
	require.Equal(t, 2, r.HitCount())
}

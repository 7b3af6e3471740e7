package heimdall

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestDedup(t *testing.T) {
	var ci ClientInfo
	release := make(chan struct{})
	r := &TestResolver{
		ResolveFunc: func(q *Packet, _ ClientInfo) (*Packet, error) {
			<-release
			a := new(Packet)
			a.SetReply(q)
			a.Answer = []*RR{aRecord(q.Question[0].Name, 300, "192.0.2.1")}
			return a, nil
		},
	}
	d := NewRequestDedup("test-dedup", r)

	// Start a set of concurrent queries for the same key. Only one may
	// be dispatched; all waiters get the same outcome with their own
	// message ID.
	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Packet, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := new(Packet)
			q.ID = uint16(i)
			q.SetQuestion("example.com.", TypeA)
			a, err := d.Resolve(q, ci)
			require.NoError(t, err)
			results[i] = a
		}(i)
	}

	// Give all workers time to attach to the in-flight request.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, r.HitCount())
	for i, a := range results {
		require.NotNil(t, a)
		require.Equal(t, uint16(i), a.ID)
		require.Len(t, a.Answer, 1)
	}

	// A later query for the same key dispatches again.
	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	_, err := d.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, 2, r.HitCount())
}

func TestRequestDedupDistinctKeys(t *testing.T) {
	var ci ClientInfo
	r := aAnswer(300, "192.0.2.1")
	d := NewRequestDedup("test-dedup", r)

	q1 := new(Packet)
	q1.SetQuestion("one.example.com.", TypeA)
	q2 := new(Packet)
	q2.SetQuestion("one.example.com.", TypeAAAA)

	_, err := d.Resolve(q1, ci)
	require.NoError(t, err)
	_, err = d.Resolve(q2, ci)
	require.NoError(t, err)
	require.Equal(t, 2, r.HitCount())
}

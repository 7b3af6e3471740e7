package heimdall

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	net.Conn
	closed bool
}

func (c *fakeConn) Close() error { c.closed = true; return nil }

func TestConnectionManagerLimit(t *testing.T) {
	m := NewConnectionManager("test-conns", 2, time.Minute)
	defer m.Close()

	c1, ok := m.Register(&fakeConn{})
	require.True(t, ok)
	c2, ok := m.Register(&fakeConn{})
	require.True(t, ok)
	require.Equal(t, 2, m.Count())

	// Over the limit, the accept must be refused.
	_, ok = m.Register(&fakeConn{})
	require.False(t, ok)

	// IDs are monotonic.
	require.Less(t, c1.ID, c2.ID)

	m.Deregister(c1)
	require.Equal(t, 1, m.Count())
	_, ok = m.Register(&fakeConn{})
	require.True(t, ok)
	require.Equal(t, uint64(3), m.Total())
}

func TestConnectionManagerIdle(t *testing.T) {
	m := NewConnectionManager("test-idle", 10, 50*time.Millisecond)
	defer m.Close()

	state, ok := m.Register(&fakeConn{})
	require.True(t, ok)

	// Fresh connections aren't idle; an untouched one crosses the
	// threshold after the timeout.
	require.Less(t, state.idleSince(time.Now()), m.IdleTimeout())
	time.Sleep(60 * time.Millisecond)
	require.Greater(t, state.idleSince(time.Now()), m.IdleTimeout())

	// Activity resets the idle clock.
	state.Touch()
	require.Less(t, state.idleSince(time.Now()), m.IdleTimeout())
}

func TestConnectionManagerClose(t *testing.T) {
	m := NewConnectionManager("test-close", 10, time.Minute)
	conn := &fakeConn{}
	_, ok := m.Register(conn)
	require.True(t, ok)

	m.Close()
	require.True(t, conn.closed)
}

package heimdall

import (
	"expvar"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionManager tracks every open stream connection under a
// monotonic id and reaps the ones idle beyond the threshold. The
// connection limit is enforced at registration; over-limit connections
// are refused and closed by the listener.
type ConnectionManager struct {
	maxConnections int
	idleTimeout    time.Duration

	mu    sync.Mutex
	conns map[uint64]*ConnectionState

	nextID uint64 // atomic
	total  uint64 // atomic

	done      chan struct{}
	closeOnce sync.Once

	active *expvar.Int
	opened *expvar.Int
}

// ConnectionState is the per-connection record.
type ConnectionState struct {
	ID           uint64
	Conn         net.Conn
	lastActivity int64 // atomic, unix nanos
}

// Touch records activity on the connection.
func (c *ConnectionState) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *ConnectionState) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastActivity)))
}

// How often the idle sweep runs.
const connSweepPeriod = 30 * time.Second

// NewConnectionManager returns a manager enforcing the given connection
// limit and idle timeout.
func NewConnectionManager(id string, maxConnections int, idleTimeout time.Duration) *ConnectionManager {
	if maxConnections == 0 {
		maxConnections = 1000
	}
	if idleTimeout == 0 {
		idleTimeout = 2 * time.Minute
	}
	m := &ConnectionManager{
		maxConnections: maxConnections,
		idleTimeout:    idleTimeout,
		conns:          make(map[uint64]*ConnectionState),
		done:           make(chan struct{}),
		active:         getVarInt("connections", id, "active"),
		opened:         getVarInt("connections", id, "opened"),
	}
	go m.sweepLoop()
	return m
}

// Register adds a connection. Returns ok=false when the manager is at
// capacity, in which case the caller must close the connection.
func (m *ConnectionManager) Register(conn net.Conn) (*ConnectionState, bool) {
	state := &ConnectionState{
		ID:   atomic.AddUint64(&m.nextID, 1),
		Conn: conn,
	}
	state.Touch()

	m.mu.Lock()
	if len(m.conns) >= m.maxConnections {
		m.mu.Unlock()
		return nil, false
	}
	m.conns[state.ID] = state
	m.mu.Unlock()

	atomic.AddUint64(&m.total, 1)
	m.active.Add(1)
	m.opened.Add(1)
	return state, true
}

// Deregister removes a connection from tracking.
func (m *ConnectionManager) Deregister(state *ConnectionState) {
	m.mu.Lock()
	_, ok := m.conns[state.ID]
	delete(m.conns, state.ID)
	m.mu.Unlock()
	if ok {
		m.active.Add(-1)
	}
}

// Count returns the number of tracked connections.
func (m *ConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Total returns the number of connections accepted over the manager's
// lifetime.
func (m *ConnectionManager) Total() uint64 {
	return atomic.LoadUint64(&m.total)
}

// IdleTimeout returns the configured idle threshold.
func (m *ConnectionManager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

// Close stops the sweeper and closes all tracked connections.
func (m *ConnectionManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		for _, state := range m.conns {
			state.Conn.Close()
		}
		m.mu.Unlock()
	})
}

// sweepLoop closes connections idle beyond the threshold. Closing wakes
// the serving goroutine, which deregisters on exit.
func (m *ConnectionManager) sweepLoop() {
	ticker := time.NewTicker(connSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		now := time.Now()
		var idle []*ConnectionState
		m.mu.Lock()
		for _, state := range m.conns {
			if state.idleSince(now) > m.idleTimeout {
				idle = append(idle, state)
			}
		}
		m.mu.Unlock()
		for _, state := range idle {
			Log.WithField("conn-id", state.ID).Debug("closing idle connection")
			state.Conn.Close()
		}
	}
}

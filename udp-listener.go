package heimdall

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// UDPListener is a plain DNS listener over UDP. Every received
// datagram is handled as an independent task; responses go out on the
// same socket to the originating address.
type UDPListener struct {
	id   string
	addr string
	r    Resolver
	opt  UDPListenerOptions

	mu      sync.Mutex
	conn    net.PacketConn
	closed  bool
	metrics *ListenerMetrics
}

var _ Listener = &UDPListener{}

type UDPListenerOptions struct {
	// Bound on concurrently handled queries. Unbounded if 0.
	MaxInflight int
}

// NewUDPListener returns an instance of a UDP DNS listener.
func NewUDPListener(id, addr string, opt UDPListenerOptions, resolver Resolver) *UDPListener {
	return &UDPListener{
		id:      id,
		addr:    addr,
		r:       resolver,
		opt:     opt,
		metrics: NewListenerMetrics("listener", id),
	}
}

// Start the UDP listener.
func (s *UDPListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "udp", "addr": s.addr}).
		Info("starting listener")
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	var sem chan struct{}
	if s.opt.MaxInflight > 0 {
		sem = make(chan struct{}, s.opt.MaxInflight)
	}

	buf := make([]byte, MaxMsgSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		if sem != nil {
			sem <- struct{}{}
		}
		go func(msg []byte, addr net.Addr) {
			if sem != nil {
				defer func() { <-sem }()
			}
			s.handle(conn, msg, addr)
		}(msg, addr)
	}
}

func (s *UDPListener) handle(conn net.PacketConn, msg []byte, addr net.Addr) {
	ci := ClientInfo{
		Listener: s.id,
		Protocol: "udp",
	}
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		ci.SourceIP = udpAddr.IP
	}
	resp := handleQuery(s.id, s.r, msg, ci, s.metrics)
	if resp == nil {
		return
	}
	if _, err := conn.WriteTo(resp, addr); err != nil {
		s.metrics.err.Add("send", 1)
	}
}

// Stop the listener.
func (s *UDPListener) Stop() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "udp", "addr": s.addr}).
		Info("stopping listener")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *UDPListener) String() string {
	return s.id
}

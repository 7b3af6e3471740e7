package heimdall

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TCPListener serves plain DNS over TCP with the RFC 7766 two-octet
// length framing. With a TLS config it serves DNS-over-TLS instead.
// Each connection handles its stream of queries sequentially and is
// reaped by the connection manager when idle.
type TCPListener struct {
	id   string
	addr string
	r    Resolver
	opt  TCPListenerOptions

	protocol string
	connMgr  *ConnectionManager
	metrics  *ListenerMetrics

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

var _ Listener = &TCPListener{}

type TCPListenerOptions struct {
	// Serve TLS ("dot") when set.
	TLSConfig *tls.Config

	// Cap on concurrently open connections, default 1000. Accepts over
	// the limit are closed immediately.
	MaxConnections int

	// Connections with no complete query for this long are closed,
	// default 2 minutes.
	IdleTimeout time.Duration
}

// NewTCPListener returns an instance of a TCP or DoT DNS listener.
func NewTCPListener(id, addr string, opt TCPListenerOptions, resolver Resolver) *TCPListener {
	protocol := "tcp"
	if opt.TLSConfig != nil {
		protocol = "dot"
	}
	return &TCPListener{
		id:       id,
		addr:     addr,
		r:        resolver,
		opt:      opt,
		protocol: protocol,
		connMgr:  NewConnectionManager(id, opt.MaxConnections, opt.IdleTimeout),
		metrics:  NewListenerMetrics("listener", id),
	}
}

// Start the listener.
func (s *TCPListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": s.protocol, "addr": s.addr}).
		Info("starting listener")
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.opt.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opt.TLSConfig)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				time.Sleep(time.Second)
				continue
			}
			return err
		}
		state, ok := s.connMgr.Register(conn)
		if !ok {
			s.metrics.err.Add("max-connections", 1)
			conn.Close()
			continue
		}
		go s.serveConn(state)
	}
}

// serveConn reads length-prefixed queries off one connection and
// answers them in order.
func (s *TCPListener) serveConn(state *ConnectionState) {
	conn := state.Conn
	defer func() {
		conn.Close()
		s.connMgr.Deregister(state)
	}()

	ci := ClientInfo{
		Listener: s.id,
		Protocol: s.protocol,
	}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ci.SourceIP = tcpAddr.IP
	}
	var lenBuf [2]byte
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.connMgr.IdleTimeout()))
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		msgLen := int(lenBuf[0])<<8 | int(lenBuf[1])
		if msgLen == 0 {
			return
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, msg); err != nil {
			return
		}
		state.Touch()

		if tlsConn, ok := conn.(*tls.Conn); ok {
			ci.TLSServerName = tlsConn.ConnectionState().ServerName
		}
		resp := handleQuery(s.id, s.r, msg, ci, s.metrics)
		if resp == nil {
			// Drop means there's nothing to say, close the stream.
			return
		}
		frame := make([]byte, 2+len(resp))
		frame[0] = byte(len(resp) >> 8)
		frame[1] = byte(len(resp))
		copy(frame[2:], resp)
		if _, err := conn.Write(frame); err != nil {
			s.metrics.err.Add("send", 1)
			return
		}
	}
}

// Stop the listener and all open connections.
func (s *TCPListener) Stop() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": s.protocol, "addr": s.addr}).
		Info("stopping listener")
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	s.connMgr.Close()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *TCPListener) String() string {
	return s.id
}

package heimdall

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testUDPServer answers every query with one A record on a local
// socket and returns its address.
func testUDPServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, MaxMsgSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			q, err := ParsePacket(buf[:n])
			if err != nil {
				continue
			}
			a := new(Packet)
			a.SetReply(q)
			a.Answer = []*RR{aRecord(q.Question[0].Name, 300, "203.0.113.5")}
			b, err := a.Pack()
			if err != nil {
				continue
			}
			conn.WriteTo(b, addr)
		}
	}()
	return conn.LocalAddr().String()
}

// testTCPServer is the same over TCP with length-prefixed framing.
func testTCPServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var lenBuf [2]byte
				for {
					if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
						return
					}
					msg := make([]byte, int(lenBuf[0])<<8|int(lenBuf[1]))
					if _, err := io.ReadFull(conn, msg); err != nil {
						return
					}
					q, err := ParsePacket(msg)
					if err != nil {
						return
					}
					a := new(Packet)
					a.SetReply(q)
					a.Answer = []*RR{aRecord(q.Question[0].Name, 300, "203.0.113.5")}
					b, err := a.Pack()
					if err != nil {
						return
					}
					frame := make([]byte, 2+len(b))
					frame[0] = byte(len(b) >> 8)
					frame[1] = byte(len(b))
					copy(frame[2:], b)
					if _, err := conn.Write(frame); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestExchangeUDP(t *testing.T) {
	addr := testUDPServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := new(Packet)
	q.ID = 42
	q.SetQuestion("example.com.", TypeA)
	a, err := exchange(ctx, "udp", addr, q)
	require.NoError(t, err)
	require.Equal(t, uint16(42), a.ID)
	require.Len(t, a.Answer, 1)
}

func TestExchangeTCP(t *testing.T) {
	addr := testTCPServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := new(Packet)
	q.ID = 43
	q.SetQuestion("example.com.", TypeA)
	a, err := exchange(ctx, "tcp", addr, q)
	require.NoError(t, err)
	require.Equal(t, uint16(43), a.ID)
	require.Len(t, a.Answer, 1)
}

func TestExchangeTimeout(t *testing.T) {
	// A socket that never answers.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	_, err = exchange(ctx, "udp", conn.LocalAddr().String(), q)
	require.Error(t, err)
}

func TestUpstreamPoolEndToEnd(t *testing.T) {
	var ci ClientInfo
	addr := testUDPServer(t)
	p, err := NewUpstreamPool("e2e-pool", []string{addr}, UpstreamOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	q := new(Packet)
	q.ID = 0x1234
	q.SetQuestion("google.com.", TypeA)
	a, err := p.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), a.ID)
	require.True(t, a.Response)
	require.Len(t, a.Answer, 1)
}

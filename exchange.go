package heimdall

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

// exchange sends one query to addr over the given network and reads the
// response. TCP messages carry the RFC 7766 two-octet length prefix.
// The context deadline bounds the whole round trip.
func exchange(ctx context.Context, network, addr string, q *Packet) (*Packet, error) {
	msg, err := q.Pack()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var resp []byte
	switch network {
	case "tcp":
		frame := make([]byte, 2+len(msg))
		frame[0] = byte(len(msg) >> 8)
		frame[1] = byte(len(msg))
		copy(frame[2:], msg)
		if _, err := conn.Write(frame); err != nil {
			return nil, err
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return nil, err
		}
		resp = make([]byte, int(lenBuf[0])<<8|int(lenBuf[1]))
		if _, err := io.ReadFull(conn, resp); err != nil {
			return nil, err
		}
	default:
		if _, err := conn.Write(msg); err != nil {
			return nil, err
		}
		buf := make([]byte, ednsUDPSize)
		n, err := conn.Read(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, QueryTimeoutError{query: q}
			}
			return nil, err
		}
		resp = buf[:n]
	}

	a, err := ParsePacket(resp)
	if err != nil {
		return nil, err
	}
	if a.ID != q.ID {
		return nil, errors.Errorf("response id %d doesn't match query id %d", a.ID, q.ID)
	}
	return a, nil
}

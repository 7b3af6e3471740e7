package heimdall

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testClientInfo(protocol string) ClientInfo {
	return ClientInfo{SourceIP: net.IP{127, 0, 0, 1}, Listener: "test", Protocol: protocol}
}

func TestHandleQueryEcho(t *testing.T) {
	metrics := NewListenerMetrics("listener", "test-echo")
	r := aAnswer(300, "198.51.100.7")

	resp := handleQuery("test", r, googleQuery, testClientInfo("udp"), metrics)
	require.NotNil(t, resp)

	// The response echoes the query ID with QR set.
	require.Equal(t, []byte{0x12, 0x34}, resp[:2])
	a, err := ParsePacket(resp)
	require.NoError(t, err)
	require.True(t, a.Response)
	require.Equal(t, uint16(0x1234), a.ID)
	require.Len(t, a.Answer, 1)
}

func TestHandleQueryParseFailure(t *testing.T) {
	metrics := NewListenerMetrics("listener", "test-parse")
	r := &TestResolver{}
	junk := []byte{0xab, 0xcd, 0xff, 0xff, 0xff}

	// Malformed queries are dropped on UDP...
	resp := handleQuery("test", r, junk, testClientInfo("udp"), metrics)
	require.Nil(t, resp)

	// ...and refused with FORMERR on stream transports.
	resp = handleQuery("test", r, junk, testClientInfo("tcp"), metrics)
	require.NotNil(t, resp)
	a, err := ParsePacket(resp)
	require.NoError(t, err)
	require.Equal(t, RcodeFormatError, a.Rcode)
	require.Equal(t, uint16(0xabcd), a.ID)
	require.Equal(t, 0, r.HitCount())
}

func TestHandleQueryValidation(t *testing.T) {
	metrics := NewListenerMetrics("listener", "test-validate")
	r := &TestResolver{}

	// Unsupported opcode.
	q := new(Packet)
	q.SetQuestion("example.com.", TypeA)
	q.Opcode = OpcodeStatus
	b, err := q.Pack()
	require.NoError(t, err)
	resp := handleQuery("test", r, b, testClientInfo("udp"), metrics)
	a, err := ParsePacket(resp)
	require.NoError(t, err)
	require.Equal(t, RcodeNotImplemented, a.Rcode)

	// No question.
	q = new(Packet)
	b, err = q.Pack()
	require.NoError(t, err)
	resp = handleQuery("test", r, b, testClientInfo("udp"), metrics)
	a, err = ParsePacket(resp)
	require.NoError(t, err)
	require.Equal(t, RcodeFormatError, a.Rcode)
	require.Equal(t, 0, r.HitCount())
}

func TestHandleQueryServfailOnError(t *testing.T) {
	metrics := NewListenerMetrics("listener", "test-servfail")
	r := &TestResolver{
		ResolveFunc: func(q *Packet, _ ClientInfo) (*Packet, error) {
			return nil, QueryTimeoutError{query: q}
		},
	}
	resp := handleQuery("test", r, googleQuery, testClientInfo("udp"), metrics)
	require.NotNil(t, resp)
	a, err := ParsePacket(resp)
	require.NoError(t, err)
	require.Equal(t, RcodeServerFailure, a.Rcode)
}

func TestHandleQueryTruncatesUDP(t *testing.T) {
	metrics := NewListenerMetrics("listener", "test-truncate")
	r := &TestResolver{
		ResolveFunc: func(q *Packet, _ ClientInfo) (*Packet, error) {
			a := new(Packet)
			a.SetReply(q)
			for i := 0; i < 100; i++ {
				a.Answer = append(a.Answer, aRecord(q.Question[0].Name, 300, "192.0.2.1"))
			}
			return a, nil
		},
	}

	// Without EDNS the UDP response is capped at 512 bytes.
	resp := handleQuery("test", r, googleQuery, testClientInfo("udp"), metrics)
	require.NotNil(t, resp)
	require.LessOrEqual(t, len(resp), MinMsgSize)
	a, err := ParsePacket(resp)
	require.NoError(t, err)
	require.True(t, a.Truncated)

	// The same response over TCP comes back whole.
	resp = handleQuery("test", r, googleQuery, testClientInfo("tcp"), metrics)
	require.NotNil(t, resp)
	a, err = ParsePacket(resp)
	require.NoError(t, err)
	require.False(t, a.Truncated)
	require.Len(t, a.Answer, 100)
}

func TestHandleQueryDrop(t *testing.T) {
	metrics := NewListenerMetrics("listener", "test-drop")
	r := &TestResolver{
		ResolveFunc: func(q *Packet, _ ClientInfo) (*Packet, error) {
			return nil, nil
		},
	}
	resp := handleQuery("test", r, googleQuery, testClientInfo("udp"), metrics)
	require.Nil(t, resp)
}

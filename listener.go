package heimdall

import (
	"fmt"
)

// Listener is an interface for a DNS listener.
type Listener interface {
	Start() error
	Stop() error
	fmt.Stringer
}

// handleQuery runs one raw message through the resolver and returns the
// serialized response, or nil when no response should be sent. The
// same path serves every transport; only the parse-failure and size
// handling differ by protocol.
func handleQuery(id string, r Resolver, msg []byte, ci ClientInfo, metrics *ListenerMetrics) []byte {
	metrics.query.Add(1)

	q, err := ParsePacket(msg)
	if err != nil {
		metrics.err.Add("parse", 1)
		Log.WithField("id", id).WithField("client", ci.SourceIP).WithError(err).
			Debug("failed to parse query")
		// Malformed queries are dropped on UDP. On stream transports a
		// FORMERR is returned when the message ID is recoverable.
		if ci.Protocol == "udp" || len(msg) < 2 {
			metrics.drop.Add(1)
			return nil
		}
		bad := &Packet{}
		bad.ID = uint16(msg[0])<<8 | uint16(msg[1])
		bad.Response = true
		bad.Rcode = RcodeFormatError
		b, err := bad.Pack()
		if err != nil {
			return nil
		}
		return b
	}

	a := validateQuery(q)
	if a == nil {
		log := logger(id, q, ci)
		log.WithField("resolver", r.String()).Debug("forwarding query to resolver")
		var err error
		a, err = r.Resolve(q, ci)
		if err != nil {
			metrics.err.Add("resolve", 1)
			log.WithError(err).Error("failed to resolve")
			a = servfail(q)
		}
	} else {
		metrics.err.Add("validate", 1)
	}

	// A nil response from the resolver means "drop".
	if a == nil {
		metrics.drop.Add(1)
		return nil
	}
	a.ID = q.ID

	if ci.Protocol == "udp" {
		a.Truncate(maxUDPSize(q))
	} else {
		a.Truncate(MaxMsgSize)
	}

	b, err := a.Pack()
	if err != nil {
		metrics.err.Add("pack", 1)
		logger(id, q, ci).WithError(err).Error("failed to serialize response")
		return nil
	}
	metrics.response.Add(rCode(a), 1)
	return b
}

// validateQuery rejects well-formed but unacceptable queries. Returns
// nil when the query should proceed through the pipeline, the error
// response otherwise.
func validateQuery(q *Packet) *Packet {
	if q.Response {
		return formerr(q)
	}
	if q.Opcode != OpcodeQuery {
		a := new(Packet)
		return a.SetRcode(q, RcodeNotImplemented)
	}
	if len(q.Question) != 1 {
		return formerr(q)
	}
	if wireNameLen(q.Question[0].Name) > maxDomainLen {
		return formerr(q)
	}
	return nil
}

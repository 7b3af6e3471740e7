package heimdall

// Return the query name from a DNS query.
func qName(q *Packet) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Return the query type mnemonic from a DNS query.
func qType(q *Packet) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return TypeString(q.Question[0].Qtype)
}

// Returns a NXDOMAIN answer for a query.
func nxdomain(q *Packet) *Packet {
	a := new(Packet)
	a.SetRcode(q, RcodeNameError)
	return a
}

// Returns a SERVFAIL answer for a query.
func servfail(q *Packet) *Packet {
	a := new(Packet)
	a.SetRcode(q, RcodeServerFailure)
	return a
}

// Returns a REFUSED answer for a query.
func refused(q *Packet) *Packet {
	a := new(Packet)
	a.SetRcode(q, RcodeRefused)
	return a
}

// Returns a FORMERR answer for a query.
func formerr(q *Packet) *Packet {
	a := new(Packet)
	a.SetRcode(q, RcodeFormatError)
	return a
}

// rCode returns the text of the response code for metrics labels.
func rCode(a *Packet) string {
	return RcodeString(a.Rcode)
}

// minTTL returns the lowest TTL of the answer records, skipping the
// OPT pseudo-record. Returns false if the answer section is empty.
func minTTL(a *Packet) (uint32, bool) {
	var (
		min   uint32
		found bool
	)
	for _, rr := range a.Answer {
		if rr.Type == TypeOPT {
			continue
		}
		if !found || rr.TTL < min {
			min = rr.TTL
			found = true
		}
	}
	return min, found
}

// soaMinTTL returns the negative-caching TTL from the SOA record in the
// authority section of a negative response: the smaller of the SOA
// MINIMUM field and the SOA record's own TTL. Returns false if there is
// no SOA.
func soaMinTTL(a *Packet) (uint32, bool) {
	for _, rr := range a.Ns {
		if soa, ok := rr.Data.(*SOAData); ok {
			ttl := soa.Minttl
			if rr.TTL < ttl {
				ttl = rr.TTL
			}
			return ttl, true
		}
	}
	return 0, false
}

// clientCookie returns the client half of an EDNS cookie option in the
// query, if present.
func clientCookie(q *Packet) []byte {
	opt := q.IsEdns0()
	if opt == nil {
		return nil
	}
	data, ok := opt.Data.(*OPTData)
	if !ok {
		return nil
	}
	for _, o := range data.Options {
		if o.Code == EDNS0Cookie && len(o.Data) >= 8 {
			return o.Data[:8]
		}
	}
	return nil
}

// mirrorEdns copies the EDNS parameters of the query into the answer:
// the server's buffer size, the client's DO bit and the client cookie.
// Answers that already carry an OPT record keep it.
func mirrorEdns(q, a *Packet) {
	qOpt := q.IsEdns0()
	if qOpt == nil {
		return
	}
	aOpt := a.IsEdns0()
	if aOpt == nil {
		aOpt = a.SetEdns0(ednsUDPSize, qOpt.Do())
	}
	if cookie := clientCookie(q); cookie != nil {
		data := aOpt.Data.(*OPTData)
		for _, o := range data.Options {
			if o.Code == EDNS0Cookie {
				return
			}
		}
		data.Options = append(data.Options, EDNSOption{Code: EDNS0Cookie, Data: cookie})
	}
}

// maxUDPSize returns the response size limit for a query received over
// UDP, the EDNS0 advertised size or the 512 byte default.
func maxUDPSize(q *Packet) int {
	if opt := q.IsEdns0(); opt != nil {
		return int(opt.UDPSize())
	}
	return MinMsgSize
}

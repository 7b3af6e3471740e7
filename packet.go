package heimdall

import (
	"net"
)

// Wire codec for DNS messages per RFC 1035 with EDNS(0) per RFC 6891.
// Parsing is count-driven and rejects malformed names, forward
// compression pointers and truncated records. Serialization compresses
// owner names against earlier occurrences and never emits a forward
// pointer.

// Header holds the decoded form of the fixed 12-octet message prefix.
// The four section counts are not stored; they are derived from the
// section slices when packing and only drive reads when parsing.
type Header struct {
	ID                 uint16
	Response           bool
	Opcode             int
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Zero               uint8
	Rcode              int
}

// Question is a single query: a name, a type and a class.
type Question struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// RR is a resource record with a typed RDATA payload.
type RR struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  RData
}

// Packet is a full DNS message.
type Packet struct {
	Header
	Question []Question
	Answer   []*RR
	Ns       []*RR
	Extra    []*RR
}

// ParsePacket decodes a wire-format message. It returns a complete
// packet or a ParseError, never a partial packet.
func ParsePacket(msg []byte) (*Packet, error) {
	if len(msg) < 12 {
		return nil, parseErr(len(msg), "message shorter than header")
	}
	p := &Packet{}
	p.ID = uint16(msg[0])<<8 | uint16(msg[1])
	p.Response = msg[2]&0x80 != 0
	p.Opcode = int(msg[2]>>3) & 0xF
	p.Authoritative = msg[2]&0x04 != 0
	p.Truncated = msg[2]&0x02 != 0
	p.RecursionDesired = msg[2]&0x01 != 0
	p.RecursionAvailable = msg[3]&0x80 != 0
	p.Zero = msg[3] >> 4 & 0x7
	p.Rcode = int(msg[3]) & 0xF

	qdcount := int(msg[4])<<8 | int(msg[5])
	ancount := int(msg[6])<<8 | int(msg[7])
	nscount := int(msg[8])<<8 | int(msg[9])
	arcount := int(msg[10])<<8 | int(msg[11])

	pos := 12
	var err error
	for i := 0; i < qdcount; i++ {
		var q Question
		q.Name, pos, err = unpackName(msg, pos)
		if err != nil {
			return nil, err
		}
		if pos+4 > len(msg) {
			return nil, parseErr(pos, "truncated question")
		}
		q.Qtype = uint16(msg[pos])<<8 | uint16(msg[pos+1])
		q.Qclass = uint16(msg[pos+2])<<8 | uint16(msg[pos+3])
		pos += 4
		p.Question = append(p.Question, q)
	}
	for _, section := range []struct {
		count int
		list  *[]*RR
	}{
		{ancount, &p.Answer},
		{nscount, &p.Ns},
		{arcount, &p.Extra},
	} {
		for i := 0; i < section.count; i++ {
			var rr *RR
			rr, pos, err = unpackRR(msg, pos)
			if err != nil {
				return nil, err
			}
			*section.list = append(*section.list, rr)
		}
	}
	return p, nil
}

func unpackRR(msg []byte, off int) (*RR, int, error) {
	name, pos, err := unpackName(msg, off)
	if err != nil {
		return nil, 0, err
	}
	if pos+10 > len(msg) {
		return nil, 0, parseErr(pos, "truncated record header")
	}
	rr := &RR{
		Name:  name,
		Type:  uint16(msg[pos])<<8 | uint16(msg[pos+1]),
		Class: uint16(msg[pos+2])<<8 | uint16(msg[pos+3]),
		TTL:   beUint32(msg[pos+4:]),
	}
	rdlen := int(msg[pos+8])<<8 | int(msg[pos+9])
	pos += 10
	if pos+rdlen > len(msg) {
		return nil, 0, parseErr(pos, "truncated RDATA")
	}
	rr.Data, err = parseRData(rr.Type, msg, pos, rdlen)
	if err != nil {
		return nil, 0, err
	}
	return rr, pos + rdlen, nil
}

// Pack serializes the message. The section counts in the emitted header
// always equal the section lengths.
func (p *Packet) Pack() ([]byte, error) {
	w := newMsgWriter()

	var b2, b3 uint8
	if p.Response {
		b2 |= 0x80
	}
	b2 |= uint8(p.Opcode&0xF) << 3
	if p.Authoritative {
		b2 |= 0x04
	}
	if p.Truncated {
		b2 |= 0x02
	}
	if p.RecursionDesired {
		b2 |= 0x01
	}
	if p.RecursionAvailable {
		b3 |= 0x80
	}
	b3 |= (p.Zero & 0x7) << 4
	b3 |= uint8(p.Rcode & 0xF)

	w.uint16(p.ID)
	w.uint8(b2)
	w.uint8(b3)
	w.uint16(uint16(len(p.Question)))
	w.uint16(uint16(len(p.Answer)))
	w.uint16(uint16(len(p.Ns)))
	w.uint16(uint16(len(p.Extra)))

	for _, q := range p.Question {
		if err := w.name(q.Name, true); err != nil {
			return nil, err
		}
		w.uint16(q.Qtype)
		w.uint16(q.Qclass)
	}
	for _, section := range [][]*RR{p.Answer, p.Ns, p.Extra} {
		for _, rr := range section {
			if err := packRR(w, rr); err != nil {
				return nil, err
			}
		}
	}
	if len(w.buf) > MaxMsgSize {
		return nil, PackError{Reason: "message exceeds 65535 bytes"}
	}
	return w.buf, nil
}

func packRR(w *msgWriter, rr *RR) error {
	if err := w.name(rr.Name, true); err != nil {
		return err
	}
	w.uint16(rr.Type)
	w.uint16(rr.Class)
	w.uint32(rr.TTL)
	lenOff := len(w.buf)
	w.uint16(0) // RDLENGTH, backpatched below
	if rr.Data != nil {
		if err := rr.Data.pack(w); err != nil {
			return err
		}
	}
	rdlen := len(w.buf) - lenOff - 2
	if rdlen > MaxMsgSize {
		return PackError{Reason: "RDATA exceeds 65535 bytes"}
	}
	w.setUint16(lenOff, uint16(rdlen))
	return nil
}

// Truncate drops trailing records until the packed message fits within
// size bytes, preferring to keep answers over authorities over
// additionals. The OPT pseudo-record is dropped last. The TC bit is set
// if anything was removed.
func (p *Packet) Truncate(size int) {
	if size < 12 {
		size = 12
	}
	for {
		b, err := p.Pack()
		if err == nil && len(b) <= size {
			return
		}
		switch {
		case len(p.Extra) > 1 || (len(p.Extra) == 1 && p.Extra[0].Type != TypeOPT):
			// Drop the last non-OPT record of the additional section.
			i := len(p.Extra) - 1
			if p.Extra[i].Type == TypeOPT && i > 0 {
				i--
			}
			p.Extra = append(p.Extra[:i], p.Extra[i+1:]...)
			p.Truncated = true
		case len(p.Ns) > 0:
			p.Ns = p.Ns[:len(p.Ns)-1]
			p.Truncated = true
		case len(p.Answer) > 0:
			p.Answer = p.Answer[:len(p.Answer)-1]
			p.Truncated = true
		case len(p.Extra) > 0:
			p.Extra = nil
			p.Truncated = true
		default:
			return
		}
	}
}

// SetReply initializes the packet as a reply to the given query: same
// ID and opcode, question copied, QR set.
func (p *Packet) SetReply(q *Packet) *Packet {
	p.ID = q.ID
	p.Response = true
	p.Opcode = q.Opcode
	p.RecursionDesired = q.RecursionDesired
	p.Rcode = RcodeSuccess
	p.Question = append([]Question(nil), q.Question...)
	return p
}

// SetQuestion initializes the packet as a query for the given name and
// type, in the IN class.
func (p *Packet) SetQuestion(name string, qtype uint16) *Packet {
	p.RecursionDesired = true
	p.Question = []Question{{Name: Fqdn(name), Qtype: qtype, Qclass: ClassINET}}
	return p
}

// SetRcode initializes the packet as a reply with the given rcode.
func (p *Packet) SetRcode(q *Packet, rcode int) *Packet {
	p.SetReply(q)
	p.Rcode = rcode
	return p
}

// Copy returns a deep copy of the packet.
func (p *Packet) Copy() *Packet {
	c := &Packet{Header: p.Header}
	c.Question = append([]Question(nil), p.Question...)
	c.Answer = copyRRs(p.Answer)
	c.Ns = copyRRs(p.Ns)
	c.Extra = copyRRs(p.Extra)
	return c
}

func copyRRs(rrs []*RR) []*RR {
	if rrs == nil {
		return nil
	}
	out := make([]*RR, len(rrs))
	for i, rr := range rrs {
		c := *rr
		c.Data = copyRData(rr.Data)
		out[i] = &c
	}
	return out
}

func copyRData(d RData) RData {
	switch v := d.(type) {
	case *A:
		return &A{IP: append(net.IP(nil), v.IP...)}
	case *AAAA:
		return &AAAA{IP: append(net.IP(nil), v.IP...)}
	case *CNAMEData:
		c := *v
		return &c
	case *NSData:
		c := *v
		return &c
	case *PTRData:
		c := *v
		return &c
	case *MXData:
		c := *v
		return &c
	case *TXTData:
		return &TXTData{Txt: append([]string(nil), v.Txt...)}
	case *SOAData:
		c := *v
		return &c
	case *SRVData:
		c := *v
		return &c
	case *OPTData:
		c := &OPTData{Options: make([]EDNSOption, len(v.Options))}
		for i, o := range v.Options {
			c.Options[i] = EDNSOption{Code: o.Code, Data: append([]byte(nil), o.Data...)}
		}
		return c
	case *RawData:
		return &RawData{Data: append([]byte(nil), v.Data...)}
	default:
		return nil
	}
}

// IsEdns0 returns the OPT pseudo-record of the message, or nil.
func (p *Packet) IsEdns0() *RR {
	for _, rr := range p.Extra {
		if rr.Type == TypeOPT {
			return rr
		}
	}
	return nil
}

// SetEdns0 appends an OPT pseudo-record advertising the given UDP
// buffer size and DO bit.
func (p *Packet) SetEdns0(udpSize uint16, do bool) *RR {
	opt := &RR{
		Name:  ".",
		Type:  TypeOPT,
		Class: udpSize,
		Data:  &OPTData{},
	}
	if do {
		opt.SetDo(true)
	}
	p.Extra = append(p.Extra, opt)
	return opt
}

// UDPSize returns the advertised EDNS0 UDP buffer size of an OPT
// record, never less than the 512-byte protocol minimum.
func (rr *RR) UDPSize() uint16 {
	if rr.Class < MinMsgSize {
		return MinMsgSize
	}
	return rr.Class
}

// Do returns the DNSSEC-OK bit of an OPT record.
func (rr *RR) Do() bool {
	return rr.TTL&0x8000 != 0
}

// SetDo sets the DNSSEC-OK bit of an OPT record.
func (rr *RR) SetDo(do bool) {
	if do {
		rr.TTL |= 0x8000
	} else {
		rr.TTL &^= 0x8000
	}
}

// ExtendedRcode returns the upper 8 bits of the extended RCODE carried
// in an OPT record TTL field.
func (rr *RR) ExtendedRcode() uint8 {
	return uint8(rr.TTL >> 24)
}

// Version returns the EDNS version of an OPT record.
func (rr *RR) Version() uint8 {
	return uint8(rr.TTL >> 16)
}

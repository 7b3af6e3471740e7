package heimdall

import (
	"net"
)

// RData is the typed payload of a resource record. Record types the
// codec doesn't understand are carried as RawData so the message can be
// re-emitted with consistent counts.
type RData interface {
	pack(w *msgWriter) error
}

// A is an IPv4 address record payload.
type A struct {
	IP net.IP
}

// AAAA is an IPv6 address record payload.
type AAAA struct {
	IP net.IP
}

// CNAMEData is the payload of a CNAME record.
type CNAMEData struct {
	Target string
}

// NSData is the payload of an NS record.
type NSData struct {
	NS string
}

// PTRData is the payload of a PTR record.
type PTRData struct {
	Ptr string
}

// MXData is the payload of an MX record.
type MXData struct {
	Preference uint16
	Mx         string
}

// TXTData is the payload of a TXT record, a sequence of strings of up
// to 255 bytes each.
type TXTData struct {
	Txt []string
}

// SOAData is the payload of an SOA record.
type SOAData struct {
	Mname   string
	Rname   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minttl  uint32
}

// SRVData is the payload of an SRV record.
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// EDNSOption is a single option in an OPT pseudo-record.
type EDNSOption struct {
	Code uint16
	Data []byte
}

// OPTData is the payload of an EDNS(0) OPT pseudo-record. The UDP size,
// extended RCODE, version and DO bit live in the record's class and TTL
// fields and are accessed through the RR helpers.
type OPTData struct {
	Options []EDNSOption
}

// RawData carries the RDATA of record types the codec has no typed
// representation for.
type RawData struct {
	Data []byte
}

func (d *A) pack(w *msgWriter) error {
	ip := d.IP.To4()
	if ip == nil {
		return PackError{Reason: "invalid IPv4 address in A record"}
	}
	w.bytes(ip)
	return nil
}

func (d *AAAA) pack(w *msgWriter) error {
	ip := d.IP.To16()
	if ip == nil {
		return PackError{Reason: "invalid IPv6 address in AAAA record"}
	}
	w.bytes(ip)
	return nil
}

func (d *CNAMEData) pack(w *msgWriter) error { return w.name(d.Target, false) }
func (d *NSData) pack(w *msgWriter) error    { return w.name(d.NS, false) }
func (d *PTRData) pack(w *msgWriter) error   { return w.name(d.Ptr, false) }

func (d *MXData) pack(w *msgWriter) error {
	w.uint16(d.Preference)
	return w.name(d.Mx, false)
}

func (d *TXTData) pack(w *msgWriter) error {
	for _, s := range d.Txt {
		if len(s) > 255 {
			return PackError{Reason: "TXT string exceeds 255 bytes"}
		}
		w.uint8(uint8(len(s)))
		w.bytes([]byte(s))
	}
	return nil
}

func (d *SOAData) pack(w *msgWriter) error {
	if err := w.name(d.Mname, false); err != nil {
		return err
	}
	if err := w.name(d.Rname, false); err != nil {
		return err
	}
	w.uint32(d.Serial)
	w.uint32(d.Refresh)
	w.uint32(d.Retry)
	w.uint32(d.Expire)
	w.uint32(d.Minttl)
	return nil
}

func (d *SRVData) pack(w *msgWriter) error {
	w.uint16(d.Priority)
	w.uint16(d.Weight)
	w.uint16(d.Port)
	return w.name(d.Target, false)
}

func (d *OPTData) pack(w *msgWriter) error {
	for _, o := range d.Options {
		w.uint16(o.Code)
		w.uint16(uint16(len(o.Data)))
		w.bytes(o.Data)
	}
	return nil
}

func (d *RawData) pack(w *msgWriter) error {
	w.bytes(d.Data)
	return nil
}

// parseRData decodes the RDATA of one record. Names inside RDATA may
// use compression and are resolved against the whole message.
func parseRData(rrtype uint16, msg []byte, off, rdlen int) (RData, error) {
	end := off + rdlen
	switch rrtype {
	case TypeA:
		if rdlen != net.IPv4len {
			return nil, parseErr(off, "bad A RDATA length")
		}
		ip := make(net.IP, net.IPv4len)
		copy(ip, msg[off:end])
		return &A{IP: ip}, nil

	case TypeAAAA:
		if rdlen != net.IPv6len {
			return nil, parseErr(off, "bad AAAA RDATA length")
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, msg[off:end])
		return &AAAA{IP: ip}, nil

	case TypeCNAME:
		name, _, err := unpackName(msg, off)
		if err != nil {
			return nil, err
		}
		return &CNAMEData{Target: name}, nil

	case TypeNS:
		name, _, err := unpackName(msg, off)
		if err != nil {
			return nil, err
		}
		return &NSData{NS: name}, nil

	case TypePTR:
		name, _, err := unpackName(msg, off)
		if err != nil {
			return nil, err
		}
		return &PTRData{Ptr: name}, nil

	case TypeMX:
		if rdlen < 3 {
			return nil, parseErr(off, "bad MX RDATA length")
		}
		pref := uint16(msg[off])<<8 | uint16(msg[off+1])
		name, _, err := unpackName(msg, off+2)
		if err != nil {
			return nil, err
		}
		return &MXData{Preference: pref, Mx: name}, nil

	case TypeTXT:
		var txt []string
		pos := off
		for pos < end {
			l := int(msg[pos])
			pos++
			if pos+l > end {
				return nil, parseErr(pos, "truncated TXT string")
			}
			txt = append(txt, string(msg[pos:pos+l]))
			pos += l
		}
		return &TXTData{Txt: txt}, nil

	case TypeSOA:
		mname, pos, err := unpackName(msg, off)
		if err != nil {
			return nil, err
		}
		rname, pos, err := unpackName(msg, pos)
		if err != nil {
			return nil, err
		}
		if pos+20 > end {
			return nil, parseErr(pos, "truncated SOA RDATA")
		}
		return &SOAData{
			Mname:   mname,
			Rname:   rname,
			Serial:  beUint32(msg[pos:]),
			Refresh: beUint32(msg[pos+4:]),
			Retry:   beUint32(msg[pos+8:]),
			Expire:  beUint32(msg[pos+12:]),
			Minttl:  beUint32(msg[pos+16:]),
		}, nil

	case TypeSRV:
		if rdlen < 7 {
			return nil, parseErr(off, "bad SRV RDATA length")
		}
		name, _, err := unpackName(msg, off+6)
		if err != nil {
			return nil, err
		}
		return &SRVData{
			Priority: uint16(msg[off])<<8 | uint16(msg[off+1]),
			Weight:   uint16(msg[off+2])<<8 | uint16(msg[off+3]),
			Port:     uint16(msg[off+4])<<8 | uint16(msg[off+5]),
			Target:   name,
		}, nil

	case TypeOPT:
		var opts []EDNSOption
		pos := off
		for pos < end {
			if pos+4 > end {
				return nil, parseErr(pos, "truncated EDNS option")
			}
			code := uint16(msg[pos])<<8 | uint16(msg[pos+1])
			l := int(msg[pos+2])<<8 | int(msg[pos+3])
			pos += 4
			if pos+l > end {
				return nil, parseErr(pos, "truncated EDNS option data")
			}
			data := make([]byte, l)
			copy(data, msg[pos:pos+l])
			opts = append(opts, EDNSOption{Code: code, Data: data})
			pos += l
		}
		return &OPTData{Options: opts}, nil

	default:
		data := make([]byte, rdlen)
		copy(data, msg[off:end])
		return &RawData{Data: data}, nil
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

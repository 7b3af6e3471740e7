package heimdall

import (
	"os"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Zone files are parsed with the miekg/dns zone parser and converted
// into the internal record model. Only the materialized form is used
// by the query path.

// LoadZoneFile reads one RFC 1035 master file. The apex is taken from
// the SOA record, which must be present.
func LoadZoneFile(filename string) (*Zone, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open zone file")
	}
	defer f.Close()

	parser := dns.NewZoneParser(f, "", filename)
	parser.SetIncludeAllowed(true)

	var records []*RR
	var apex string
	for drr, ok := parser.Next(); ok; drr, ok = parser.Next() {
		rr, ok := convertRR(drr)
		if !ok {
			Log.WithField("record", drr.String()).Warn("skipping unsupported record type in zone file")
			continue
		}
		if _, isSOA := rr.Data.(*SOAData); isSOA && apex == "" {
			apex = rr.Name
		}
		records = append(records, rr)
	}
	if err := parser.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to parse zone file %s", filename)
	}
	if apex == "" {
		return nil, errors.Errorf("zone file %s has no SOA record", filename)
	}

	zone := NewZone(apex)
	for _, rr := range records {
		zone.AddRR(rr)
	}
	Log.WithField("zone", zone.Apex).WithField("records", len(records)).Info("loaded zone file")
	return zone, nil
}

// convertRR maps a library record into the internal model. Types the
// query path has no RDATA representation for are reported unsupported.
func convertRR(drr dns.RR) (*RR, bool) {
	hdr := drr.Header()
	rr := &RR{
		Name:  hdr.Name,
		Class: hdr.Class,
		TTL:   hdr.Ttl,
	}
	switch v := drr.(type) {
	case *dns.A:
		rr.Type = TypeA
		rr.Data = &A{IP: v.A.To4()}
	case *dns.AAAA:
		rr.Type = TypeAAAA
		rr.Data = &AAAA{IP: v.AAAA.To16()}
	case *dns.CNAME:
		rr.Type = TypeCNAME
		rr.Data = &CNAMEData{Target: v.Target}
	case *dns.NS:
		rr.Type = TypeNS
		rr.Data = &NSData{NS: v.Ns}
	case *dns.PTR:
		rr.Type = TypePTR
		rr.Data = &PTRData{Ptr: v.Ptr}
	case *dns.MX:
		rr.Type = TypeMX
		rr.Data = &MXData{Preference: v.Preference, Mx: v.Mx}
	case *dns.TXT:
		rr.Type = TypeTXT
		rr.Data = &TXTData{Txt: append([]string(nil), v.Txt...)}
	case *dns.SOA:
		rr.Type = TypeSOA
		rr.Data = &SOAData{
			Mname:   v.Ns,
			Rname:   v.Mbox,
			Serial:  v.Serial,
			Refresh: v.Refresh,
			Retry:   v.Retry,
			Expire:  v.Expire,
			Minttl:  v.Minttl,
		}
	case *dns.SRV:
		rr.Type = TypeSRV
		rr.Data = &SRVData{
			Priority: v.Priority,
			Weight:   v.Weight,
			Port:     v.Port,
			Target:   v.Target,
		}
	default:
		return nil, false
	}
	return rr, true
}

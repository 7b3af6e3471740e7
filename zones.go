package heimdall

import (
	"errors"
	"expvar"
	"strings"
)

// Zone is the materialized in-memory form of one authoritative zone.
// Built at startup, then read-only.
type Zone struct {
	// Apex name, canonical FQDN.
	Apex string

	// The zone's SOA record, served in the authority section of
	// negative answers.
	SOA *RR

	// RRSets by (owner name, type).
	rrsets map[rrsetKey][]*RR

	// All owner names that exist in the zone, including names that
	// only have records of other types.
	names map[string]struct{}

	// NS RRSets of delegated child zones, owner below the apex.
	delegations map[string][]*RR
}

type rrsetKey struct {
	name  string
	qtype uint16
}

// NewZone returns an empty zone for the given apex.
func NewZone(apex string) *Zone {
	return &Zone{
		Apex:        CanonicalName(apex),
		rrsets:      make(map[rrsetKey][]*RR),
		names:       make(map[string]struct{}),
		delegations: make(map[string][]*RR),
	}
}

// AddRR inserts one record into the zone.
func (z *Zone) AddRR(rr *RR) {
	name := CanonicalName(rr.Name)
	if rr.Type == TypeSOA && name == z.Apex {
		z.SOA = rr
	}
	if rr.Type == TypeNS && name != z.Apex {
		z.delegations[name] = append(z.delegations[name], rr)
	}
	key := rrsetKey{name: name, qtype: rr.Type}
	z.rrsets[key] = append(z.rrsets[key], rr)
	z.names[name] = struct{}{}
}

// ZoneStore holds all loaded zones and finds the one responsible for a
// name by longest apex match.
type ZoneStore struct {
	zones map[string]*Zone
}

func NewZoneStore(zones ...*Zone) (*ZoneStore, error) {
	s := &ZoneStore{zones: make(map[string]*Zone, len(zones))}
	for _, z := range zones {
		if z.SOA == nil {
			return nil, errors.New("zone " + z.Apex + " has no SOA record")
		}
		s.zones[z.Apex] = z
	}
	return s, nil
}

// Find returns the zone whose apex is the longest suffix of name, nil
// if the name falls under no loaded zone.
func (s *ZoneStore) Find(name string) *Zone {
	name = CanonicalName(name)
	for {
		if z, ok := s.zones[name]; ok {
			return z
		}
		if name == "." {
			return nil
		}
		i := strings.IndexByte(name, '.')
		name = name[i+1:]
		if name == "" {
			name = "."
		}
	}
}

// Authoritative serves queries for names under its loaded zones and
// passes everything else to the next resolver.
type Authoritative struct {
	id       string
	zones    *ZoneStore
	resolver Resolver
	metrics  *authoritativeMetrics
}

var _ Resolver = &Authoritative{}

type authoritativeMetrics struct {
	// Queries answered from a zone.
	served *expvar.Int
	// Queries passed through.
	forwarded *expvar.Int
}

func NewAuthoritative(id string, zones *ZoneStore, resolver Resolver) *Authoritative {
	return &Authoritative{
		id:       id,
		zones:    zones,
		resolver: resolver,
		metrics: &authoritativeMetrics{
			served:    getVarInt("authoritative", id, "served"),
			forwarded: getVarInt("authoritative", id, "forwarded"),
		},
	}
}

// Resolve a query from the zone store if the name falls under a loaded
// zone, forwarding it otherwise.
func (r *Authoritative) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	if len(q.Question) < 1 {
		return nil, errors.New("no question in query")
	}
	question := q.Question[0]
	zone := r.zones.Find(question.Name)
	if zone == nil {
		r.metrics.forwarded.Add(1)
		return r.resolver.Resolve(q, ci)
	}
	logger(r.id, q, ci).WithField("zone", zone.Apex).Debug("serving from zone")
	r.metrics.served.Add(1)
	return zone.Answer(q), nil
}

func (r *Authoritative) String() string {
	return r.id
}

// Answer builds the authoritative response for a query under this
// zone: answers, NODATA, NXDOMAIN or a referral to a delegated child.
func (z *Zone) Answer(q *Packet) *Packet {
	question := q.Question[0]
	name := CanonicalName(question.Name)

	a := new(Packet)
	a.SetReply(q)

	// Names at or below a delegated child zone get a referral instead
	// of an authoritative answer.
	if _, nsSet := z.delegation(name); nsSet != nil {
		a.Authoritative = false
		a.Ns = append(a.Ns, nsSet...)
		for _, ns := range nsSet {
			data, ok := ns.Data.(*NSData)
			if !ok {
				continue
			}
			target := CanonicalName(data.NS)
			a.Extra = append(a.Extra, z.rrsets[rrsetKey{target, TypeA}]...)
			a.Extra = append(a.Extra, z.rrsets[rrsetKey{target, TypeAAAA}]...)
		}
		return a
	}

	a.Authoritative = true

	// Exact name and type.
	if rrs := z.lookupRRSet(name, question.Qtype); len(rrs) > 0 {
		a.Answer = append(a.Answer, rrs...)
		return a
	}

	// Name exists with other types: NODATA.
	if _, ok := z.names[name]; ok {
		a.Ns = append(a.Ns, z.SOA)
		return a
	}

	// Name doesn't exist under the apex.
	a.Rcode = RcodeNameError
	a.Ns = append(a.Ns, z.SOA)
	return a
}

// lookupRRSet returns the RRSet for (name, type), following one CNAME
// level inside the zone. ANY returns every RRSet at the name.
func (z *Zone) lookupRRSet(name string, qtype uint16) []*RR {
	if qtype == TypeANY {
		var all []*RR
		for key, rrs := range z.rrsets {
			if key.name == name {
				all = append(all, rrs...)
			}
		}
		return all
	}
	if rrs, ok := z.rrsets[rrsetKey{name, qtype}]; ok {
		return rrs
	}
	// A CNAME at the name answers queries for any other type, with the
	// target's records appended when the target is in the zone.
	if qtype != TypeCNAME {
		if cnames, ok := z.rrsets[rrsetKey{name, TypeCNAME}]; ok {
			rrs := append([]*RR{}, cnames...)
			if data, ok := cnames[0].Data.(*CNAMEData); ok {
				target := CanonicalName(data.Target)
				rrs = append(rrs, z.rrsets[rrsetKey{target, qtype}]...)
			}
			return rrs
		}
	}
	return nil
}

// delegation returns the NS RRSet of the closest delegated child zone
// enclosing the name, if any.
func (z *Zone) delegation(name string) (string, []*RR) {
	owner := name
	for owner != z.Apex && owner != "." {
		if nsSet, ok := z.delegations[owner]; ok {
			return owner, nsSet
		}
		i := strings.IndexByte(owner, '.')
		owner = owner[i+1:]
		if owner == "" {
			owner = "."
		}
	}
	return "", nil
}

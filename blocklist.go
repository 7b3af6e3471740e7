package heimdall

import (
	"errors"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockMode determines the response synthesized for a blocked name.
type BlockMode string

const (
	// Respond with NXDOMAIN. The default.
	BlockModeNxDomain BlockMode = "nxdomain"
	// Respond with the unspecified address (0.0.0.0 / ::).
	BlockModeZeroIP BlockMode = "zero-ip"
	// Respond with REFUSED.
	BlockModeRefused BlockMode = "refused"
	// Respond with the configured addresses.
	BlockModeCustom BlockMode = "custom"
)

// Blocklist is a resolver that answers queries matching its ruleset
// directly, per the configured mode. Everything else is passed through
// to another resolver.
type Blocklist struct {
	id string
	BlocklistOptions
	resolver Resolver
	mu       sync.RWMutex
	metrics  *BlocklistMetrics
}

var _ Resolver = &Blocklist{}

type BlocklistOptions struct {
	BlocklistDB BlocklistDB

	// Response synthesized for blocked names, default NXDOMAIN.
	Mode BlockMode

	// Addresses for BlockModeCustom.
	CustomA    net.IP
	CustomAAAA net.IP

	// Refresh period for the ruleset. Disabled if 0.
	BlocklistRefresh time.Duration
}

type BlocklistMetrics struct {
	// Blocked queries count.
	blocked *expvar.Int
	// Allowed queries count.
	allowed *expvar.Int
}

func NewBlocklistMetrics(id string) *BlocklistMetrics {
	return &BlocklistMetrics{
		allowed: getVarInt("blocklist", id, "allow"),
		blocked: getVarInt("blocklist", id, "deny"),
	}
}

// Spoofed records use this TTL.
const blockSpoofTTL = 3600

// NewBlocklist returns a new instance of a blocklist resolver.
func NewBlocklist(id string, resolver Resolver, opt BlocklistOptions) (*Blocklist, error) {
	if opt.BlocklistDB == nil {
		return nil, errors.New("no blocklist database provided")
	}
	if opt.Mode == "" {
		opt.Mode = BlockModeNxDomain
	}
	blocklist := &Blocklist{
		id:               id,
		resolver:         resolver,
		BlocklistOptions: opt,
		metrics:          NewBlocklistMetrics(id),
	}
	if blocklist.BlocklistRefresh > 0 {
		go blocklist.refreshLoop(blocklist.BlocklistRefresh)
	}
	return blocklist, nil
}

// Resolve a DNS query by first checking the query against the ruleset.
// Queries that do not match are passed on to the next resolver.
func (r *Blocklist) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	if len(q.Question) < 1 {
		return nil, errors.New("no question in query")
	}
	question := q.Question[0]
	log := logger(r.id, q, ci)

	r.mu.RLock()
	db := r.BlocklistDB
	r.mu.RUnlock()

	verdict, match := db.Match(question)
	if verdict == NotBlocked {
		r.metrics.allowed.Add(1)
		return r.resolver.Resolve(q, ci)
	}
	log = log.WithFields(logrus.Fields{"list": match.List, "rule": match.Rule})
	log.Debug("blocking request")
	r.metrics.blocked.Add(1)

	switch r.Mode {
	case BlockModeRefused:
		return refused(q), nil
	case BlockModeZeroIP:
		return spoofAnswer(q, net.IPv4zero, net.IPv6zero), nil
	case BlockModeCustom:
		return spoofAnswer(q, r.CustomA, r.CustomAAAA), nil
	default:
		a := nxdomain(q)
		a.RecursionAvailable = q.RecursionDesired
		return a, nil
	}
}

func (r *Blocklist) String() string {
	return r.id
}

// spoofAnswer builds a response carrying the given address for A and
// AAAA queries. Other types get an empty NOERROR answer.
func spoofAnswer(q *Packet, ip4, ip6 net.IP) *Packet {
	a := new(Packet)
	a.SetReply(q)
	a.RecursionAvailable = q.RecursionDesired
	question := q.Question[0]
	switch {
	case question.Qtype == TypeA && ip4 != nil:
		a.Answer = []*RR{{
			Name:  question.Name,
			Type:  TypeA,
			Class: question.Qclass,
			TTL:   blockSpoofTTL,
			Data:  &A{IP: ip4},
		}}
	case question.Qtype == TypeAAAA && ip6 != nil:
		a.Answer = []*RR{{
			Name:  question.Name,
			Type:  TypeAAAA,
			Class: question.Qclass,
			TTL:   blockSpoofTTL,
			Data:  &AAAA{IP: ip6},
		}}
	}
	return a
}

func (r *Blocklist) refreshLoop(refresh time.Duration) {
	for {
		time.Sleep(refresh)
		log := Log.WithField("id", r.id)
		log.Debug("reloading blocklist")
		db, err := r.BlocklistDB.Reload()
		if err != nil {
			log.WithError(err).Error("failed to load rules")
			continue
		}
		r.mu.Lock()
		r.BlocklistDB = db
		r.mu.Unlock()
	}
}

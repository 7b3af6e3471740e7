package heimdall

import (
	"fmt"

	syslog "github.com/RackSec/srslog"
)

// Syslog forwards every query unmodified and logs the query and/or
// response details to a syslog server.
type Syslog struct {
	id       string
	writer   *syslog.Writer
	resolver Resolver
	opt      SyslogOptions
}

var _ Resolver = &Syslog{}

type SyslogOptions struct {
	// "udp", "tcp", "unix". Passed to the syslog client as is; empty
	// connects to the local syslog server.
	Network string

	// Remote address, defaults to the local syslog server.
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag.
	Tag string

	// Log requests and/or responses.
	LogRequest  bool
	LogResponse bool
}

// NewSyslog returns a new instance of a Syslog generator.
func NewSyslog(id string, resolver Resolver, opt SyslogOptions) *Syslog {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		// Log any error but don't block if this fails.
		Log.WithError(err).Error("failed to initialize syslog")
	}
	return &Syslog{
		id:       id,
		writer:   writer,
		resolver: resolver,
		opt:      opt,
	}
}

// Resolve passes a DNS query through unmodified. Query details are sent
// via syslog.
func (r *Syslog) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	if r.writer == nil {
		return r.resolver.Resolve(q, ci)
	}
	if r.opt.LogRequest {
		msg := fmt.Sprintf("id=%s qid=%d type=query client=%s qtype=%s qname=%s",
			r.id, q.ID, ci.SourceIP, qType(q), qName(q))
		if _, err := r.writer.Write([]byte(msg)); err != nil {
			logger(r.id, q, ci).WithError(err).Error("failed to send syslog")
		}
	}
	a, err := r.resolver.Resolve(q, ci)
	if err == nil && a != nil && r.opt.LogResponse {
		msg := fmt.Sprintf("id=%s qid=%d type=answer qname=%s rcode=%s answers=%d",
			r.id, q.ID, qName(q), RcodeString(a.Rcode), len(a.Answer))
		if _, err := r.writer.Write([]byte(msg)); err != nil {
			logger(r.id, q, ci).WithError(err).Error("failed to send syslog")
		}
	}
	return a, err
}

func (r *Syslog) String() string {
	return r.id
}

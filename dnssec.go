package heimdall

import (
	"expvar"
)

// ValidationResult is the outcome of DNSSEC validation of a response.
type ValidationResult int

const (
	ValidationIndeterminate ValidationResult = iota
	ValidationSecure
	ValidationInsecure
	ValidationBogus
)

func (r ValidationResult) String() string {
	switch r {
	case ValidationSecure:
		return "secure"
	case ValidationInsecure:
		return "insecure"
	case ValidationBogus:
		return "bogus"
	default:
		return "indeterminate"
	}
}

// DNSSECValidator validates a response against the query. The
// validation algorithm itself is pluggable; the error carries the
// reason when the result is bogus.
type DNSSECValidator interface {
	Validate(q, a *Packet) (ValidationResult, error)
}

// DNSSECGate passes queries to the upstream resolver and hands the
// response to a validator. In strict mode a bogus result becomes
// SERVFAIL, otherwise the response is returned unmodified and the
// outcome only recorded.
type DNSSECGate struct {
	id        string
	resolver  Resolver
	validator DNSSECValidator

	// Fail bogus responses instead of just recording them.
	Strict bool

	metrics *dnssecMetrics
}

var _ Resolver = &DNSSECGate{}

type dnssecMetrics struct {
	// Validation outcomes by result.
	result *expvar.Map
}

func NewDNSSECGate(id string, resolver Resolver, validator DNSSECValidator, strict bool) *DNSSECGate {
	return &DNSSECGate{
		id:        id,
		resolver:  resolver,
		validator: validator,
		Strict:    strict,
		metrics:   &dnssecMetrics{result: getVarMap("dnssec", id, "result")},
	}
}

// Resolve a query and validate the response.
func (r *DNSSECGate) Resolve(q *Packet, ci ClientInfo) (*Packet, error) {
	a, err := r.resolver.Resolve(q, ci)
	if err != nil || a == nil {
		return a, err
	}
	result, verr := r.validator.Validate(q, a)
	r.metrics.result.Add(result.String(), 1)
	if result == ValidationBogus {
		log := logger(r.id, q, ci).WithError(verr)
		if r.Strict {
			log.Warn("dnssec validation failed, failing response")
			return servfail(q), nil
		}
		log.Warn("dnssec validation failed")
	}
	return a, nil
}

func (r *DNSSECGate) String() string {
	return r.id
}

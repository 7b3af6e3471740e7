package heimdall

import (
	"fmt"
	"net"
)

// Resolver is an interface to resolve DNS queries. Elements of the
// query pipeline implement it and hand queries they don't answer to the
// next resolver in the chain.
type Resolver interface {
	Resolve(*Packet, ClientInfo) (*Packet, error)
	fmt.Stringer
}

// ClientInfo carries information about the client sending a query
// through the resolver chain.
type ClientInfo struct {
	SourceIP net.IP

	// Name of the listener that received the query.
	Listener string

	// Transport the query was received over: "udp", "tcp", "dot", "doh".
	Protocol string

	// SNI of the TLS connection for DoT and DoH.
	TLSServerName string
}

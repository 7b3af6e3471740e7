package heimdall

import (
	"crypto/tls"
	"errors"
	"time"
)

// DoTListener is a DNS listener/server for DNS-over-TLS. It shares the
// framing, connection management and idle reaping of the TCP listener
// behind a TLS acceptor.
type DoTListener struct {
	*TCPListener
}

var _ Listener = &DoTListener{}

// DoTListenerOptions contains options used by the DNS-over-TLS server.
type DoTListenerOptions struct {
	TLSConfig *tls.Config

	MaxConnections int
	IdleTimeout    time.Duration
}

// NewDoTListener returns an instance of a DNS-over-TLS listener.
func NewDoTListener(id, addr string, opt DoTListenerOptions, resolver Resolver) (*DoTListener, error) {
	if opt.TLSConfig == nil {
		return nil, errors.New("no TLS configuration for DoT listener")
	}
	return &DoTListener{
		TCPListener: NewTCPListener(id, addr, TCPListenerOptions{
			TLSConfig:      opt.TLSConfig,
			MaxConnections: opt.MaxConnections,
			IdleTimeout:    opt.IdleTimeout,
		}, resolver),
	}, nil
}

package heimdall

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// Read/Write timeout in the DoH server.
const dohServerTimeout = 10 * time.Second

// DoHListener is a DNS listener/server for DNS-over-HTTPS per RFC 8484:
// GET with a base64url "dns" query parameter and POST with an
// application/dns-message body, both on /dns-query.
type DoHListener struct {
	httpServer *http.Server
	quicServer *http3.Server

	id   string
	addr string
	r    Resolver
	opt  DoHListenerOptions

	mux     *http.ServeMux
	metrics *ListenerMetrics
}

var _ Listener = &DoHListener{}

// DoHListenerOptions contains options used by the DNS-over-HTTPS server.
type DoHListenerOptions struct {
	// Transport protocol to run HTTPS over. "quic" or "tcp", defaults
	// to "tcp".
	Transport string

	TLSConfig *tls.Config
}

const dohContentType = "application/dns-message"

// NewDoHListener returns an instance of a DNS-over-HTTPS listener.
func NewDoHListener(id, addr string, opt DoHListenerOptions, resolver Resolver) (*DoHListener, error) {
	switch opt.Transport {
	case "tcp", "":
		opt.Transport = "tcp"
	case "quic":
		opt.Transport = "quic"
	default:
		return nil, fmt.Errorf("unknown protocol: '%s'", opt.Transport)
	}
	if opt.TLSConfig == nil {
		return nil, errors.New("no TLS configuration for DoH listener")
	}
	l := &DoHListener{
		id:      id,
		addr:    addr,
		r:       resolver,
		opt:     opt,
		mux:     http.NewServeMux(),
		metrics: NewListenerMetrics("listener", id),
	}
	l.mux.Handle("/dns-query", http.HandlerFunc(l.dohHandler))
	return l, nil
}

// Start the DoH server.
func (s *DoHListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "doh", "addr": s.addr}).
		Info("starting listener")
	if s.opt.Transport == "quic" {
		return s.startQUIC()
	}
	return s.startTCP()
}

// Start the DoH server with TCP transport.
func (s *DoHListener) startTCP() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		TLSConfig:    s.opt.TLSConfig,
		Handler:      s.mux,
		ReadTimeout:  dohServerTimeout,
		WriteTimeout: dohServerTimeout,
	}
	if err := http2.ConfigureServer(s.httpServer, nil); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	err = s.httpServer.ServeTLS(ln, "", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Start the DoH server with QUIC transport.
func (s *DoHListener) startQUIC() error {
	s.quicServer = &http3.Server{
		Addr:       s.addr,
		TLSConfig:  s.opt.TLSConfig,
		Handler:    s.mux,
		QuicConfig: &quic.Config{},
	}
	return s.quicServer.ListenAndServe()
}

// Stop the server.
func (s *DoHListener) Stop() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "doh", "addr": s.addr}).
		Info("stopping listener")
	if s.opt.Transport == "quic" {
		return s.quicServer.Close()
	}
	return s.httpServer.Shutdown(context.Background())
}

func (s *DoHListener) String() string {
	return s.id
}

func (s *DoHListener) dohHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.getHandler(w, r)
	case "POST":
		s.postHandler(w, r)
	default:
		http.Error(w, "only GET and POST allowed", http.StatusMethodNotAllowed)
	}
}

func (s *DoHListener) getHandler(w http.ResponseWriter, r *http.Request) {
	b64 := r.URL.Query().Get("dns")
	if b64 == "" {
		http.Error(w, "no dns query parameter found", http.StatusBadRequest)
		return
	}
	b, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.parseAndRespond(b, w, r)
}

func (s *DoHListener) postHandler(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != dohContentType {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, MaxMsgSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(b) > MaxMsgSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	s.parseAndRespond(b, w, r)
}

func (s *DoHListener) parseAndRespond(b []byte, w http.ResponseWriter, r *http.Request) {
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	ci := ClientInfo{
		SourceIP: net.ParseIP(host),
		Listener: s.id,
		Protocol: "doh",
	}
	if r.TLS != nil {
		ci.TLSServerName = r.TLS.ServerName
	}
	resp := handleQuery(s.id, s.r, b, ci, s.metrics)

	// A nil response means "drop", return a blank response.
	if resp == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// The HTTP cache lifetime mirrors the shortest answer TTL so a
	// caching proxy can't serve the response beyond its DNS expiry.
	if a, err := ParsePacket(resp); err == nil {
		if min, ok := minTTL(a); ok {
			w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", min))
		}
	}
	w.Header().Set("Content-Type", dohContentType)
	_, _ = w.Write(resp)
}

package heimdall

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Server owns the resolver graph and its listeners. Shared state
// (cache, blocklist, zones, upstream health, limiter buckets) is
// constructed once here and referenced by every transport.
type Server struct {
	opt       ServerOptions
	resolver  Resolver
	listeners []Listener
	backends  []CacheBackend
}

// ServerOptions is the single configuration value threaded from main
// into the resolver graph.
type ServerOptions struct {
	// Listener addresses, empty disables the transport.
	UDPAddr string
	TCPAddr string
	DoTAddr string
	DoHAddr string

	// "tcp" (default) or "quic" for the DoH listener.
	DoHTransport string

	// TLS material for DoT/DoH. A self-signed certificate is generated
	// when the files are not set.
	TLSCA   string
	TLSCert string
	TLSKey  string

	// Upstream servers in preference order, "ip:port".
	Upstreams       []string
	UpstreamTimeout time.Duration
	MaxRetries      int

	// Caching.
	CacheEnabled       bool
	CacheSize          int
	NegativeTTL        uint32
	HotCachePercent    int
	PromotionThreshold uint32
	CachePersistFile   string
	CacheSaveInterval  time.Duration
	RedisAddr          string
	RedisKeyPrefix     string

	// Blocking.
	BlockMode        BlockMode
	BlocklistURLs    []string
	BlocklistFiles   []string
	BlocklistRules   []string
	BlocklistRefresh time.Duration
	BlockSubdomains  bool
	BlockCustomA     net.IP
	BlockCustomAAAA  net.IP
	PSLEnabled       bool
	PSLFile          string

	// Authoritative zone files.
	ZoneFiles []string

	// Rate limits.
	RateLimit RateLimiterOptions

	// Connection handling for stream transports.
	MaxConnections int
	IdleTimeout    time.Duration

	// Bound on concurrently handled UDP queries.
	MaxUDPInflight int

	// DNSSEC validation hook.
	DNSSECValidator DNSSECValidator
	DNSSECStrict    bool

	// Optional syslog query logging.
	Syslog        bool
	SyslogOptions SyslogOptions
}

// NewServer builds the resolver graph and the listeners for all
// configured transports.
func NewServer(opt ServerOptions) (*Server, error) {
	s := &Server{opt: opt}

	pool, err := NewUpstreamPool("upstream", opt.Upstreams, UpstreamOptions{
		Timeout:    opt.UpstreamTimeout,
		MaxRetries: opt.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	var r Resolver = pool

	if opt.DNSSECValidator != nil {
		r = NewDNSSECGate("dnssec", r, opt.DNSSECValidator, opt.DNSSECStrict)
	}

	// Concurrent misses for the same key collapse into one dispatch.
	r = NewRequestDedup("dedup", r)

	if opt.CacheEnabled {
		backend := NewMemoryBackend(MemoryBackendOptions{
			Capacity:           opt.CacheSize,
			HotCachePercent:    opt.HotCachePercent,
			PromotionThreshold: opt.PromotionThreshold,
			Filename:           opt.CachePersistFile,
			SaveInterval:       opt.CacheSaveInterval,
		})
		s.backends = append(s.backends, backend)
		var remote CacheBackend
		if opt.RedisAddr != "" {
			remote = NewRedisBackend(RedisBackendOptions{
				RedisOptions: redis.Options{Addr: opt.RedisAddr},
				KeyPrefix:    opt.RedisKeyPrefix,
			})
			s.backends = append(s.backends, remote)
		}
		r = NewCache("cache", r, CacheOptions{
			NegativeTTL:   opt.NegativeTTL,
			Backend:       backend,
			RemoteBackend: remote,
		})
	}

	if len(opt.ZoneFiles) > 0 {
		var zones []*Zone
		for _, filename := range opt.ZoneFiles {
			zone, err := LoadZoneFile(filename)
			if err != nil {
				return nil, err
			}
			zones = append(zones, zone)
		}
		store, err := NewZoneStore(zones...)
		if err != nil {
			return nil, err
		}
		r = NewAuthoritative("authoritative", store, r)
	}

	if len(opt.BlocklistURLs)+len(opt.BlocklistFiles)+len(opt.BlocklistRules) > 0 {
		db, err := buildBlocklistDB(opt)
		if err != nil {
			return nil, err
		}
		r, err = NewBlocklist("blocklist", r, BlocklistOptions{
			BlocklistDB:      db,
			Mode:             opt.BlockMode,
			CustomA:          opt.BlockCustomA,
			CustomAAAA:       opt.BlockCustomAAAA,
			BlocklistRefresh: opt.BlocklistRefresh,
		})
		if err != nil {
			return nil, err
		}
	}

	if opt.Syslog {
		r = NewSyslog("syslog", r, opt.SyslogOptions)
	}

	r = NewRateLimiter("ratelimit", r, opt.RateLimit)
	s.resolver = r

	if opt.UDPAddr != "" {
		s.listeners = append(s.listeners, NewUDPListener("udp", opt.UDPAddr, UDPListenerOptions{
			MaxInflight: opt.MaxUDPInflight,
		}, r))
	}
	if opt.TCPAddr != "" {
		s.listeners = append(s.listeners, NewTCPListener("tcp", opt.TCPAddr, TCPListenerOptions{
			MaxConnections: opt.MaxConnections,
			IdleTimeout:    opt.IdleTimeout,
		}, r))
	}
	if opt.DoTAddr != "" || opt.DoHAddr != "" {
		tlsConfig, err := TLSServerConfig(opt.TLSCA, opt.TLSCert, opt.TLSKey, false)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load TLS material")
		}
		if opt.DoTAddr != "" {
			dot, err := NewDoTListener("dot", opt.DoTAddr, DoTListenerOptions{
				TLSConfig:      tlsConfig,
				MaxConnections: opt.MaxConnections,
				IdleTimeout:    opt.IdleTimeout,
			}, r)
			if err != nil {
				return nil, err
			}
			s.listeners = append(s.listeners, dot)
		}
		if opt.DoHAddr != "" {
			doh, err := NewDoHListener("doh", opt.DoHAddr, DoHListenerOptions{
				Transport: opt.DoHTransport,
				TLSConfig: tlsConfig,
			}, r)
			if err != nil {
				return nil, err
			}
			s.listeners = append(s.listeners, doh)
		}
	}
	if len(s.listeners) == 0 {
		return nil, errors.New("no listeners configured")
	}
	return s, nil
}

func buildBlocklistDB(opt ServerOptions) (BlocklistDB, error) {
	psl := DefaultPSL()
	if opt.PSLEnabled && opt.PSLFile != "" {
		loader := NewFileLoader(opt.PSLFile, FileLoaderOptions{})
		lines, err := loader.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load public suffix list")
		}
		psl = NewPSL(lines)
	}
	var sources []RuleSource
	for _, url := range opt.BlocklistURLs {
		sources = append(sources, RuleSource{
			Name:            url,
			Loader:          NewHTTPLoader(url, HTTPLoaderOptions{AllowFailure: true}),
			BlockSubdomains: opt.BlockSubdomains,
		})
	}
	for _, filename := range opt.BlocklistFiles {
		sources = append(sources, RuleSource{
			Name:            filename,
			Loader:          NewFileLoader(filename, FileLoaderOptions{AllowFailure: true}),
			BlockSubdomains: opt.BlockSubdomains,
		})
	}
	if len(opt.BlocklistRules) > 0 {
		sources = append(sources, RuleSource{
			Name:            "static",
			Loader:          NewStaticLoader(opt.BlocklistRules),
			BlockSubdomains: opt.BlockSubdomains,
		})
	}
	return NewTrieDB(psl, sources...)
}

// Start runs all listeners. It blocks until one of them fails or the
// server is stopped. Only the TCP/DoT accept loop retries, after a
// one-second pause on accept timeouts; any other listener error ends
// Start.
func (s *Server) Start() error {
	errCh := make(chan error, len(s.listeners))
	for _, l := range s.listeners {
		go func(l Listener) {
			errCh <- l.Start()
		}(l)
	}
	return <-errCh
}

// Stop tears the server down: listeners first so no new work is
// accepted, then the cache backends (persisting a snapshot when
// configured).
func (s *Server) Stop() error {
	var firstErr error
	for _, l := range s.listeners {
		if err := l.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, b := range s.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

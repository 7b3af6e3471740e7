package main

import (
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	heimdall "github.com/RoeeJ/heimdall"
	"github.com/pkg/errors"
)

type config struct {
	Title string

	Listeners     listeners
	Upstream      upstream
	Cache         cache
	Blocking      blocking
	Authoritative authoritative
	RateLimit     rateLimit `toml:"rate-limit"`
	DNSSEC        dnssec
	Syslog        syslogConfig
}

type listeners struct {
	UDP string
	TCP string
	DoT string
	DoH string

	DoHTransport string `toml:"doh-transport"` // "tcp" or "quic"

	CA        string
	ServerCrt string `toml:"server-crt"`
	ServerKey string `toml:"server-key"`

	MaxConnections int `toml:"max-connections"`
	IdleTimeout    int `toml:"idle-timeout"` // seconds
	MaxUDPInflight int `toml:"max-udp-inflight"`
}

type upstream struct {
	Servers    []string
	Timeout    int `toml:"timeout"` // seconds
	MaxRetries int `toml:"max-retries"`
}

type cache struct {
	Enable             bool
	Size               int
	NegativeTTL        uint32 `toml:"negative-ttl"`
	HotCachePercent    int    `toml:"hot-cache-percent"`
	PromotionThreshold uint32 `toml:"promotion-threshold"`
	PersistFile        string `toml:"persist-file"`
	SaveInterval       int    `toml:"save-interval"` // seconds
	RedisAddr          string `toml:"redis-addr"`
	RedisKeyPrefix     string `toml:"redis-key-prefix"`
}

type blocking struct {
	Mode            string // "nxdomain", "zero-ip", "refused", "custom"
	URLs            []string
	Files           []string
	Rules           []string
	Refresh         int    `toml:"refresh"` // seconds
	BlockSubdomains bool   `toml:"block-subdomains"`
	CustomA         string `toml:"custom-a"`
	CustomAAAA      string `toml:"custom-aaaa"`
	UsePSL          bool   `toml:"use-psl"`
	PSLFile         string `toml:"psl-file"`
}

type authoritative struct {
	ZoneFiles []string `toml:"zone-files"`
}

type rateLimit struct {
	ClientQPS     float64 `toml:"client-qps"`
	ClientBurst   int     `toml:"client-burst"`
	GlobalQPS     float64 `toml:"global-qps"`
	GlobalBurst   int     `toml:"global-burst"`
	ErrorQPS      float64 `toml:"error-qps"`
	ErrorBurst    int     `toml:"error-burst"`
	NXDomainQPS   float64 `toml:"nxdomain-qps"`
	NXDomainBurst int     `toml:"nxdomain-burst"`
	Prefix4       uint8   `toml:"prefix4"`
	Prefix6       uint8   `toml:"prefix6"`
}

type dnssec struct {
	Enable bool
	Strict bool
}

type syslogConfig struct {
	Enable      bool
	Network     string
	Address     string
	Priority    int
	Tag         string
	LogRequest  bool `toml:"log-request"`
	LogResponse bool `toml:"log-response"`
}

func loadConfig(filename string) (config, error) {
	var c config
	b, err := os.ReadFile(filename)
	if err != nil {
		return c, err
	}
	if err := toml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "failed to parse config %s", filename)
	}
	return c, nil
}

// serverOptions maps the file format onto the library options.
func (c config) serverOptions() (heimdall.ServerOptions, error) {
	opt := heimdall.ServerOptions{
		UDPAddr:      c.Listeners.UDP,
		TCPAddr:      c.Listeners.TCP,
		DoTAddr:      c.Listeners.DoT,
		DoHAddr:      c.Listeners.DoH,
		DoHTransport: c.Listeners.DoHTransport,
		TLSCA:        c.Listeners.CA,
		TLSCert:      c.Listeners.ServerCrt,
		TLSKey:       c.Listeners.ServerKey,

		Upstreams:       c.Upstream.Servers,
		UpstreamTimeout: time.Duration(c.Upstream.Timeout) * time.Second,
		MaxRetries:      c.Upstream.MaxRetries,

		CacheEnabled:       c.Cache.Enable,
		CacheSize:          c.Cache.Size,
		NegativeTTL:        c.Cache.NegativeTTL,
		HotCachePercent:    c.Cache.HotCachePercent,
		PromotionThreshold: c.Cache.PromotionThreshold,
		CachePersistFile:   c.Cache.PersistFile,
		CacheSaveInterval:  time.Duration(c.Cache.SaveInterval) * time.Second,
		RedisAddr:          c.Cache.RedisAddr,
		RedisKeyPrefix:     c.Cache.RedisKeyPrefix,

		BlockMode:        heimdall.BlockMode(c.Blocking.Mode),
		BlocklistURLs:    c.Blocking.URLs,
		BlocklistFiles:   c.Blocking.Files,
		BlocklistRules:   c.Blocking.Rules,
		BlocklistRefresh: time.Duration(c.Blocking.Refresh) * time.Second,
		BlockSubdomains:  c.Blocking.BlockSubdomains,
		PSLEnabled:       c.Blocking.UsePSL,
		PSLFile:          c.Blocking.PSLFile,

		ZoneFiles: c.Authoritative.ZoneFiles,

		RateLimit: heimdall.RateLimiterOptions{
			ClientQPS:     c.RateLimit.ClientQPS,
			ClientBurst:   c.RateLimit.ClientBurst,
			GlobalQPS:     c.RateLimit.GlobalQPS,
			GlobalBurst:   c.RateLimit.GlobalBurst,
			ErrorQPS:      c.RateLimit.ErrorQPS,
			ErrorBurst:    c.RateLimit.ErrorBurst,
			NXDomainQPS:   c.RateLimit.NXDomainQPS,
			NXDomainBurst: c.RateLimit.NXDomainBurst,
			Prefix4:       c.RateLimit.Prefix4,
			Prefix6:       c.RateLimit.Prefix6,
		},

		MaxConnections: c.Listeners.MaxConnections,
		IdleTimeout:    time.Duration(c.Listeners.IdleTimeout) * time.Second,
		MaxUDPInflight: c.Listeners.MaxUDPInflight,

		DNSSECStrict: c.DNSSEC.Strict,

		Syslog: c.Syslog.Enable,
		SyslogOptions: heimdall.SyslogOptions{
			Network:     c.Syslog.Network,
			Address:     c.Syslog.Address,
			Priority:    c.Syslog.Priority,
			Tag:         c.Syslog.Tag,
			LogRequest:  c.Syslog.LogRequest,
			LogResponse: c.Syslog.LogResponse,
		},
	}
	if mode := c.Blocking.Mode; mode != "" {
		switch heimdall.BlockMode(mode) {
		case heimdall.BlockModeNxDomain, heimdall.BlockModeZeroIP, heimdall.BlockModeRefused, heimdall.BlockModeCustom:
		default:
			return opt, errors.Errorf("invalid blocking mode %q", mode)
		}
	}
	if c.Blocking.CustomA != "" {
		ip := net.ParseIP(c.Blocking.CustomA)
		if ip == nil || ip.To4() == nil {
			return opt, errors.Errorf("invalid custom-a address %q", c.Blocking.CustomA)
		}
		opt.BlockCustomA = ip
	}
	if c.Blocking.CustomAAAA != "" {
		ip := net.ParseIP(c.Blocking.CustomAAAA)
		if ip == nil {
			return opt, errors.Errorf("invalid custom-aaaa address %q", c.Blocking.CustomAAAA)
		}
		opt.BlockCustomAAAA = ip
	}
	return opt, nil
}

// Package config loads the daemon configuration.
//
// Config is stored at /etc/wiremesh/config.yaml by default. A missing file is
// not an error: every field has a default.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath    = "/etc/wiremesh/config.yaml"
	DefaultDataDir = "/var/lib/wiremesh"
	DefaultConfDir = "/etc/wireguard"

	DefaultServerNetwork       = "fd77:6d00::/48"
	DefaultSubnetBits          = 64
	DefaultIPv4Pool            = "10.77.0.0/16"
	DefaultNoHandshakeInterval = 3600 * time.Second
	DefaultHandshakeInterval   = 2629800 * time.Second
	DefaultPollInterval        = 10 * time.Second
	DefaultReconcileInterval   = 5 * time.Second
	DefaultMaxAllocAttempts    = 128
	DefaultNTPPool             = "pool.ntp.org"
	DefaultNTPInterval         = 60 * time.Second
	DefaultNTPThreshold        = 500 * time.Millisecond
	DefaultHostedPort          = 51820
	DefaultTrustedPort         = 51821
	DefaultMTU                 = 1420
)

// Config is the daemon configuration file.
type Config struct {
	Domain  string `yaml:"domain,omitempty"` // server's own subnet of origin
	DataDir string `yaml:"data_dir,omitempty"`
	ConfDir string `yaml:"conf_dir,omitempty"` // wg-quick style config persistence

	Log       Log       `yaml:"log,omitempty"`
	Identity  Identity  `yaml:"identity,omitempty"`
	Intervals Intervals `yaml:"intervals,omitempty"`
	NTP       NTP       `yaml:"ntp,omitempty"`
	Hosted    Interface `yaml:"hosted,omitempty"`
	Trusted   Trusted   `yaml:"trusted,omitempty"`
}

type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type Identity struct {
	ServerNetwork       string        `yaml:"server_network,omitempty"`
	SubnetBits          int           `yaml:"subnet_bits,omitempty"`
	IPv4Pool            string        `yaml:"ipv4_pool,omitempty"` // "none" disables IPv4
	NoHandshakeInterval time.Duration `yaml:"no_handshake_interval,omitempty"`
	HandshakeInterval   time.Duration `yaml:"handshake_interval,omitempty"`
	MaxAllocAttempts    int           `yaml:"max_alloc_attempts,omitempty"`

	Network netip.Prefix `yaml:"-"`
	Pool    netip.Prefix `yaml:"-"`
}

type Intervals struct {
	Poll      time.Duration `yaml:"poll,omitempty"`
	Reconcile time.Duration `yaml:"reconcile,omitempty"`
}

type NTP struct {
	Pool      string        `yaml:"pool,omitempty"`
	Interval  time.Duration `yaml:"interval,omitempty"`
	Threshold time.Duration `yaml:"threshold,omitempty"`
}

type Interface struct {
	ListenPort int    `yaml:"listen_port,omitempty"`
	MTU        int    `yaml:"mtu,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"` // host:port advertised to clients
}

// Trusted configures the statically peered interface.
type Trusted struct {
	Interface `yaml:",inline"`
	Addresses []string      `yaml:"addresses,omitempty"`
	Peers     []TrustedPeer `yaml:"peers,omitempty"`

	Prefixes []netip.Prefix `yaml:"-"`
}

type TrustedPeer struct {
	PublicKey    string   `yaml:"public_key"`
	PresharedKey string   `yaml:"preshared_key,omitempty"`
	Endpoint     string   `yaml:"endpoint,omitempty"`
	AllowedIPs   []string `yaml:"allowed_ips,omitempty"`

	Key      wgtypes.Key    `yaml:"-"`
	PSK      *wgtypes.Key   `yaml:"-"`
	AddrPort netip.AddrPort `yaml:"-"`
	Allowed  []netip.Prefix `yaml:"-"`
}

// Default returns a normalized config with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.Normalize(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads the config file at path. If the file does not exist, the
// defaults are returned.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Normalize fills defaults and parses every textual field.
func (c *Config) Normalize() error {
	c.Domain = strings.TrimSpace(c.Domain)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ConfDir == "" {
		c.ConfDir = DefaultConfDir
	}

	if err := c.Identity.normalize(); err != nil {
		return err
	}

	if c.Intervals.Poll == 0 {
		c.Intervals.Poll = DefaultPollInterval
	}
	if c.Intervals.Reconcile == 0 {
		c.Intervals.Reconcile = DefaultReconcileInterval
	}
	if c.Intervals.Poll < 0 || c.Intervals.Reconcile < 0 {
		return fmt.Errorf("intervals must be positive")
	}

	if c.NTP.Pool == "" {
		c.NTP.Pool = DefaultNTPPool
	}
	if c.NTP.Interval == 0 {
		c.NTP.Interval = DefaultNTPInterval
	}
	if c.NTP.Threshold == 0 {
		c.NTP.Threshold = DefaultNTPThreshold
	}

	c.Hosted.normalize(DefaultHostedPort)
	c.Trusted.Interface.normalize(DefaultTrustedPort)
	if c.Hosted.ListenPort == c.Trusted.ListenPort {
		return fmt.Errorf("hosted and trusted listen ports must differ, both are %d", c.Hosted.ListenPort)
	}
	return c.Trusted.normalize()
}

// DBPath is the identity database location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "wiremesh.db") }

// IdentityPath is where the server's private key is kept.
func (c *Config) IdentityPath() string { return filepath.Join(c.DataDir, "identity.json") }

func (i *Identity) normalize() error {
	if i.ServerNetwork == "" {
		i.ServerNetwork = DefaultServerNetwork
	}
	network, err := netip.ParsePrefix(i.ServerNetwork)
	if err != nil {
		return fmt.Errorf("parse server_network: %w", err)
	}
	if !network.Addr().Is6() || network.Addr().Is4In6() {
		return fmt.Errorf("server_network %s must be IPv6", network)
	}
	i.Network = network.Masked()

	if i.SubnetBits == 0 {
		i.SubnetBits = DefaultSubnetBits
	}
	if i.SubnetBits < i.Network.Bits() || i.SubnetBits > 128 {
		return fmt.Errorf("subnet_bits %d outside [%d, 128]", i.SubnetBits, i.Network.Bits())
	}

	if i.IPv4Pool == "" {
		i.IPv4Pool = DefaultIPv4Pool
	}
	i.Pool = netip.Prefix{}
	if !strings.EqualFold(strings.TrimSpace(i.IPv4Pool), "none") {
		pool, err := netip.ParsePrefix(strings.TrimSpace(i.IPv4Pool))
		if err != nil {
			return fmt.Errorf("parse ipv4_pool: %w", err)
		}
		if !pool.Addr().Is4() {
			return fmt.Errorf("ipv4_pool %s must be IPv4", pool)
		}
		i.Pool = pool.Masked()
	}

	if i.NoHandshakeInterval == 0 {
		i.NoHandshakeInterval = DefaultNoHandshakeInterval
	}
	if i.HandshakeInterval == 0 {
		i.HandshakeInterval = DefaultHandshakeInterval
	}
	if i.NoHandshakeInterval < 0 || i.HandshakeInterval < 0 {
		return fmt.Errorf("handshake intervals must be positive")
	}
	if i.MaxAllocAttempts == 0 {
		i.MaxAllocAttempts = DefaultMaxAllocAttempts
	}
	if i.MaxAllocAttempts < 0 {
		return fmt.Errorf("max_alloc_attempts must be positive")
	}
	return nil
}

func (i *Interface) normalize(port int) {
	if i.ListenPort == 0 {
		i.ListenPort = port
	}
	if i.MTU == 0 {
		i.MTU = DefaultMTU
	}
}

func (t *Trusted) normalize() error {
	t.Prefixes = t.Prefixes[:0]
	for _, raw := range t.Addresses {
		pref, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse trusted address: %w", err)
		}
		t.Prefixes = append(t.Prefixes, pref)
	}

	for i := range t.Peers {
		if err := t.Peers[i].normalize(); err != nil {
			return fmt.Errorf("trusted peer %d: %w", i, err)
		}
	}
	return nil
}

func (p *TrustedPeer) normalize() error {
	key, err := wgtypes.ParseKey(strings.TrimSpace(p.PublicKey))
	if err != nil {
		return fmt.Errorf("parse public_key: %w", err)
	}
	p.Key = key

	p.PSK = nil
	if strings.TrimSpace(p.PresharedKey) != "" {
		psk, err := wgtypes.ParseKey(strings.TrimSpace(p.PresharedKey))
		if err != nil {
			return fmt.Errorf("parse preshared_key: %w", err)
		}
		p.PSK = &psk
	}

	p.AddrPort = netip.AddrPort{}
	if strings.TrimSpace(p.Endpoint) != "" {
		ap, err := netip.ParseAddrPort(strings.TrimSpace(p.Endpoint))
		if err != nil {
			return fmt.Errorf("parse endpoint: %w", err)
		}
		p.AddrPort = ap
	}

	p.Allowed = p.Allowed[:0]
	for _, raw := range p.AllowedIPs {
		pref, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse allowed_ips: %w", err)
		}
		p.Allowed = append(p.Allowed, pref.Masked())
	}
	return nil
}

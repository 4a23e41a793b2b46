package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Speaker   SpeakerConfig   `koanf:"speaker"`
	Peers     []PeerConfig    `koanf:"peers"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	History   HistoryConfig   `koanf:"history"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// SpeakerConfig holds the local side of every session.
type SpeakerConfig struct {
	ASN      uint32 `koanf:"asn"`
	RouterID string `koanf:"router_id"`
	// Listen is the address passive sessions are accepted on. Empty
	// disables the listener.
	Listen string `koanf:"listen"`
	// HoldTimeSeconds is the offered hold time; 0 disables the hold timer.
	HoldTimeSeconds        int      `koanf:"hold_time_seconds"`
	ConnectRetrySeconds    int      `koanf:"connect_retry_seconds"`
	Families               []string `koanf:"families"`
	RouteRefresh           bool     `koanf:"route_refresh"`
	EnhancedRouteRefresh   bool     `koanf:"enhanced_route_refresh"`
	ExtendedMessage        bool     `koanf:"extended_message"`
	AddPathReceive         []string `koanf:"add_path_receive"`
	GracefulRestartSeconds int      `koanf:"graceful_restart_seconds"`
	Hostname               string   `koanf:"hostname"`
	DomainName             string   `koanf:"domain_name"`
}

// PeerConfig is one configured neighbor.
type PeerConfig struct {
	Name        string `koanf:"name"`
	Address     string `koanf:"address"`
	Port        int    `koanf:"port"`
	ASN         uint32 `koanf:"asn"`
	Passive     bool   `koanf:"passive"`
	Description string `koanf:"description"`
	// HoldTimeSeconds overrides the speaker hold time when set.
	HoldTimeSeconds *int     `koanf:"hold_time_seconds"`
	Announce        []string `koanf:"announce"`
	NextHop         string   `koanf:"next_hop"`
	Communities     []string `koanf:"communities"`
	LocalPref       uint32   `koanf:"local_pref"`
	MED             *uint32  `koanf:"med"`
}

type KafkaConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
	// LingerMs bounds how long route events wait to be batched.
	LingerMs int `koanf:"linger_ms"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// HistoryConfig controls the session and route event history written to
// Postgres.
type HistoryConfig struct {
	Enabled               bool `koanf:"enabled"`
	RouteEvents           bool `koanf:"route_events"`
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_SPEAKER_SPEAKER__ASN → speaker.asn
	if err := k.Load(env.Provider("BGP_SPEAKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_SPEAKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-speaker-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Speaker: SpeakerConfig{
			HoldTimeSeconds:     90,
			ConnectRetrySeconds: 120,
			Families:            []string{"ipv4-unicast", "ipv6-unicast"},
			RouteRefresh:        true,
		},
		Kafka: KafkaConfig{
			ClientID: "bgp-speaker",
			Topic:    "bgp.route-events",
			LingerMs: 50,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		History: HistoryConfig{
			BatchSize:             500,
			FlushIntervalMs:       200,
			ChannelBufferSize:     1024,
			StoreRawBytes:         true,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Speaker.Families = splitList(cfg.Speaker.Families)
	cfg.Speaker.AddPathReceive = splitList(cfg.Speaker.AddPathReceive)

	for i := range cfg.Peers {
		if cfg.Peers[i].Port == 0 {
			cfg.Peers[i].Port = 179
		}
		if cfg.Peers[i].Name == "" {
			cfg.Peers[i].Name = cfg.Peers[i].Address
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(v []string) []string {
	if len(v) == 1 && strings.Contains(v[0], ",") {
		return strings.Split(v[0], ",")
	}
	return v
}

func (c *Config) Validate() error {
	if err := c.Speaker.validate(); err != nil {
		return err
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}
	names := make(map[string]bool)
	addrs := make(map[string]bool)
	for i, p := range c.Peers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("config: peers[%d]: %w", i, err)
		}
		if names[p.Name] {
			return fmt.Errorf("config: peers[%d]: duplicate name %q", i, p.Name)
		}
		if addrs[p.Address] {
			return fmt.Errorf("config: peers[%d]: duplicate address %s", i, p.Address)
		}
		names[p.Name] = true
		addrs[p.Address] = true
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config: kafka.topic is required")
		}
		if c.Kafka.LingerMs < 0 {
			return fmt.Errorf("config: kafka.linger_ms must be >= 0 (got %d)", c.Kafka.LingerMs)
		}
	}
	if c.History.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when history is enabled")
		}
		if c.History.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: history.flush_interval_ms must be > 0 (got %d)", c.History.FlushIntervalMs)
		}
		if c.History.BatchSize <= 0 {
			return fmt.Errorf("config: history.batch_size must be > 0 (got %d)", c.History.BatchSize)
		}
		if c.History.ChannelBufferSize <= 0 {
			return fmt.Errorf("config: history.channel_buffer_size must be > 0 (got %d)", c.History.ChannelBufferSize)
		}
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

func (s *SpeakerConfig) validate() error {
	if s.ASN == 0 {
		return fmt.Errorf("config: speaker.asn is required")
	}
	id, err := netip.ParseAddr(s.RouterID)
	if err != nil || !id.Is4() || id.IsUnspecified() {
		return fmt.Errorf("config: speaker.router_id must be a non-zero IPv4 address (got %q)", s.RouterID)
	}
	if err := validHoldTime(s.HoldTimeSeconds); err != nil {
		return fmt.Errorf("config: speaker.hold_time_seconds %w", err)
	}
	if s.ConnectRetrySeconds <= 0 {
		return fmt.Errorf("config: speaker.connect_retry_seconds must be > 0 (got %d)", s.ConnectRetrySeconds)
	}
	if len(s.Families) == 0 {
		return fmt.Errorf("config: speaker.families is required")
	}
	if _, err := s.ParsedFamilies(); err != nil {
		return fmt.Errorf("config: speaker.families: %w", err)
	}
	if _, err := parseFamilies(s.AddPathReceive); err != nil {
		return fmt.Errorf("config: speaker.add_path_receive: %w", err)
	}
	if s.GracefulRestartSeconds < 0 || s.GracefulRestartSeconds > 4095 {
		return fmt.Errorf("config: speaker.graceful_restart_seconds must be within 0..4095 (got %d)", s.GracefulRestartSeconds)
	}
	if len(s.Hostname) > 255 || len(s.DomainName) > 255 {
		return fmt.Errorf("config: speaker.hostname and speaker.domain_name are limited to 255 bytes")
	}
	return nil
}

func (p *PeerConfig) validate() error {
	if _, err := netip.ParseAddr(p.Address); err != nil {
		return fmt.Errorf("address %q is invalid: %w", p.Address, err)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port must be within 1..65535 (got %d)", p.Port)
	}
	if p.ASN == 0 && !p.Passive {
		return fmt.Errorf("asn is required for active peers")
	}
	if p.HoldTimeSeconds != nil {
		if err := validHoldTime(*p.HoldTimeSeconds); err != nil {
			return fmt.Errorf("hold_time_seconds %w", err)
		}
	}
	if p.NextHop != "" {
		if _, err := netip.ParseAddr(p.NextHop); err != nil {
			return fmt.Errorf("next_hop %q is invalid: %w", p.NextHop, err)
		}
	}
	for _, a := range p.Announce {
		if _, err := netip.ParsePrefix(a); err != nil {
			return fmt.Errorf("announce %q is invalid: %w", a, err)
		}
	}
	for _, c := range p.Communities {
		if _, err := bgp.ParseCommunity(c); err != nil {
			return fmt.Errorf("communities: %w", err)
		}
	}
	return nil
}

// validHoldTime enforces RFC 4271 §4.2: zero or at least three seconds.
func validHoldTime(v int) error {
	if v != 0 && (v < 3 || v > 65535) {
		return fmt.Errorf("must be 0 or within 3..65535 (got %d)", v)
	}
	return nil
}

// ParsedFamilies returns the configured address families.
func (s *SpeakerConfig) ParsedFamilies() ([]bgp.Family, error) {
	return parseFamilies(s.Families)
}

// ParsedAddPathReceive returns the families ADD-PATH receive is offered for.
func (s *SpeakerConfig) ParsedAddPathReceive() ([]bgp.Family, error) {
	return parseFamilies(s.AddPathReceive)
}

func parseFamilies(names []string) ([]bgp.Family, error) {
	var out []bgp.Family
	for _, n := range names {
		f, err := bgp.ParseFamily(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// HoldTime returns the hold time offered to p.
func (p *PeerConfig) HoldTime(speaker SpeakerConfig) time.Duration {
	if p.HoldTimeSeconds != nil {
		return time.Duration(*p.HoldTimeSeconds) * time.Second
	}
	return time.Duration(speaker.HoldTimeSeconds) * time.Second
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

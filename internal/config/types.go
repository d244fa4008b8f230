package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration using Go's string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Payment   PaymentConfig   `yaml:"payment"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Session   SessionConfig   `yaml:"session"`
	Node      NodeConfig      `yaml:"node"`
	DNS       DNSConfig       `yaml:"dns"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
}

// ServerConfig controls the HTTP front door.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	PublicURL          string   `yaml:"public_url"` // externally reachable base URL for connect_url
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminKey           string   `yaml:"admin_key"`             // x-admin-key for manifest upload
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // optional key guarding /metrics
	TLSCertFile        string   `yaml:"tls_cert_file"`
	TLSKeyFile         string   `yaml:"tls_key_file"`
	TLSCAFile          string   `yaml:"tls_ca_file"`
	LocalMode          bool     `yaml:"local_mode"` // bypass payment and DNS, route everything locally
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// PaymentConfig configures the x402 facilitator adapter.
type PaymentConfig struct {
	FacilitatorURL string   `yaml:"facilitator_url"`
	VerifyTimeout  Duration `yaml:"verify_timeout"`
	SettleTimeout  Duration `yaml:"settle_timeout"`
	EVMNetwork     string   `yaml:"evm_network"` // CAIP-2, e.g. eip155:84532
	EVMPayTo       string   `yaml:"evm_pay_to"`
	SolanaNetwork  string   `yaml:"solana_network"` // CAIP-2 cluster id
	SolanaPayTo    string   `yaml:"solana_pay_to"`
}

// ProxyConfig configures the dedup proxy engine.
type ProxyConfig struct {
	CacheTTL        Duration `yaml:"cache_ttl"`
	CacheMaxEntries int      `yaml:"cache_max_entries"`
	PaidMarkTTL     Duration `yaml:"paid_mark_ttl"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	OutboundTimeout Duration `yaml:"outbound_timeout"`
	MaxRedirects    int      `yaml:"max_redirects"`
	PricePerCall    string   `yaml:"price_per_call"` // decimal string, facilitator units

	// ScopeCacheToTarget mixes the target URL into the cache fingerprint.
	// Default false: the idempotency key is a deduplication contract the
	// caller owns, so identical keys dedupe across targets.
	ScopeCacheToTarget bool `yaml:"scope_cache_to_target"`
}

// SessionConfig configures metered WebSocket sessions.
type SessionConfig struct {
	TokenTTL           Duration `yaml:"token_ttl"`
	TokenSweepInterval Duration `yaml:"token_sweep_interval"`
	HandshakeTimeout   Duration `yaml:"handshake_timeout"` // node-side dial
}

// NodeConfig configures the node lifecycle orchestrator.
type NodeConfig struct {
	Zone               string   `yaml:"zone"`      // authoritative DNS zone, e.g. example.net
	Subdomain          string   `yaml:"subdomain"` // nodes live at <id>.<subdomain>.<zone>
	JoinTTL            Duration `yaml:"join_ttl"`
	AdmissionBase      float64  `yaml:"admission_base"`
	AdmissionIncrement float64  `yaml:"admission_increment"`
	AdmissionMax       float64  `yaml:"admission_max"`
	JoinScoreThreshold float64  `yaml:"join_score_threshold"`
	PassScoreThreshold float64  `yaml:"pass_score_threshold"`
	ManifestPublicKey  string   `yaml:"manifest_public_key"` // base58 Ed25519 key pinned for release manifests
	CertDir            string   `yaml:"cert_dir"`            // per-node certificate material
}

// DNSConfig configures the authoritative DNS provider client.
type DNSConfig struct {
	APIURL    string   `yaml:"api_url"`
	APIToken  string   `yaml:"api_token"`
	Timeout   Duration `yaml:"timeout"`
	RecordTTL int      `yaml:"record_ttl"`
}

// StoreConfig configures the embedded node store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`
	PerIPEnabled  bool     `yaml:"per_ip_enabled"`
	PerIPLimit    int      `yaml:"per_ip_limit"`
	PerIPWindow   Duration `yaml:"per_ip_window"`
}

// BreakerConfig holds circuit breaker settings for external collaborators.
type BreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	Facilitator BreakerServiceConfig `yaml:"facilitator"`
	DNS         BreakerServiceConfig `yaml:"dns"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

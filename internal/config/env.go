package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the GATEWAY_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "GATEWAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.PublicURL, "GATEWAY_PUBLIC_URL")
	setIfEnv(&c.Server.AdminKey, "GATEWAY_ADMIN_KEY")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "GATEWAY_ADMIN_METRICS_API_KEY")
	setIfEnv(&c.Server.TLSCertFile, "GATEWAY_TLS_CERT_FILE")
	setIfEnv(&c.Server.TLSKeyFile, "GATEWAY_TLS_KEY_FILE")
	setIfEnv(&c.Server.TLSCAFile, "GATEWAY_TLS_CA_FILE")
	setBoolIfEnv(&c.Server.LocalMode, "GATEWAY_LOCAL_MODE")
	if v := os.Getenv("GATEWAY_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Log config
	setIfEnv(&c.Log.Level, "GATEWAY_LOG_LEVEL")
	setIfEnv(&c.Log.Format, "GATEWAY_LOG_FORMAT")

	// Payment config
	setIfEnv(&c.Payment.FacilitatorURL, "GATEWAY_FACILITATOR_URL")
	setDurationIfEnv(&c.Payment.VerifyTimeout, "GATEWAY_FACILITATOR_VERIFY_TIMEOUT")
	setDurationIfEnv(&c.Payment.SettleTimeout, "GATEWAY_FACILITATOR_SETTLE_TIMEOUT")
	setIfEnv(&c.Payment.EVMNetwork, "GATEWAY_EVM_NETWORK")
	setIfEnv(&c.Payment.EVMPayTo, "GATEWAY_EVM_PAY_TO")
	setIfEnv(&c.Payment.SolanaNetwork, "GATEWAY_SOLANA_NETWORK")
	setIfEnv(&c.Payment.SolanaPayTo, "GATEWAY_SOLANA_PAY_TO")

	// Proxy config
	setDurationIfEnv(&c.Proxy.CacheTTL, "GATEWAY_PROXY_CACHE_TTL")
	setIntIfEnv(&c.Proxy.CacheMaxEntries, "GATEWAY_PROXY_CACHE_MAX_ENTRIES")
	setDurationIfEnv(&c.Proxy.PaidMarkTTL, "GATEWAY_PROXY_PAID_MARK_TTL")
	setDurationIfEnv(&c.Proxy.OutboundTimeout, "GATEWAY_PROXY_OUTBOUND_TIMEOUT")
	setIfEnv(&c.Proxy.PricePerCall, "GATEWAY_PROXY_PRICE")
	setBoolIfEnv(&c.Proxy.ScopeCacheToTarget, "GATEWAY_PROXY_SCOPE_CACHE_TO_TARGET")

	// Session config
	setDurationIfEnv(&c.Session.TokenTTL, "GATEWAY_SESSION_TOKEN_TTL")
	setDurationIfEnv(&c.Session.HandshakeTimeout, "GATEWAY_SESSION_HANDSHAKE_TIMEOUT")

	// Node config
	setIfEnv(&c.Node.Zone, "GATEWAY_NODE_ZONE")
	setIfEnv(&c.Node.Subdomain, "GATEWAY_NODE_SUBDOMAIN")
	setDurationIfEnv(&c.Node.JoinTTL, "GATEWAY_NODE_JOIN_TTL")
	setIfEnv(&c.Node.ManifestPublicKey, "GATEWAY_MANIFEST_PUBLIC_KEY")
	setIfEnv(&c.Node.CertDir, "GATEWAY_NODE_CERT_DIR")

	// DNS config
	setIfEnv(&c.DNS.APIURL, "GATEWAY_DNS_API_URL")
	setIfEnv(&c.DNS.APIToken, "GATEWAY_DNS_API_TOKEN")
	setDurationIfEnv(&c.DNS.Timeout, "GATEWAY_DNS_TIMEOUT")

	// Store config
	setIfEnv(&c.Store.Path, "GATEWAY_STORE_PATH")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "GATEWAY_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "GATEWAY_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "GATEWAY_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "GATEWAY_RATE_LIMIT_PER_IP_LIMIT")

	// Circuit breaker toggle
	setBoolIfEnv(&c.Breaker.Enabled, "GATEWAY_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// splitAndTrim splits a comma separated list and trims whitespace.
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

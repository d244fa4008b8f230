package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsInLocalMode(t *testing.T) {
	t.Setenv("GATEWAY_LOCAL_MODE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Proxy.CacheMaxEntries != 10000 || cfg.Proxy.CacheTTL.Duration != 300*time.Second {
		t.Errorf("Proxy cache = %d entries, ttl %v", cfg.Proxy.CacheMaxEntries, cfg.Proxy.CacheTTL.Duration)
	}
	if cfg.Session.TokenTTL.Duration != 60*time.Second {
		t.Errorf("TokenTTL = %v", cfg.Session.TokenTTL.Duration)
	}
	if cfg.Node.JoinTTL.Duration != 300*time.Second {
		t.Errorf("JoinTTL = %v", cfg.Node.JoinTTL.Duration)
	}
	if !cfg.RateLimit.GlobalEnabled || !cfg.RateLimit.PerIPEnabled {
		t.Errorf("rate limits disabled by default: %+v", cfg.RateLimit)
	}
	if !cfg.Breaker.Enabled {
		t.Error("circuit breakers disabled by default")
	}
}

func TestLoad_NonLocalModeRequiresFacilitator(t *testing.T) {
	t.Setenv("GATEWAY_LOCAL_MODE", "false")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "facilitator") {
		t.Fatalf("err = %v, want facilitator requirement", err)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  address: ":9090"
  public_url: https://gw.example.net
payment:
  facilitator_url: https://facilitator.example.net
  evm_pay_to: "0x1111111111111111111111111111111111111111"
  verify_timeout: 45s
  settle_timeout: "120"
proxy:
  price_per_call: "0.005"
node:
  zone: example.net
  join_ttl: 10m
dns:
  api_url: https://dns.example.net
  api_token: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9090" || cfg.Server.PublicURL != "https://gw.example.net" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Payment.VerifyTimeout.Duration != 45*time.Second {
		t.Errorf("VerifyTimeout = %v", cfg.Payment.VerifyTimeout.Duration)
	}
	// Bare numbers decode as seconds.
	if cfg.Payment.SettleTimeout.Duration != 120*time.Second {
		t.Errorf("SettleTimeout = %v", cfg.Payment.SettleTimeout.Duration)
	}
	if cfg.Proxy.PricePerCall != "0.005" {
		t.Errorf("PricePerCall = %q", cfg.Proxy.PricePerCall)
	}
	if cfg.Node.JoinTTL.Duration != 10*time.Minute {
		t.Errorf("JoinTTL = %v", cfg.Node.JoinTTL.Duration)
	}
	// Unset sections keep their defaults.
	if cfg.Store.Path != "./data/gateway.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  address: ":9090"
  local_mode: true
proxy:
  price_per_call: "0.005"
`)
	t.Setenv("GATEWAY_SERVER_ADDRESS", ":7070")
	t.Setenv("GATEWAY_PROXY_PRICE", "0.02")
	t.Setenv("GATEWAY_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("GATEWAY_SESSION_TOKEN_TTL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("Address = %q, env must win over YAML", cfg.Server.Address)
	}
	if cfg.Proxy.PricePerCall != "0.02" {
		t.Errorf("PricePerCall = %q", cfg.Proxy.PricePerCall)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSAllowedOrigins) != 2 ||
		cfg.Server.CORSAllowedOrigins[0] != want[0] ||
		cfg.Server.CORSAllowedOrigins[1] != want[1] {
		t.Errorf("CORSAllowedOrigins = %v", cfg.Server.CORSAllowedOrigins)
	}
	if cfg.Session.TokenTTL.Duration != 90*time.Second {
		t.Errorf("TokenTTL = %v", cfg.Session.TokenTTL.Duration)
	}
}

func TestLoad_JoinTTLClampedToMinimum(t *testing.T) {
	path := writeConfigFile(t, `
server:
  local_mode: true
node:
  join_ttl: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.JoinTTL.Duration != minJoinTTL {
		t.Errorf("JoinTTL = %v, want clamp to %v", cfg.Node.JoinTTL.Duration, minJoinTTL)
	}
}

func TestLoad_AdmissionMaxBelowBase(t *testing.T) {
	path := writeConfigFile(t, `
server:
  local_mode: true
node:
  admission_base: 200
  admission_max: 100
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "admission_max") {
		t.Fatalf("err = %v, want admission_max validation", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("want error for missing config file")
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: `"300"`, want: 300 * time.Second},
		{raw: `""`, want: 0},
		{raw: "soon", wantErr: true},
	}

	for _, tc := range cases {
		var d Duration
		err := yaml.Unmarshal([]byte(tc.raw), &d)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Unmarshal(%q): want error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unmarshal(%q): %v", tc.raw, err)
			continue
		}
		if d.Duration != tc.want {
			t.Errorf("Unmarshal(%q) = %v, want %v", tc.raw, d.Duration, tc.want)
		}
	}
}

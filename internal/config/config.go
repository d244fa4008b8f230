package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			PublicURL:    "http://localhost:8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Payment: PaymentConfig{
			VerifyTimeout: Duration{Duration: 10 * time.Second},
			SettleTimeout: Duration{Duration: 60 * time.Second},
			EVMNetwork:    "eip155:84532",
			SolanaNetwork: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
		},
		Proxy: ProxyConfig{
			CacheTTL:        Duration{Duration: 300 * time.Second},
			CacheMaxEntries: 10000,
			PaidMarkTTL:     Duration{Duration: 5 * time.Minute},
			SweepInterval:   Duration{Duration: 60 * time.Second},
			OutboundTimeout: Duration{Duration: 30 * time.Second},
			MaxRedirects:    5,
			PricePerCall:    "0.001",
		},
		Session: SessionConfig{
			TokenTTL:           Duration{Duration: 60 * time.Second},
			TokenSweepInterval: Duration{Duration: 10 * time.Second},
			HandshakeTimeout:   Duration{Duration: 12 * time.Second},
		},
		Node: NodeConfig{
			Subdomain:          "consensus",
			JoinTTL:            Duration{Duration: 300 * time.Second},
			AdmissionBase:      100,
			AdmissionIncrement: 50,
			AdmissionMax:       1000,
			JoinScoreThreshold: 60,
			PassScoreThreshold: 80,
			CertDir:            "./data/certs",
		},
		DNS: DNSConfig{
			Timeout:   Duration{Duration: 10 * time.Second},
			RecordTTL: 300,
		},
		Store: StoreConfig{
			Path: "./data/gateway.db",
		},
		RateLimit: RateLimitConfig{
			// Generous limits, meant to stop spam rather than restrict legitimate use
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		Breaker: BreakerConfig{
			Enabled: true,
			Facilitator: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			DNS: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

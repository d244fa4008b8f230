// Package dnsprovider talks to the authoritative DNS API for the gateway's
// zone. The provider exposes two operations: list every host record and
// replace the complete set. All gateway updates are therefore full-set
// replacements computed locally, which makes them idempotent.
package dnsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/circuitbreaker"
	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/httputil"
	"github.com/consensusnet/gateway/internal/metrics"
)

// ErrProviderFailure is returned when the DNS API rejects a call or the
// breaker is open.
var ErrProviderFailure = errors.New("dnsprovider: provider call failed")

// Record is one authoritative host record.
type Record struct {
	Hostname string `json:"hostname"`
	Type     string `json:"type"` // A or AAAA
	Address  string `json:"address"`
	TTL      int    `json:"ttl"`
}

// Client is the DNS provider adapter.
type Client struct {
	cfg      config.DNSConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New builds the DNS client.
func New(cfg config.DNSConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		client:   httputil.NewClient(cfg.Timeout.Duration),
		breakers: breakers,
		metrics:  m,
		log:      log,
	}
}

// ListHosts fetches the complete authoritative record set.
func (c *Client) ListHosts(ctx context.Context) ([]Record, error) {
	result, err := c.breakers.Execute(circuitbreaker.ServiceDNS, func() (interface{}, error) {
		return c.getHosts(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	return result.([]Record), nil
}

// ReplaceHosts submits records as the new complete authoritative set.
func (c *Client) ReplaceHosts(ctx context.Context, records []Record) error {
	_, err := c.breakers.Execute(circuitbreaker.ServiceDNS, func() (interface{}, error) {
		return nil, c.setHosts(ctx, records)
	})
	if err != nil {
		c.metrics.DNSUpdatesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	c.metrics.DNSUpdatesTotal.WithLabelValues("ok").Inc()
	return nil
}

// EnsureNodeRecords reads the full record set, drops any prior records for
// hostname, appends the desired ones and writes the whole set back. Records
// for every other hostname pass through untouched.
func (c *Client) EnsureNodeRecords(ctx context.Context, hostname, ipv6, ipv4 string) error {
	existing, err := c.ListHosts(ctx)
	if err != nil {
		return err
	}

	desired := make([]Record, 0, len(existing)+2)
	for _, rec := range existing {
		if strings.EqualFold(rec.Hostname, hostname) {
			continue
		}
		desired = append(desired, rec)
	}

	desired = append(desired, Record{Hostname: hostname, Type: "AAAA", Address: ipv6, TTL: c.cfg.RecordTTL})
	if ipv4 != "" {
		desired = append(desired, Record{Hostname: hostname, Type: "A", Address: ipv4, TTL: c.cfg.RecordTTL})
	}

	if err := c.ReplaceHosts(ctx, desired); err != nil {
		return err
	}
	c.log.Info().Str("hostname", hostname).Str("ipv6", ipv6).Msg("dns records provisioned")
	return nil
}

// RemoveNodeRecords drops every record for hostname from the set.
func (c *Client) RemoveNodeRecords(ctx context.Context, hostname string) error {
	existing, err := c.ListHosts(ctx)
	if err != nil {
		return err
	}

	desired := existing[:0]
	changed := false
	for _, rec := range existing {
		if strings.EqualFold(rec.Hostname, hostname) {
			changed = true
			continue
		}
		desired = append(desired, rec)
	}
	if !changed {
		return nil
	}
	return c.ReplaceHosts(ctx, desired)
}

func (c *Client) getHosts(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"/get-hosts", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get-hosts: status %d: %s", resp.StatusCode, truncate(body))
	}

	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("get-hosts: decode: %w", err)
	}
	return records, nil
}

func (c *Client) setHosts(ctx context.Context, records []Record) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/set-hosts", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("set-hosts: status %d: %s", resp.StatusCode, truncate(body))
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

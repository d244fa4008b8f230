package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/consensusnet/gateway/internal/httputil"
	"github.com/consensusnet/gateway/pkg/x402"
)

// FacilitatorClient talks to the external x402 facilitator over HTTP.
// The facilitator owns payment verification and on-chain settlement; the
// gateway only forwards payloads and requirements.
type FacilitatorClient struct {
	baseURL       string
	client        *http.Client
	verifyTimeout time.Duration
	settleTimeout time.Duration
}

// NewFacilitatorClient builds a client for the given facilitator base URL.
func NewFacilitatorClient(baseURL string, verifyTimeout, settleTimeout time.Duration) *FacilitatorClient {
	if verifyTimeout <= 0 {
		verifyTimeout = 10 * time.Second
	}
	if settleTimeout <= 0 {
		settleTimeout = 60 * time.Second
	}
	return &FacilitatorClient{
		baseURL: baseURL,
		// The client timeout is the settle timeout; verify gets a shorter
		// per-request context.
		client:        httputil.NewClient(settleTimeout + 5*time.Second),
		verifyTimeout: verifyTimeout,
		settleTimeout: settleTimeout,
	}
}

// facilitatorRequest is the request payload for /verify and /settle.
type facilitatorRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Verify checks a payment authorization without executing the transaction.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	var out VerifyResponse
	if err := c.post(ctx, "/verify", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle executes the verified payment on chain.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*SettleResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	var out SettleResponse
	if err := c.post(ctx, "/settle", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload x402.PaymentPayload, req x402.PaymentRequirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d: %s",
			x402.ErrFacilitatorUnavailable, path, resp.StatusCode, truncate(data, 200))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode facilitator response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

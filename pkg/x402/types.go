package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PaymentPayload follows the x402 specification for the X-PAYMENT header.
// Reference: https://github.com/coinbase/x402
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"` // scheme-dependent, passed through to the facilitator
}

// PaymentRequirements describes the verification constraints for a resource,
// in the shape the facilitator's /verify and /settle endpoints expect.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Asset             string         `json:"asset,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// RequiredDescriptor is the JSON body (and PAYMENT-REQUIRED header content) of
// a 402 challenge.
type RequiredDescriptor struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    string                `json:"resource"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Description string                `json:"description,omitempty"`
	MimeType    string                `json:"mimeType,omitempty"`
}

// EncodeHeader renders the descriptor as base64 JSON for the
// PAYMENT-REQUIRED response header.
func (d RequiredDescriptor) EncodeHeader() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("x402: encode descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SettlementResponse is the facilitator's settlement proof, surfaced to
// clients via X-PAYMENT-RESPONSE.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// EncodeHeader renders the settlement proof as base64 JSON.
func (s SettlementResponse) EncodeHeader() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("x402: encode settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParsePaymentHeader decodes the X-PAYMENT header into a PaymentPayload.
// Accepts base64-encoded JSON or, for testing, raw JSON.
func ParsePaymentHeader(header string) (PaymentPayload, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return PaymentPayload{}, errors.New("x402: empty payment header")
	}

	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return PaymentPayload{}, fmt.Errorf("x402: decode base64: %w", err)
			}
		}
		data = decoded
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("x402: parse payment payload: %w", err)
	}

	if payload.Scheme == "" {
		return payload, errors.New("x402: payment payload missing scheme")
	}
	if payload.Network == "" {
		return payload, errors.New("x402: payment payload missing network")
	}
	if len(payload.Payload) == 0 {
		return payload, errors.New("x402: payment payload missing scheme payload")
	}

	return payload, nil
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/circuitbreaker"
	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/logger"
	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/pkg/responders"
	"github.com/consensusnet/gateway/pkg/x402"
)

// ErrPaymentRequired signals that the request carried no payment header and a
// 402 challenge should be issued.
var ErrPaymentRequired = errors.New("payment: payment required")

// Gate decides required/paid/settled for a resource+amount tuple. It is a
// thin adapter over the external facilitator; the gateway never inspects
// payloads beyond scheme/network routing.
type Gate struct {
	cfg      config.PaymentConfig
	local    bool
	client   *FacilitatorClient
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// Authorization is the outcome of a successful payment check.
type Authorization struct {
	Granted bool
	Payer   string
	Reason  string // "verified" or "local"

	payload      x402.PaymentPayload
	requirements x402.PaymentRequirements
}

// NewGate builds the payment gate. In local mode every check is granted with
// reason "local" and the facilitator is never contacted.
func NewGate(cfg config.PaymentConfig, localMode bool, breakers *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger) *Gate {
	g := &Gate{
		cfg:      cfg,
		local:    localMode,
		breakers: breakers,
		metrics:  m,
		log:      log,
	}
	if !localMode {
		g.client = NewFacilitatorClient(cfg.FacilitatorURL, cfg.VerifyTimeout.Duration, cfg.SettleTimeout.Duration)
	}
	return g
}

// Requirements lists the payment options for a resource at the given price,
// one entry per advertised network.
func (g *Gate) Requirements(resource, price, description string) []x402.PaymentRequirements {
	var accepts []x402.PaymentRequirements
	if g.cfg.EVMPayTo != "" {
		accepts = append(accepts, x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           g.cfg.EVMNetwork,
			MaxAmountRequired: price,
			Resource:          resource,
			Description:       description,
			MimeType:          "application/json",
			PayTo:             g.cfg.EVMPayTo,
			MaxTimeoutSeconds: 60,
		})
	}
	if g.cfg.SolanaPayTo != "" {
		accepts = append(accepts, x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           g.cfg.SolanaNetwork,
			MaxAmountRequired: price,
			Resource:          resource,
			Description:       description,
			MimeType:          "application/json",
			PayTo:             g.cfg.SolanaPayTo,
			MaxTimeoutSeconds: 60,
		})
	}
	return accepts
}

// Challenge writes a 402 response with the PAYMENT-REQUIRED header and a
// matching JSON body.
func (g *Gate) Challenge(w http.ResponseWriter, resource, price, description string) {
	descriptor := x402.RequiredDescriptor{
		X402Version: x402.Version,
		Error:       "payment required",
		Resource:    resource,
		Accepts:     g.Requirements(resource, price, description),
		Description: description,
		MimeType:    "application/json",
	}

	if header, err := descriptor.EncodeHeader(); err == nil {
		w.Header().Set(x402.HeaderPaymentRequired, header)
	}
	g.metrics.PaymentChallengesTotal.WithLabelValues(resource).Inc()
	responders.JSON(w, http.StatusPaymentRequired, descriptor)
}

// Authorize inspects the request's payment header and verifies it with the
// facilitator. Returns ErrPaymentRequired when the header is absent so the
// caller can issue a challenge; any other error means verification failed.
func (g *Gate) Authorize(ctx context.Context, r *http.Request, resource, price, description string) (*Authorization, error) {
	if g.local {
		return &Authorization{Granted: true, Reason: "local"}, nil
	}

	header := r.Header.Get(x402.HeaderPayment)
	if header == "" {
		return nil, ErrPaymentRequired
	}

	payload, err := x402.ParsePaymentHeader(header)
	if err != nil {
		g.metrics.PaymentVerifiesTotal.WithLabelValues(resource, "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", x402.ErrVerificationFailed, err)
	}

	requirements, ok := g.matchRequirements(payload, resource, price, description)
	if !ok {
		g.metrics.PaymentVerifiesTotal.WithLabelValues(resource, "network").Inc()
		return nil, fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, payload.Network)
	}

	start := time.Now()
	res, err := g.breakers.Execute(circuitbreaker.ServiceFacilitator, func() (interface{}, error) {
		return g.client.Verify(ctx, payload, requirements)
	})
	g.metrics.FacilitatorDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.PaymentVerifiesTotal.WithLabelValues(resource, "unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}

	verify := res.(*VerifyResponse)
	if !verify.IsValid {
		g.metrics.PaymentVerifiesTotal.WithLabelValues(resource, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", x402.ErrVerificationFailed, verify.InvalidReason)
	}

	g.metrics.PaymentVerifiesTotal.WithLabelValues(resource, "ok").Inc()
	return &Authorization{
		Granted:      true,
		Payer:        verify.Payer,
		Reason:       "verified",
		payload:      payload,
		requirements: requirements,
	}, nil
}

// Settle executes the verified payment. Settlement failures after a
// successful verification are logged, not surfaced: the paid work still
// completes. Returns the settlement proof when available.
func (g *Gate) Settle(ctx context.Context, auth *Authorization) *x402.SettlementResponse {
	if g.local || auth == nil || auth.Reason != "verified" {
		return nil
	}

	start := time.Now()
	res, err := g.breakers.Execute(circuitbreaker.ServiceFacilitator, func() (interface{}, error) {
		return g.client.Settle(ctx, auth.payload, auth.requirements)
	})
	g.metrics.FacilitatorDuration.WithLabelValues("settle").Observe(time.Since(start).Seconds())
	log := logger.FromContext(ctx)
	if err != nil {
		g.metrics.SettlementsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).
			Str("payer", logger.TruncateAddress(auth.Payer)).
			Msg("settlement failed after verification")
		return nil
	}

	settle := res.(*SettleResponse)
	if !settle.Success {
		g.metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		log.Error().
			Str("reason", settle.ErrorReason).
			Str("payer", logger.TruncateAddress(auth.Payer)).
			Msg("settlement rejected after verification")
		return nil
	}

	g.metrics.SettlementsTotal.WithLabelValues("ok").Inc()
	return &x402.SettlementResponse{
		Success:     true,
		Transaction: settle.Transaction,
		Network:     settle.Network,
		Payer:       settle.Payer,
	}
}

// matchRequirements picks the advertised requirements entry matching the
// payment's network.
func (g *Gate) matchRequirements(payload x402.PaymentPayload, resource, price, description string) (x402.PaymentRequirements, bool) {
	for _, req := range g.Requirements(resource, price, description) {
		if req.Network == payload.Network && req.Scheme == payload.Scheme {
			return req, true
		}
	}
	return x402.PaymentRequirements{}, false
}

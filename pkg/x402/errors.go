package x402

import "errors"

// Sentinel errors surfaced by facilitator-backed verification.
var (
	// ErrFacilitatorUnavailable means the facilitator could not be reached
	// or its circuit breaker is open.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")

	// ErrVerificationFailed means the facilitator examined the payment and
	// rejected it.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed means the facilitator accepted the payment but the
	// on-chain settlement did not complete.
	ErrSettlementFailed = errors.New("x402: settlement failed")

	// ErrUnsupportedNetwork means the payment named a network the gateway
	// does not advertise.
	ErrUnsupportedNetwork = errors.New("x402: unsupported network")
)

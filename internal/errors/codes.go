package errors

import "net/http"

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Request validation errors
const (
	ErrCodeMissingField       ErrorCode = "missing_field"
	ErrCodeInvalidField       ErrorCode = "invalid_field"
	ErrCodeInvalidURL         ErrorCode = "invalid_url"
	ErrCodeUnsupportedMethod  ErrorCode = "unsupported_method"
	ErrCodeInvalidAddress     ErrorCode = "invalid_address"
	ErrCodeMissingIdempotency ErrorCode = "missing_idempotency_key"
)

// Payment errors (x402)
const (
	ErrCodePaymentRequired           ErrorCode = "payment_required"
	ErrCodePaymentVerificationFailed ErrorCode = "payment_verification_failed"
	ErrCodeSettlementFailed          ErrorCode = "settlement_failed"
)

// Auth errors
const (
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeInvalidToken     ErrorCode = "invalid_token"
)

// Node lifecycle errors
const (
	ErrCodeNodeNotFound        ErrorCode = "node_not_found"
	ErrCodeJoinNotFound        ErrorCode = "join_not_found"
	ErrCodeJoinExpired         ErrorCode = "join_expired"
	ErrCodeJoinConsumed        ErrorCode = "join_consumed"
	ErrCodeDuplicateNode       ErrorCode = "duplicate_node"
	ErrCodePerformanceRejected ErrorCode = "performance_rejected"
	ErrCodeDNSProvisionFailed  ErrorCode = "dns_provision_failed"
	ErrCodeManifestNotFound    ErrorCode = "manifest_not_found"
	ErrCodeManifestRejected    ErrorCode = "manifest_rejected"
)

// Upstream errors (dedup proxy)
const (
	ErrCodeUpstreamUnreachable ErrorCode = "upstream_unreachable"
	ErrCodeUpstreamTimeout     ErrorCode = "upstream_timeout"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeNotFound      ErrorCode = "not_found"
)

// HTTPStatus maps an error code to its HTTP status line.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeMissingField, ErrCodeInvalidField, ErrCodeInvalidURL,
		ErrCodeUnsupportedMethod, ErrCodeInvalidAddress, ErrCodeMissingIdempotency,
		ErrCodePerformanceRejected, ErrCodeManifestRejected, ErrCodeInvalidSignature:
		return http.StatusBadRequest
	case ErrCodePaymentRequired, ErrCodePaymentVerificationFailed:
		return http.StatusPaymentRequired
	case ErrCodeUnauthorized, ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrCodeNodeNotFound, ErrCodeJoinNotFound, ErrCodeManifestNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateNode, ErrCodeJoinConsumed:
		return http.StatusConflict
	case ErrCodeJoinExpired:
		return http.StatusGone
	case ErrCodeUpstreamUnreachable:
		return http.StatusBadGateway
	case ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether a client may usefully retry the failed request.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrCodeUpstreamUnreachable, ErrCodeUpstreamTimeout,
		ErrCodeSettlementFailed, ErrCodeDNSProvisionFailed, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

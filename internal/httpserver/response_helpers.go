package httpserver

import (
	"errors"
	"net/http"

	"github.com/consensusnet/gateway/internal/benchmark"
	"github.com/consensusnet/gateway/internal/dedupproxy"
	apierrors "github.com/consensusnet/gateway/internal/errors"
	"github.com/consensusnet/gateway/internal/nodestore"
	"github.com/consensusnet/gateway/internal/orchestrator"
	"github.com/consensusnet/gateway/pkg/x402"
)

// addSettlementHeader attaches the X-PAYMENT-RESPONSE settlement proof when
// a settlement happened.
func addSettlementHeader(w http.ResponseWriter, settlement *x402.SettlementResponse) {
	if settlement == nil {
		return
	}
	if header, err := settlement.EncodeHeader(); err == nil {
		w.Header().Set(x402.HeaderPaymentResponse, header)
	}
}

// writePaymentError maps a non-challenge payment failure onto the error
// taxonomy. Facilitator outages are internal faults, not the payer's.
func writePaymentError(w http.ResponseWriter, err error) {
	if errors.Is(err, x402.ErrFacilitatorUnavailable) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentVerificationFailed, err.Error())
}

// writeProxyError maps dedup proxy failures onto the taxonomy.
func writeProxyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dedupproxy.ErrMissingKey):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingIdempotency, err.Error())
	case errors.Is(err, dedupproxy.ErrUpstreamTimeout):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamTimeout, err.Error())
	case errors.Is(err, dedupproxy.ErrUpstreamUnreachable):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamUnreachable, err.Error())
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
	}
}

// writeNodeError maps node lifecycle failures onto the taxonomy. notFound
// disambiguates missing joins from missing nodes for the caller.
func writeNodeError(w http.ResponseWriter, err error, notFound apierrors.ErrorCode) {
	var perf *orchestrator.PerformanceError
	switch {
	case errors.As(err, &perf):
		apierrors.WriteError(w, apierrors.ErrCodePerformanceRejected, perf.Error(), map[string]any{
			"score":     perf.Result.Composite,
			"threshold": benchmark.JoinThreshold,
			"fetch":     perf.Result.Fetch,
			"cpu":       perf.Result.CPU,
			"memory":    perf.Result.Memory,
		})
	case errors.Is(err, orchestrator.ErrValidation):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
	case errors.Is(err, orchestrator.ErrDuplicate):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDuplicateNode, err.Error())
	case errors.Is(err, orchestrator.ErrJoinExpired):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeJoinExpired, err.Error())
	case errors.Is(err, orchestrator.ErrDNSProvision):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDNSProvisionFailed, err.Error())
	case errors.Is(err, orchestrator.ErrAttestationStale):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
	case errors.Is(err, orchestrator.ErrAttestationFailed):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, err.Error())
	case errors.Is(err, orchestrator.ErrBadManifest):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeManifestRejected, err.Error())
	case errors.Is(err, nodestore.ErrJoinConsumed):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeJoinConsumed, err.Error())
	case errors.Is(err, nodestore.ErrNotFound):
		apierrors.WriteSimpleError(w, notFound, err.Error())
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
	}
}

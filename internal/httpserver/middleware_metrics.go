package httpserver

import (
	"net/http"

	apierrors "github.com/consensusnet/gateway/internal/errors"
)

// adminMetricsAuth guards /metrics with a bearer key. With no key configured
// the endpoint is open.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized,
					"invalid or missing metrics API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

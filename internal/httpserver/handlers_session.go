package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/consensusnet/gateway/internal/errors"
	"github.com/consensusnet/gateway/internal/payment"
	"github.com/consensusnet/gateway/internal/session"
	"github.com/consensusnet/gateway/pkg/responders"
)

// sessionQuote is phase A of the session handshake: price the requested
// session, collect payment, and hand out a single-use connect token.
func (s *Server) sessionQuote(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField,
			"model query parameter is required (time, data or hybrid)")
		return
	}
	minutes, err := queryFloat(r, "minutes")
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "minutes must be a number")
		return
	}
	megabytes, err := queryFloat(r, "megabytes")
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "megabytes must be a number")
		return
	}

	quote, err := session.CalculateCost(model, minutes, megabytes)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	description := "metered websocket session (" + quote.Model + ")"
	auth, err := s.gate.Authorize(r.Context(), r, "/ws", quote.Price, description)
	if errors.Is(err, payment.ErrPaymentRequired) {
		s.gate.Challenge(w, "/ws", quote.Price, description)
		return
	}
	if err != nil {
		writePaymentError(w, err)
		return
	}

	addSettlementHeader(w, s.gate.Settle(r.Context(), auth))

	token, ttl := s.sessions.IssueToken(quote, auth.Payer)
	connectURL := strings.TrimSuffix(s.cfg.Server.PublicURL, "/") + "/ws-connect?token=" + token

	responders.JSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"connect_url": connectURL,
		"expires_in":  int64(ttl.Seconds()),
		"model":       quote.Model,
		"price":       quote.Price,
		"limits":      quote.Limits.Fields(),
	})
}

// sessionConnect is phase B: redeem the token and upgrade. The manager owns
// the rest of the session's life.
func (s *Server) sessionConnect(w http.ResponseWriter, r *http.Request) {
	s.sessions.HandleUpgrade(w, r)
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

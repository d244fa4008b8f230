package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/consensusnet/gateway/internal/errors"
	"github.com/consensusnet/gateway/internal/nodestore"
	"github.com/consensusnet/gateway/internal/orchestrator"
	"github.com/consensusnet/gateway/internal/payment"
	"github.com/consensusnet/gateway/pkg/responders"
)

// nodeJoin handles both admission variants behind one paid endpoint. A body
// carrying only the key material opens a challenge; a full submission runs
// the single-shot pipeline.
func (s *Server) nodeJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req orchestrator.JoinSubmission
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	price, err := s.orch.AdmissionPrice(ctx)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
		return
	}

	auth, err := s.gate.Authorize(ctx, r, "/node/join", price, "node admission")
	if errors.Is(err, payment.ErrPaymentRequired) {
		s.gate.Challenge(w, "/node/join", price, "node admission")
		return
	}
	if err != nil {
		writePaymentError(w, err)
		return
	}

	challengeOnly := req.IPv6 == "" && req.Port == 0 && req.TestEndpoint == ""
	if challengeOnly {
		challenge, err := s.orch.CreateChallenge(ctx, req.PubkeyPEM, req.Alg)
		if err != nil {
			writeNodeError(w, err, apierrors.ErrCodeJoinNotFound)
			return
		}
		addSettlementHeader(w, s.gate.Settle(ctx, auth))
		responders.JSON(w, http.StatusOK, challenge)
		return
	}

	node, err := s.orch.Join(ctx, req)
	if err != nil {
		writeNodeError(w, err, apierrors.ErrCodeNodeNotFound)
		return
	}
	addSettlementHeader(w, s.gate.Settle(ctx, auth))
	responders.JSON(w, http.StatusCreated, node)
}

// nodeVerify completes a two-phase join. No payment here: the challenge was
// already paid for, and the signature over the nonce gates this call.
func (s *Server) nodeVerify(w http.ResponseWriter, r *http.Request) {
	joinID := chi.URLParam(r, "join_id")

	var req orchestrator.VerifySubmission
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	node, err := s.orch.VerifyChallenge(r.Context(), joinID, req)
	if err != nil {
		writeNodeError(w, err, apierrors.ErrCodeJoinNotFound)
		return
	}
	responders.JSON(w, http.StatusCreated, node)
}

func (s *Server) nodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	var report orchestrator.HeartbeatReport
	if err := decodeJSON(r.Body, &report); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	update, err := s.orch.Heartbeat(r.Context(), nodeID, report)
	if err != nil {
		writeNodeError(w, err, apierrors.ErrCodeNodeNotFound)
		return
	}

	resp := map[string]any{"status": "ok"}
	if update != nil {
		resp["update_available"] = update
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (s *Server) nodeStatus(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.GetNode(r.Context(), chi.URLParam(r, "node_id"))
	if err != nil {
		writeNodeError(w, err, apierrors.ErrCodeNodeNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, node)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	status := nodestore.NodeStatus(r.URL.Query().Get("status"))
	nodes, err := s.store.ListNodes(r.Context(), status)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
		return
	}
	if nodes == nil {
		nodes = []nodestore.Node{}
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *Server) latestManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.orch.RequiredManifest(r.Context())
	if err != nil {
		if errors.Is(err, nodestore.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeManifestNotFound, "no required release manifest")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"version":     m.Version,
		"released_at": m.ReleasedAt,
		"release_url": m.ReleaseURL,
		"required":    m.Required,
		"signature":   m.Signature,
		"manifest":    json.RawMessage(m.Body),
	})
}

// nodeAttest verifies a node's signed build integrity claim.
func (s *Server) nodeAttest(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	var att orchestrator.Attestation
	if err := decodeJSON(r.Body, &att); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	if err := s.orch.Attest(r.Context(), nodeID, att); err != nil {
		writeNodeError(w, err, apierrors.ErrCodeNodeNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":  "verified",
		"node_id": nodeID,
	})
}

// adminManifest stores a release manifest. Guarded by the x-admin-key header;
// with no key configured the endpoint is disabled.
func (s *Server) adminManifest(w http.ResponseWriter, r *http.Request) {
	adminKey := s.cfg.Server.AdminKey
	provided := r.Header.Get("x-admin-key")
	if adminKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid or missing admin key")
		return
	}

	var req struct {
		Manifest  json.RawMessage `json:"manifest"`
		Signature string          `json:"signature"`
		Required  bool            `json:"required"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	m, err := s.orch.StoreManifest(r.Context(), req.Manifest, req.Signature, req.Required)
	if err != nil {
		writeNodeError(w, err, apierrors.ErrCodeManifestNotFound)
		return
	}
	responders.JSON(w, http.StatusCreated, m)
}

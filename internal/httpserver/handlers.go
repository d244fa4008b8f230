package httpserver

import (
	"net/http"
	"time"

	"github.com/consensusnet/gateway/internal/nodestore"
	"github.com/consensusnet/gateway/internal/session"
	"github.com/consensusnet/gateway/pkg/responders"
)

// serviceDescriptor answers GET / with the static service card: who we are,
// what networks we accept payment on, the session pricing table, and the
// endpoint index.
func (s *Server) serviceDescriptor(w http.ResponseWriter, r *http.Request) {
	var networks []string
	if s.cfg.Payment.EVMPayTo != "" {
		networks = append(networks, s.cfg.Payment.EVMNetwork)
	}
	if s.cfg.Payment.SolanaPayTo != "" {
		networks = append(networks, s.cfg.Payment.SolanaNetwork)
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"name":     "consensus-gateway",
		"version":  s.version,
		"networks": networks,
		"pricing":  session.Presets,
		"endpoints": map[string]string{
			"proxy":       "POST /proxy",
			"session":     "GET /ws",
			"connect":     "GET /ws-connect?token=...",
			"node_join":   "POST /node/join",
			"node_verify": "POST /node/verify/{join_id}",
			"heartbeat":   "POST /node/heartbeat/{node_id}",
			"node_status": "GET /node/status/{node_id}",
			"nodes":       "GET /nodes",
			"update":      "GET /update/latest",
			"attestation": "POST /node/verify-integrity/{node_id}",
			"health":      "GET /health",
			"stats":       "GET /stats",
		},
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(serverStartTime).Seconds()),
		"version":  s.version,
	})
}

// stats exposes the live counters of each subsystem.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context(), "")
	if err != nil {
		s.logger.Warn().Err(err).Msg("stats: listing nodes failed")
	}
	var active int
	for _, n := range nodes {
		if n.Status == nodestore.StatusActive {
			active++
		}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"proxy":  s.proxy.Stats(),
		"router": s.router.Stats(),
		"sessions": map[string]any{
			"active":         s.sessions.ActiveCount(),
			"pending_tokens": s.sessions.PendingTokens(),
		},
		"nodes": map[string]any{
			"total":  len(nodes),
			"active": active,
		},
	})
}

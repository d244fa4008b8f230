package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/internal/router"
)

// Session expiry reasons.
const (
	reasonTimeLimit = "time_limit_reached"
	reasonDataLimit = "data_limit_reached"
)

// nodeSelector is the slice of the router the manager needs.
type nodeSelector interface {
	Select(ctx context.Context, clientKey string, prefs router.Preferences) (router.Selection, error)
	AcquireWS(nodeID string)
	ReleaseWS(nodeID string)
}

// Usage is the byte/time accounting reported in session_expired frames.
type Usage struct {
	BytesRx    int64 `json:"bytes_rx"`
	BytesTx    int64 `json:"bytes_tx"`
	BytesTotal int64 `json:"bytes_total"`
	DurationS  int64 `json:"duration_s"`
}

// Manager owns the paid-session lifecycle: token issue after payment, token
// consumption at upgrade, node routing with local echo fallback, and the
// metered bidirectional pump.
type Manager struct {
	cfg      config.SessionConfig
	tokens   *tokenStore
	selector nodeSelector
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu     sync.Mutex
	active map[string]*session

	metrics *metrics.Metrics
	log     zerolog.Logger
	stop    chan struct{}
	stopped sync.Once
}

// New builds the manager. Call Start to launch the token sweep.
func New(cfg config.SessionConfig, selector nodeSelector, m *metrics.Metrics, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		tokens:   newTokenStore(cfg.TokenTTL.Duration),
		selector: selector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin clients are expected; payment gating happens
			// before the token is issued, not at the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout.Duration,
		},
		active:  make(map[string]*session),
		metrics: m,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start launches the pending-token sweep loop.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.TokenSweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.tokens.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and closes every active session.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stop) })
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.shutdown()
	}
}

// IssueToken mints a single-use session token after the payment gate passed.
func (m *Manager) IssueToken(quote Quote, payer string) (token string, expiresIn time.Duration) {
	t := m.tokens.issue(quote, payer)
	m.metrics.TokensIssuedTotal.Inc()
	return t.Value, m.cfg.TokenTTL.Duration
}

// ActiveCount returns the number of open sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PendingTokens returns the number of unredeemed tokens.
func (m *Manager) PendingTokens() int {
	return m.tokens.len()
}

// HandleUpgrade redeems ?token=… and, on success, upgrades the connection and
// runs the session to completion. Invalid tokens are rejected with 401 before
// any upgrade happens.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	tok, err := m.tokens.consume(r.URL.Query().Get("token"))
	if err != nil {
		m.metrics.TokensRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		http.Error(w, "invalid or expired session token", http.StatusUnauthorized)
		return
	}

	clientConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		m.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	m.run(r, clientConn, tok)
}

// run routes, dials and pumps one session. Blocks until the session ends.
func (m *Manager) run(r *http.Request, clientConn *websocket.Conn, tok *Token) {
	sessionID := uuid.NewString()

	s := &session{
		id:       sessionID,
		quote:    tok.Quote,
		client:   clientConn,
		done:     make(chan struct{}),
		log:      m.log.With().Str("session_id", sessionID).Logger(),
		metrics:  m.metrics,
		servedBy: "local",
	}

	var prefs router.Preferences
	if raw := r.Header.Get("x-node-region"); raw != "" {
		prefs.Regions = strings.Split(raw, ",")
	}
	if raw := r.Header.Get("x-node-domain"); raw != "" {
		prefs.Domains = strings.Split(raw, ",")
	}
	if raw := r.Header.Get("x-node-exclude"); raw != "" {
		prefs.ExcludeIDs = strings.Split(raw, ",")
	}

	if sel, err := m.selector.Select(r.Context(), sessionID, prefs); err == nil {
		if nodeConn, dialErr := m.dialNode(sessionID, sel.Node.Domain, sel.Node.TLSMode, tok); dialErr == nil {
			s.node = nodeConn
			s.nodeID = sel.Node.ID
			s.servedBy = sel.Node.ID
			m.selector.AcquireWS(sel.Node.ID)
		} else {
			// Dial failure falls back to the local echo session, one shot.
			m.log.Warn().Err(dialErr).Str("node_id", sel.Node.ID).Msg("node dial failed, serving locally")
		}
	}

	m.mu.Lock()
	m.active[sessionID] = s
	m.mu.Unlock()
	m.metrics.SessionsActive.Inc()
	servedLabel := "node"
	if s.node == nil {
		servedLabel = "local"
	}
	m.metrics.SessionsTotal.WithLabelValues(servedLabel).Inc()

	s.pump()

	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
	m.metrics.SessionsActive.Dec()
	if s.nodeID != "" {
		m.selector.ReleaseWS(s.nodeID)
	}
}

// dialNode opens the node-side leg of a session.
func (m *Manager) dialNode(sessionID, domain, tlsMode string, tok *Token) (*websocket.Conn, error) {
	scheme := "wss"
	if tlsMode == "off" || tlsMode == "" {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s/ws-node", scheme, domain)

	headers := http.Header{}
	headers.Set("x-session-id", sessionID)
	headers.Set("x-model", tok.Quote.Model)
	headers.Set("x-minutes", fmt.Sprintf("%g", tok.Quote.Minutes))
	headers.Set("x-megabytes", fmt.Sprintf("%g", tok.Quote.Megabytes))

	conn, resp, err := m.dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func rejectReason(err error) string {
	switch err {
	case ErrTokenExpired:
		return "expired"
	case ErrTokenConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/metrics"
)

const controlWriteWait = 5 * time.Second

// session is one live metered connection pair. client is always set; node is
// nil for the local echo fallback.
type session struct {
	id       string
	quote    Quote
	client   *websocket.Conn
	node     *websocket.Conn
	nodeID   string
	servedBy string

	clientMu sync.Mutex // serializes writes to the client leg
	nodeMu   sync.Mutex // serializes writes to the node leg

	bytesRx atomic.Int64
	bytesTx atomic.Int64

	startedAt time.Time
	timer     *time.Timer
	done      chan struct{}
	closeOnce sync.Once

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// pump runs the session to completion: announces session_start, arms the
// time-limit timer and forwards frames in both directions until a budget
// trips or either side closes.
func (s *session) pump() {
	s.startedAt = time.Now()
	defer s.shutdown()

	start := map[string]any{
		"type":       "session_start",
		"session_id": s.id,
		"model":      s.quote.Model,
		"served_by":  s.servedBy,
		"limits":     s.quote.Limits.Fields(),
		"pricing":    Presets[s.quote.Model],
	}
	if err := s.writeClientJSON(start); err != nil {
		return
	}

	s.timer = time.AfterFunc(s.quote.Limits.TimeLimit, func() {
		s.expire(reasonTimeLimit, websocket.CloseNormalClosure)
	})
	defer s.timer.Stop()

	if s.node == nil {
		s.echoLoop()
		return
	}

	go s.nodeToClient()
	s.clientToNode()
}

// clientToNode forwards client frames to the node, accounting rx bytes.
// A frame that crosses the data budget expires the session without being
// forwarded.
func (s *session) clientToNode() {
	for {
		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		rx := s.bytesRx.Add(int64(len(payload)))
		s.metrics.SessionBytesTotal.WithLabelValues("rx").Add(float64(len(payload)))

		if rx+s.bytesTx.Load() >= s.quote.Limits.DataLimit {
			s.expire(reasonDataLimit, websocket.ClosePolicyViolation)
			return
		}

		s.nodeMu.Lock()
		writeErr := s.node.WriteMessage(msgType, payload)
		s.nodeMu.Unlock()
		if writeErr != nil {
			return
		}
	}
}

// nodeToClient forwards node frames to the client, accounting tx bytes.
func (s *session) nodeToClient() {
	defer s.shutdown()
	for {
		msgType, payload, err := s.node.ReadMessage()
		if err != nil {
			return
		}
		tx := s.bytesTx.Add(int64(len(payload)))
		s.metrics.SessionBytesTotal.WithLabelValues("tx").Add(float64(len(payload)))

		if s.bytesRx.Load()+tx >= s.quote.Limits.DataLimit {
			s.expire(reasonDataLimit, websocket.ClosePolicyViolation)
			return
		}

		s.clientMu.Lock()
		writeErr := s.client.WriteMessage(msgType, payload)
		s.clientMu.Unlock()
		if writeErr != nil {
			return
		}
	}
}

// echoLoop serves the local fallback: every client frame is accounted as rx,
// echoed back and accounted as tx, under the same budgets as a routed session.
func (s *session) echoLoop() {
	for {
		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		rx := s.bytesRx.Add(int64(len(payload)))
		s.metrics.SessionBytesTotal.WithLabelValues("rx").Add(float64(len(payload)))

		// An arriving frame that crosses the budget expires the session
		// before any echo.
		if rx+s.bytesTx.Load() >= s.quote.Limits.DataLimit {
			s.expire(reasonDataLimit, websocket.ClosePolicyViolation)
			return
		}

		s.clientMu.Lock()
		writeErr := s.client.WriteMessage(msgType, payload)
		s.clientMu.Unlock()
		if writeErr != nil {
			return
		}
		tx := s.bytesTx.Add(int64(len(payload)))
		s.metrics.SessionBytesTotal.WithLabelValues("tx").Add(float64(len(payload)))

		if s.bytesRx.Load()+tx >= s.quote.Limits.DataLimit {
			s.expire(reasonDataLimit, websocket.ClosePolicyViolation)
			return
		}
	}
}

// expire announces session_expired with the final usage, closes the client
// with the given code and tears the session down. Safe to call from the timer
// goroutine and the pump loops concurrently.
func (s *session) expire(reason string, closeCode int) {
	select {
	case <-s.done:
		return
	default:
	}

	usage := s.usage()
	s.metrics.SessionExpiriesTotal.WithLabelValues(reason).Inc()
	s.log.Info().
		Str("reason", reason).
		Int64("bytes_total", usage.BytesTotal).
		Int64("duration_s", usage.DurationS).
		Msg("session expired")

	_ = s.writeClientJSON(map[string]any{
		"type":       "session_expired",
		"reason":     reason,
		"finalUsage": usage,
	})

	msg := websocket.FormatCloseMessage(closeCode, reason)
	s.clientMu.Lock()
	_ = s.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	s.clientMu.Unlock()

	s.shutdown()
}

// shutdown closes both legs exactly once.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.timer != nil {
			s.timer.Stop()
		}
		s.client.Close()
		if s.node != nil {
			s.node.Close()
		}
	})
}

func (s *session) usage() Usage {
	rx, tx := s.bytesRx.Load(), s.bytesTx.Load()
	return Usage{
		BytesRx:    rx,
		BytesTx:    tx,
		BytesTotal: rx + tx,
		DurationS:  int64(time.Since(s.startedAt).Seconds()),
	}
}

func (s *session) writeClientJSON(v any) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client.WriteJSON(v)
}

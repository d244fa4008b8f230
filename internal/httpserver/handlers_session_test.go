package httpserver

import (
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestSessionQuote_MissingModel(t *testing.T) {
	e := newEnv(t, nil)

	var body apiError
	resp := e.doJSON(t, http.MethodGet, "/ws", nil, nil, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "missing_field" {
		t.Fatalf("resp = %d %+v", resp.StatusCode, body)
	}
}

func TestSessionQuote_UnknownModel(t *testing.T) {
	e := newEnv(t, nil)

	var body apiError
	resp := e.doJSON(t, http.MethodGet, "/ws?model=flat", nil, nil, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "invalid_field" {
		t.Fatalf("resp = %d %+v", resp.StatusCode, body)
	}
}

func TestSessionQuote_BadMinutes(t *testing.T) {
	e := newEnv(t, nil)

	var body apiError
	resp := e.doJSON(t, http.MethodGet, "/ws?model=time&minutes=soon", nil, nil, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "invalid_field" {
		t.Fatalf("resp = %d %+v", resp.StatusCode, body)
	}
}

func TestSessionQuoteThenConnect(t *testing.T) {
	e := newEnv(t, nil)

	var quote struct {
		Token      string         `json:"token"`
		ConnectURL string         `json:"connect_url"`
		ExpiresIn  int64          `json:"expires_in"`
		Model      string         `json:"model"`
		Price      string         `json:"price"`
		Limits     map[string]any `json:"limits"`
	}
	resp := e.doJSON(t, http.MethodGet, "/ws?model=hybrid&minutes=5&megabytes=20", nil, nil, &quote)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quote status = %d", resp.StatusCode)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(quote.Token) {
		t.Errorf("token = %q", quote.Token)
	}
	if !strings.HasPrefix(quote.ConnectURL, "http://gateway.test/ws-connect?token=") {
		t.Errorf("connect_url = %q", quote.ConnectURL)
	}
	if quote.ExpiresIn != 60 || quote.Model != "hybrid" || quote.Price != "0.004500" {
		t.Errorf("quote = %+v", quote)
	}

	// Redeem the token against the test server's own address.
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws-connect?token=" + quote.Token
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if wsResp != nil && wsResp.Body != nil {
		wsResp.Body.Close()
	}

	var start struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Model     string `json:"model"`
		ServedBy  string `json:"served_by"`
	}
	if err := conn.ReadJSON(&start); err != nil {
		t.Fatalf("read session_start: %v", err)
	}
	if start.Type != "session_start" || start.Model != "hybrid" || start.ServedBy != "local" {
		t.Errorf("session_start = %+v", start)
	}

	// The token is single use.
	_, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("token replay must fail")
	}
	if resp2 == nil || resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay response = %+v", resp2)
	}
}

func TestSessionConnect_BadToken(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.doJSON(t, http.MethodGet, "/ws-connect?token=bogus", nil, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

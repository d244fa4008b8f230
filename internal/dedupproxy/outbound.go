package dedupproxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/consensusnet/gateway/internal/httputil"
)

// strippedHeaders are never forwarded upstream. Hop-by-hop headers would
// corrupt the rebuilt request; the gateway-control headers would leak
// payment material to third parties.
var strippedHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"content-encoding":  {},
	"transfer-encoding": {},
	"connection":        {},
	"x-idempotency-key": {},
	"x-payment":         {},
	"x-verbose":         {},
}

// bodyMethods are the methods that forward a request body.
var bodyMethods = map[string]struct{}{
	http.MethodPost:  {},
	http.MethodPut:   {},
	http.MethodPatch: {},
}

// outboundClient issues the actual upstream calls for the engine.
type outboundClient struct {
	client  *http.Client
	timeout time.Duration
}

func newOutboundClient(timeout time.Duration, maxRedirects int) *outboundClient {
	client := httputil.NewClient(timeout)
	// Decoding is handled explicitly per content-encoding below, so the
	// transport must not transparently gunzip.
	client.Transport.(*http.Transport).DisableCompression = true
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &outboundClient{client: client, timeout: timeout}
}

// do performs the outbound call and materializes the response. Any response
// carrying a status line is returned as a *Response regardless of status
// code; transport-level failures return sentinel errors instead.
func (o *outboundClient) do(ctx context.Context, call Call) (*Response, error) {
	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	if _, ok := bodyMethods[method]; ok && len(call.Body) > 0 {
		raw, ct := encodeBody(call.Body)
		body = bytes.NewReader(raw)
		contentType = ct
	}

	req, err := http.NewRequestWithContext(ctx, method, call.TargetURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	for name, value := range call.Headers {
		if _, strip := strippedHeaders[strings.ToLower(name)]; strip {
			continue
		}
		req.Header.Set(name, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	return materialize(resp)
}

// encodeBody returns the bytes to forward and, for JSON object/array bodies
// with no explicit content type, "application/json". A JSON string value is
// forwarded as its raw text.
func encodeBody(raw []byte) ([]byte, string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s), ""
		}
	}
	return trimmed, "application/json"
}

// classifyTransportError maps client errors onto the engine's sentinels.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}

// materialize reads, decodes and parses the upstream response body.
func materialize(resp *http.Response) (*Response, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	decoded, err := decodeContent(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    resp.Header.Clone(),
		Data:       parseBody(decoded),
		CapturedAt: time.Now(),
	}, nil
}

// decodeContent reverses the declared content-encoding.
func decodeContent(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	default:
		// Unknown codings pass through undecoded rather than failing the call.
		return raw, nil
	}
}

// parseBody attempts JSON and falls through to the raw string.
func parseBody(decoded []byte) any {
	trimmed := bytes.TrimSpace(decoded)
	if len(trimmed) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err == nil {
		return value
	}
	return string(decoded)
}

func statusText(resp *http.Response) string {
	// resp.Status is "200 OK"; keep only the text part.
	if idx := strings.Index(resp.Status, " "); idx >= 0 {
		return resp.Status[idx+1:]
	}
	return http.StatusText(resp.StatusCode)
}

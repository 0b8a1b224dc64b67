// Package backend is the outbound half of C9: a plain HTTP client that POSTs
// a flattened chatproto.CompletionRequest to the upstream Chat Completions
// endpoint with the caller's forwarded credential, grounded on the pooled
// *http.Client + explicit timeout shape of internal/upstream/client.go in the
// teacher repository, stripped of its ChatGPT-OAuth token management (§11
// domain stack — oauth2 dropped, §4.9 step 1 is stateless Bearer pass-through).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/quailyn/respbridge/internal/chatproto"
)

// idleConnsPerHost and keepAlive mirror §5's resource model: up to 1024 idle
// connections per host, 60s keepalive.
const (
	idleConnsPerHost = 1024
	keepAlive        = 60 * time.Second
)

// Client dispatches Chat Completions requests to the upstream backend.
type Client struct {
	httpClient *http.Client
	modelsURL  string
	chatURL    string
}

// New creates a Client with a connection pool tuned per §5. connectTimeout
// bounds only the TCP dial (net.Dialer.Timeout; the TLS handshake is not
// covered by it); overallTimeout (http.Client.Timeout) bounds the whole round
// trip including the dial and the response body read.
func New(chatURL, modelsURL string, connectTimeout, overallTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: idleConnsPerHost,
		IdleConnTimeout:     keepAlive,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   overallTimeout,
		},
		modelsURL: modelsURL,
		chatURL:   chatURL,
	}
}

// ModelsURL returns the endpoint used for the catalog refresh (C2), so
// callers can hand it straight to catalog.New without re-deriving it.
func (c *Client) ModelsURL() string { return c.modelsURL }

// HTTPClient exposes the pooled client for C2's catalog refresher, which
// makes its own unauthenticated GET requests on its own schedule.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Error is a failed dispatch: either a transport-level error (network,
// timeout) or a non-2xx upstream response with its (bounded) body.
type Error struct {
	StatusCode int    // 0 for a transport-level failure
	Body       string // truncated to maxErrorBodyBytes, §4.8/§8
	Err        error  // non-nil for transport-level failures
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsTransport reports whether the failure was a network/timeout error rather
// than a non-2xx HTTP response — the §4.3 distinction the breaker needs
// (any transport failure or 5xx counts against it; 4xx does not).
func (e *Error) IsTransport() bool { return e.Err != nil }

// maxErrorBodyBytes is §4.8/§8's cap on upstream error bodies read into
// memory, adopted from original_source's MAX_ERROR_BODY_SIZE.
const maxErrorBodyBytes = 10 * 1024

const truncationMarker = "... (truncated)"

// Dispatch POSTs req to the upstream chat/completions endpoint, forwarding
// authorization verbatim (§4.9 step 1), and returns the still-open response
// body on success for the caller to stream through ssereader. The caller
// owns closing the body. On a non-2xx response, the body is read up to
// maxErrorBodyBytes and both the body and the response are closed before
// returning the *Error.
func (c *Client) Dispatch(ctx context.Context, authorization string, req *chatproto.CompletionRequest) (io.ReadCloser, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &chatproto.StreamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if authorization != "" {
		httpReq.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBoundedError(resp.Body)
		resp.Body.Close()
		return nil, &Error{StatusCode: resp.StatusCode, Body: body}
	}

	return resp.Body, nil
}

// readBoundedError streams up to maxErrorBodyBytes of an error response body,
// appending a truncation marker if more remained, matching original_source's
// read_bounded_error (§12).
func readBoundedError(body io.Reader) string {
	limited := io.LimitReader(body, maxErrorBodyBytes)
	data, _ := io.ReadAll(limited)
	out := string(data)

	var probe [1]byte
	n, _ := body.Read(probe[:])
	if n > 0 {
		out += truncationMarker
	}
	return out
}

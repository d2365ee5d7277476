package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport moves envelopes between the client and the gateway. Post issues
// a request and returns the gateway's immediate response; Poll blocks on the
// gateway's event channel for the session at uri and returns the next
// message (the gateway answers with a "keepalive" kind when its own poll
// timeout elapses with nothing to deliver).
//
// Implementations must return an error — never a partially decoded message —
// for transport-level failures such as a non-2xx status or malformed JSON.
type Transport interface {
	Post(ctx context.Context, uri string, msg Message) (Message, error)
	Poll(ctx context.Context, uri string) (Message, error)
}

// pollMaxWait bounds a single long-poll round trip. The gateway holds a poll
// for up to 30 seconds before answering with a keepalive, so the client-side
// limit sits comfortably above that.
const pollMaxWait = 60 * time.Second

// HTTPTransport is the default [Transport] over the gateway's REST interface.
// The zero value is not usable; construct with [NewHTTPTransport].
type HTTPTransport struct {
	client    *http.Client
	apiSecret string
}

// NewHTTPTransport creates an HTTP transport. apiSecret, when non-empty, is
// appended to every request: as an "apisecret" body field on POSTs and as an
// apisecret query parameter on polls. The underlying connection pool is
// shared across all calls.
func NewHTTPTransport(apiSecret string) *HTTPTransport {
	return &HTTPTransport{
		client:    &http.Client{Timeout: pollMaxWait},
		apiSecret: apiSecret,
	}
}

// Post serialises msg and POSTs it to uri.
func (t *HTTPTransport) Post(ctx context.Context, uri string, msg Message) (Message, error) {
	if t.apiSecret != "" {
		msg["apisecret"] = t.apiSecret
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("janus: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("janus: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("janus: post %s: %w", uri, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

// Poll issues a long-poll GET against the session uri.
func (t *HTTPTransport) Poll(ctx context.Context, uri string) (Message, error) {
	q := url.Values{}
	q.Set("maxev", "1")
	if t.apiSecret != "" {
		q.Set("apisecret", t.apiSecret)
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri+sep+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("janus: build poll request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("janus: poll %s: %w", uri, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

// decodeResponse reads an HTTP response into a [Message], treating non-2xx
// statuses and malformed bodies as failures.
func decodeResponse(resp *http.Response) (Message, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("janus: gateway returned status %d", resp.StatusCode)
	}
	return decodeMessage(resp.Body)
}

// decodeMessage decodes one envelope from r, preserving 64-bit identifiers
// as json.Number.
func decodeMessage(r io.Reader) (Message, error) {
	var m Message
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("janus: decode response: %w", err)
	}
	return m, nil
}

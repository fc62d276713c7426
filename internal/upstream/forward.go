package upstream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// forwardSafeRequestHeaders is the inbound whitelist from spec section
// 4.9: everything else the client sent is dropped before the request
// reaches the upstream.
var forwardSafeRequestHeaders = map[string]bool{
	"x-api-key":                  true,
	"authorization":              true,
	"content-type":               true,
	"anthropic-version":          true,
	"anthropic-beta":             true,
	"anthropic-dangerous-direct-browser-access": true,
	"accept":                     true,
	"accept-encoding":            true,
}

// hopByHopResponseHeaders are stripped from the upstream's response before
// it's relayed to the client, per the supplemented passthrough behavior
// (SPEC_FULL.md's catch-all route).
var hopByHopResponseHeaders = map[string]bool{
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
}

// Client issues outbound HTTP calls against the upstream, sharing a single
// DNS-override/SNI-split transport across forwarding and checkpoint calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a forwarding client against an already-constructed
// shared http.Client (see NewHTTPClient).
func NewClient(cfg Config, httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient, baseURL: strings.TrimSuffix(cfg.BaseURL, "/")}
}

// Forward relays method+path+query+body to the upstream, copying only the
// forward-safe request headers, and returns the raw upstream response for
// the caller to stream or buffer back to the client. The caller owns
// closing resp.Body.
func (c *Client) Forward(ctx context.Context, method, path, query string, headers http.Header, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}

	for name, values := range headers {
		if !forwardSafeRequestHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return c.httpClient.Do(req)
}

// CopyResponseHeaders relays the upstream's response headers to w, skipping
// hop-by-hop headers and recomputing content-length is left to the caller
// (streaming responses omit it entirely).
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if hopByHopResponseHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// QueryFromURL extracts the raw query string from a request URL, preserved
// verbatim for both passthrough forwarding and checkpoint replay.
func QueryFromURL(u *url.URL) string {
	return u.RawQuery
}

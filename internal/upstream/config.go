// Package upstream talks to the real chat API: it forwards client requests
// verbatim (passthrough and the double-buffer-intercepted cases both reach
// the network through here) and performs the background checkpoint call
// that generates a conversation summary.
package upstream

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dbproxy/dbproxy/internal/dialer"
)

// Timeout budgets from spec section 7 ("Cancellation and timeouts").
const (
	ForwardTimeout     = 600 * time.Second
	CheckpointTimeout  = 120 * time.Second
	PassthroughTimeout = 120 * time.Second
)

// Config describes the upstream API this proxy sits in front of.
type Config struct {
	BaseURL    string
	APIVersion string
	BetaHeader string
	DialerCfg  dialer.Config
}

// DefaultConfig targets the documented upstream API version and the
// compaction protocol's beta tag.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		APIVersion: "2026-01-12",
		BetaHeader: "compaction-2026-01-12",
		DialerCfg:  dialer.DefaultConfig(),
	}
}

// NewHTTPClient builds the shared client used for every outbound call:
// DNS-override dialing to the real upstream IP, with TLS SNI still set to
// the upstream's real hostname.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	dial := dialer.New(cfg.DialerCfg)
	tlsCfg := dialer.TLSClientConfig(u.Hostname(), nil)

	transport := &http.Transport{
		DialContext:           dial,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}, nil
}

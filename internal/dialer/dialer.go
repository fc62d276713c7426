// Package dialer implements the outbound dial function used to reach the
// upstream chat API while bypassing the local hosts-file redirection that
// points the upstream hostname at this proxy. It resolves the hostname
// against an explicit DNS server and dials the resolved IP directly, while
// still presenting the real hostname as the TLS SNI value.
package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"
)

// Config controls DNS override behavior.
type Config struct {
	// Resolvers are tried in order until one answers; default
	// 8.8.8.8:53, 1.1.1.1:53.
	Resolvers []string
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
}

// DefaultConfig returns the documented default resolver set.
func DefaultConfig() Config {
	return Config{
		Resolvers:   []string{"8.8.8.8:53", "1.1.1.1:53"},
		DialTimeout: 10 * time.Second,
	}
}

// DialContextFunc matches net.Dialer.DialContext and http.Transport's
// DialContext field, so it can be injected directly at client
// construction.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// New returns a DialContextFunc that resolves the hostname portion of
// addr via cfg.Resolvers (bypassing the system resolver, and therefore
// any /etc/hosts entry), then dials the resolved IP on the original port.
func New(cfg Config) DialContextFunc {
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var lastErr error
			d := net.Dialer{Timeout: cfg.DialTimeout}
			for _, server := range cfg.Resolvers {
				conn, err := d.DialContext(ctx, network, server)
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}

		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}

		ips, err := resolver.LookupIPAddr(ctx, host)
		if err != nil || len(ips) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}

		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
}

// TLSClientConfig builds a *tls.Config that forces SNI to hostname
// regardless of the IP the underlying connection was dialed against,
// which New's resolved-IP dialing otherwise loses.
func TLSClientConfig(hostname string, base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = strings.TrimSuffix(hostname, ".")
	return cfg
}

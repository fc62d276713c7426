package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestForwardCopiesOnlyWhitelistedHeaders(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())

	in := http.Header{}
	in.Set("x-api-key", "secret")
	in.Set("cookie", "should-not-forward")
	in.Set("content-type", "application/json")

	resp, err := client.Forward(context.Background(), http.MethodPost, "/v1/messages", "", in, strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if gotHeaders.Get("x-api-key") != "secret" {
		t.Errorf("expected x-api-key forwarded")
	}
	if gotHeaders.Get("cookie") != "" {
		t.Errorf("expected cookie header stripped, got %q", gotHeaders.Get("cookie"))
	}
}

func TestForwardPreservesQueryString(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	resp, err := client.Forward(context.Background(), http.MethodGet, "/v1/messages", "beta=true&x=1", http.Header{}, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if gotQuery != "beta=true&x=1" {
		t.Errorf("query = %q, want beta=true&x=1", gotQuery)
	}
}

func TestCopyResponseHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "keep-alive")
	src.Set("X-Custom", "value")

	dst := http.Header{}
	CopyResponseHeaders(dst, src)

	if dst.Get("Transfer-Encoding") != "" {
		t.Errorf("expected Transfer-Encoding stripped")
	}
	if dst.Get("X-Custom") != "value" {
		t.Errorf("expected X-Custom preserved")
	}
}

func TestQueryFromURL(t *testing.T) {
	u, _ := url.Parse("https://example.com/v1/messages?beta=1")
	if QueryFromURL(u) != "beta=1" {
		t.Errorf("QueryFromURL = %q", QueryFromURL(u))
	}
}

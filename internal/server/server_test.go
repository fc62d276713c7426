package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dbproxy/dbproxy/internal/buffer"
	"github.com/dbproxy/dbproxy/internal/config"
	"github.com/dbproxy/dbproxy/internal/dashboard"
	"github.com/dbproxy/dbproxy/internal/identity"
	"github.com/dbproxy/dbproxy/internal/upstream"
)

type fakeCheckpointClient struct{}

func (fakeCheckpointClient) GenerateCheckpoint(ctx context.Context, req buffer.CheckpointCallRequest) (string, error) {
	return "a summary of the conversation so far", nil
}

func chatRequestBody(userText string) []byte {
	body := map[string]any{
		"model":  "claude-3",
		"stream": false,
		"messages": []any{
			map[string]any{
				"role":    "user",
				"content": userText,
			},
		},
	}
	out, _ := json.Marshal(body)
	return out
}

func newTestServer(t *testing.T, upstreamURL string) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.UpstreamURL = upstreamURL
	cfg.Passthrough = false

	upstreamCfg := upstream.DefaultConfig(upstreamURL)
	forward := upstream.NewClient(upstreamCfg, &http.Client{Timeout: 10 * time.Second})

	reg := identity.NewRegistry(time.Hour)
	dash := dashboard.New(reg)

	srv := New("127.0.0.1:0", cfg, reg, forward, fakeCheckpointClient{}, nil, dash)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHandleMessagesForwardsNormalRequest(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_upstream1",
			"model": "claude-3",
			"usage": map[string]any{
				"input_tokens":  100,
				"output_tokens": 20,
			},
			"content": []any{map[string]any{"type": "text", "text": "hi"}},
		})
	}))
	defer upstreamSrv.Close()

	_, ts := newTestServer(t, upstreamSrv.URL)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(string(chatRequestBody("hello there"))))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if phase := resp.Header.Get("x-double-buffer-phase"); phase == "" {
		t.Errorf("expected x-double-buffer-phase header to be set")
	}

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["id"] != "msg_upstream1" {
		t.Errorf("id = %v, want msg_upstream1", out["id"])
	}
}

func TestHandleMessagesSuggestionModeBypass(t *testing.T) {
	var gotBody []byte
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "msg_suggest", "model": "claude-3", "content": []any{}})
	}))
	defer upstreamSrv.Close()

	_, ts := newTestServer(t, upstreamSrv.URL)

	body := chatRequestBody("[SUGGESTION MODE: pick one] please continue")
	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(gotBody) == 0 {
		t.Fatalf("expected upstream to receive forwarded body")
	}
}

func TestHandleResetByPrefix(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	srv, ts := newTestServer(t, upstreamSrv.URL)
	srv.reg.GetOrCreate(identity.Key("abcdef0123", "claude-3"), 200000, buffer.DefaultConfig())

	resp, err := http.Post(ts.URL+"/v1/_reset", "application/json", strings.NewReader(`{"conv_id":"abcdef"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["reset"].(float64) != 1 {
		t.Errorf("reset = %v, want 1", out["reset"])
	}
}

func TestHandleResetNotFound(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstreamSrv.Close()

	_, ts := newTestServer(t, upstreamSrv.URL)

	resp, err := http.Post(ts.URL+"/v1/_reset", "application/json", strings.NewReader(`{"conv_id":"nosuchkey"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstreamSrv.Close()

	_, ts := newTestServer(t, upstreamSrv.URL)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "ok" {
		t.Errorf("status field = %v, want ok", out["status"])
	}
}

func TestHandlePassthroughForwardsNonChatPaths(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %q, want /v1/models", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer upstreamSrv.Close()

	_, ts := newTestServer(t, upstreamSrv.URL)

	resp, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dbproxy/dbproxy/internal/buffer"
)

func TestGenerateCheckpointExtractsSummary(t *testing.T) {
	var gotBeta, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBeta = r.Header.Get("anthropic-beta")
		gotAPIKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"content": []any{
				map[string]any{"type": "compaction", "content": "conversation summary here"},
			},
		})
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, APIVersion: "2026-01-12", BetaHeader: "compaction-2026-01-12"}
	client := NewCheckpointClient(cfg, srv.Client())

	req := buffer.CheckpointCallRequest{
		Model:                "claude-test",
		Messages:             nil,
		AuthHeaders:          map[string]string{"x-api-key": "secret"},
		CompactTriggerTokens: 50000,
	}

	summary, err := client.GenerateCheckpoint(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateCheckpoint: %v", err)
	}
	if summary != "conversation summary here" {
		t.Errorf("summary = %q, want %q", summary, "conversation summary here")
	}
	if gotBeta != "compaction-2026-01-12" {
		t.Errorf("beta header = %q", gotBeta)
	}
	if gotAPIKey != "secret" {
		t.Errorf("forwarded api key = %q, want secret", gotAPIKey)
	}
}

func TestGenerateCheckpointNoCompactionBlockFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "not a compaction"}},
		})
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, APIVersion: "2026-01-12", BetaHeader: "compaction-2026-01-12"}
	client := NewCheckpointClient(cfg, srv.Client())

	_, err := client.GenerateCheckpoint(context.Background(), buffer.CheckpointCallRequest{Model: "claude-test"})
	if err == nil {
		t.Fatalf("expected error when no compaction block present")
	}
}

func TestGenerateCheckpointUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, APIVersion: "2026-01-12", BetaHeader: "compaction-2026-01-12"}
	client := NewCheckpointClient(cfg, srv.Client())

	_, err := client.GenerateCheckpoint(context.Background(), buffer.CheckpointCallRequest{Model: "claude-test"})
	if err == nil {
		t.Fatalf("expected error on non-200 upstream response")
	}
}

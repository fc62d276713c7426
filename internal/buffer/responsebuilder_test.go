package buffer

import (
	"strings"
	"testing"
)

func TestBuildNonStreamingSwapResponseShape(t *testing.T) {
	resp := BuildNonStreamingSwapResponse("hello world", "claude-3")

	if resp["role"] != "assistant" {
		t.Errorf("role = %v, want assistant", resp["role"])
	}
	if resp["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v, want end_turn", resp["stop_reason"])
	}
	id, _ := resp["id"].(string)
	if !strings.HasPrefix(id, "msg_") {
		t.Errorf("id = %q, want msg_ prefix", id)
	}
	content, ok := resp["content"].([]any)
	if !ok || len(content) != 1 {
		t.Fatalf("content = %v, want a single block", resp["content"])
	}
}

func TestBuildStreamingSwapEventsSixEventSequence(t *testing.T) {
	events := BuildStreamingSwapEvents("hello world", "claude-3")
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}

	wantOrder := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	for i, name := range wantOrder {
		if events[i].Event != name {
			t.Errorf("event[%d] = %q, want %q", i, events[i].Event, name)
		}
	}

	if !strings.Contains(events[2].Data, "hello world") {
		t.Errorf("expected the full body delivered in the single content_block_delta")
	}
}

package identity

import (
	"testing"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

func TestFingerprintFromSessionMarker(t *testing.T) {
	body := wireformat.Body{
		"metadata": wireformat.Object{
			"user_id": "app_user_session_aaaa-bbbb",
		},
	}
	fp := Fingerprint(body)
	if fp != "aaaa-bbbb" {
		t.Errorf("fingerprint = %q, want aaaa-bbbb", fp)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	body := wireformat.Body{
		"system": "you are a helpful assistant",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello there"},
		},
	}
	fp1 := Fingerprint(body)
	fp2 := Fingerprint(body)
	if fp1 != fp2 {
		t.Errorf("fingerprint not deterministic: %q != %q", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Errorf("expected a sha256 hex digest (64 chars), got %d chars", len(fp1))
	}
}

func TestFingerprintStableAcrossLaterMessages(t *testing.T) {
	base := func(extraAssistant bool) wireformat.Body {
		messages := []any{
			map[string]any{"role": "user", "content": "hello there"},
		}
		if extraAssistant {
			messages = append(messages, map[string]any{"role": "assistant", "content": "hi!"})
		}
		return wireformat.Body{
			"system":   "you are a helpful assistant",
			"messages": messages,
		}
	}

	fp1 := Fingerprint(base(false))
	fp2 := Fingerprint(base(true))
	if fp1 != fp2 {
		t.Errorf("fingerprint changed when a later message was appended: %q != %q", fp1, fp2)
	}
}

func TestFingerprintDiffersOnDifferentFirstMessage(t *testing.T) {
	bodyA := wireformat.Body{
		"system":   "sys",
		"messages": []any{map[string]any{"role": "user", "content": "a"}},
	}
	bodyB := wireformat.Body{
		"system":   "sys",
		"messages": []any{map[string]any{"role": "user", "content": "b"}},
	}
	if Fingerprint(bodyA) == Fingerprint(bodyB) {
		t.Errorf("expected different fingerprints for different first user messages")
	}
}

func TestFingerprintStructuredSystemIsOrderIndependent(t *testing.T) {
	bodyA := wireformat.Body{
		"system": []any{
			map[string]any{"type": "text", "text": "a", "cache_control": map[string]any{"type": "ephemeral"}},
		},
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	bodyB := wireformat.Body{
		"system": []any{
			map[string]any{"cache_control": map[string]any{"type": "ephemeral"}, "text": "a", "type": "text"},
		},
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	if Fingerprint(bodyA) != Fingerprint(bodyB) {
		t.Errorf("expected key order in structured system content not to affect fingerprint")
	}
}

func TestKey(t *testing.T) {
	if got := Key("abc", "claude-3"); got != "abc:claude-3" {
		t.Errorf("Key = %q, want abc:claude-3", got)
	}
}

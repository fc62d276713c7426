package identity

import (
	"context"
	"testing"
	"time"

	"github.com/dbproxy/dbproxy/internal/buffer"
)

func TestRegistryGetOrCreateReusesManager(t *testing.T) {
	r := NewRegistry(time.Hour)
	key := Key("fp1", "claude-3")

	m1 := r.GetOrCreate(key, 200000, buffer.DefaultConfig())
	m2 := r.GetOrCreate(key, 200000, buffer.DefaultConfig())

	if m1 != m2 {
		t.Fatalf("expected GetOrCreate to return the same manager for the same key")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestRegistryRemoveByPrefix(t *testing.T) {
	r := NewRegistry(time.Hour)
	r.GetOrCreate("abcdef:claude-3", 200000, buffer.DefaultConfig())
	r.GetOrCreate("abcxyz:claude-3", 200000, buffer.DefaultConfig())
	r.GetOrCreate("other:claude-3", 200000, buffer.DefaultConfig())

	n := r.Remove("abc")
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if r.Count() != 1 {
		t.Errorf("count after remove = %d, want 1", r.Count())
	}
}

func TestRegistryExpireStale(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.GetOrCreate("fp:claude-3", 200000, buffer.DefaultConfig())

	time.Sleep(30 * time.Millisecond)

	n := r.ExpireStale()
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if r.Count() != 0 {
		t.Errorf("count after expiry = %d, want 0", r.Count())
	}
}

func TestRegistryOnTransitionFiresForCreatedManagers(t *testing.T) {
	r := NewRegistry(time.Hour)

	type transition struct{ key, from, to string }
	seen := make(chan transition, 8)
	r.OnTransition(func(key string, from, to buffer.Phase, trigger string) {
		seen <- transition{key, from.String(), to.String()}
	})

	key := Key("fp1", "claude-3")
	m := r.GetOrCreate(key, 200000, buffer.DefaultConfig())
	m.UpdateTokensAndEvaluate(context.Background(), buffer.TokenUsage{InputTokens: 130000}, "test")

	first := <-seen
	if first.key != key || first.from != "IDLE" || first.to != "CHECKPOINT_PENDING" {
		t.Errorf("unexpected first transition: %+v", first)
	}
	second := <-seen
	if second.to != "CHECKPOINTING" {
		t.Errorf("unexpected second transition: %+v", second)
	}
}

func TestRegistryRemoveAll(t *testing.T) {
	r := NewRegistry(time.Hour)
	r.GetOrCreate("a:claude-3", 200000, buffer.DefaultConfig())
	r.GetOrCreate("b:claude-3", 200000, buffer.DefaultConfig())

	if n := r.RemoveAll(); n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if r.Count() != 0 {
		t.Errorf("count after RemoveAll = %d, want 0", r.Count())
	}
}

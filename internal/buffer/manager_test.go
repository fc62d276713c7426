package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// fakeCheckpointClient returns a fixed summary (or error) and optionally
// signals a channel once called, so tests can wait deterministically for
// the background goroutine to reach the upstream call.
type fakeCheckpointClient struct {
	content string
	err     error
	called  chan CheckpointCallRequest
}

func (f *fakeCheckpointClient) GenerateCheckpoint(ctx context.Context, req CheckpointCallRequest) (string, error) {
	if f.called != nil {
		f.called <- req
	}
	return f.content, f.err
}

func waitForPhase(t *testing.T, m *Manager, want Phase, timeout time.Duration) {
	t.Helper()
	reached := make(chan struct{}, 1)
	m.SetStateObserver(func(from, to Phase, trigger string) {
		if to == want {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	if m.Phase() == want {
		return
	}
	select {
	case <-reached:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for phase %s, currently %s", want, m.Phase())
	}
}

func snapshotWithMessages(m *Manager, n int) {
	messages := make([]wireformat.Object, n)
	for i := range messages {
		messages[i] = msg("user", wireformat.Object{"type": "text", "text": "hi"})
	}
	m.SnapshotRequest(RequestSnapshot{
		Model:    "claude-3",
		Messages: messages,
	})
}

func TestHappyLifecycle(t *testing.T) {
	client := &fakeCheckpointClient{content: "X"}
	cfg := Config{CheckpointThreshold: 0.60, SwapThreshold: 0.80, CompactTriggerTokens: 50000, CheckpointTimeout: time.Second}
	m := NewManager("fp:claude-3", 200000, cfg)
	m.SetCheckpointClient(client)

	ctx := context.Background()

	snapshotWithMessages(m, 4)
	m.UpdateTokensAndEvaluate(ctx, TokenUsage{InputTokens: 50000}, "round1")
	if m.Phase() != IDLE {
		t.Fatalf("round1: phase = %s, want IDLE", m.Phase())
	}

	snapshotWithMessages(m, 4)
	m.UpdateTokensAndEvaluate(ctx, TokenUsage{InputTokens: 100000}, "round2")
	if m.Phase() != IDLE {
		t.Fatalf("round2: phase = %s, want IDLE", m.Phase())
	}

	snapshotWithMessages(m, 4)
	m.UpdateTokensAndEvaluate(ctx, TokenUsage{InputTokens: 130000}, "round3")
	waitForPhase(t, m, WAL_ACTIVE, 2*time.Second)
	content, ok := m.CheckpointContent()
	if !ok || content != "X" {
		t.Fatalf("round3: checkpoint content = %q, ok=%v, want X", content, ok)
	}

	snapshotWithMessages(m, 6)
	m.UpdateTokensAndEvaluate(ctx, TokenUsage{InputTokens: 170000}, "round4")
	if m.Phase() != SWAP_READY {
		t.Fatalf("round4: phase = %s, want SWAP_READY", m.Phase())
	}

	result, ok := m.TrySwapIfReady()
	if !ok {
		t.Fatalf("round5: expected swap to be ready")
	}
	if result.Body == "" {
		t.Errorf("round5: expected non-empty body")
	}
	if m.Phase() != IDLE {
		t.Errorf("round5: phase = %s, want IDLE", m.Phase())
	}
	if m.TotalInputTokens() != 0 {
		t.Errorf("round5: total_input_tokens = %d, want 0", m.TotalInputTokens())
	}
	if _, ok := m.CheckpointContent(); ok {
		t.Errorf("round5: expected checkpoint content cleared")
	}
}

func TestEmergencyJump(t *testing.T) {
	client := &fakeCheckpointClient{content: "emergency summary"}
	cfg := Config{CheckpointThreshold: 0.60, SwapThreshold: 0.80, CompactTriggerTokens: 50000, CheckpointTimeout: time.Second}
	m := NewManager("fp:claude-3", 200000, cfg)
	m.SetCheckpointClient(client)

	snapshotWithMessages(m, 4)
	m.UpdateTokensAndEvaluate(context.Background(), TokenUsage{InputTokens: 180000}, "emergency")

	if m.Phase() != SWAP_READY {
		t.Fatalf("phase = %s, want SWAP_READY immediately (synchronous emergency path)", m.Phase())
	}
	content, ok := m.CheckpointContent()
	if !ok || content != "emergency summary" {
		t.Fatalf("checkpoint content = %q, ok=%v", content, ok)
	}

	result, ok := m.TrySwapIfReady()
	if !ok {
		t.Fatalf("expected swap ready on the very next request")
	}
	if result.Body != "emergency summary" {
		t.Errorf("body = %q, want emergency summary (no WAL)", result.Body)
	}
}

func TestClientInitiatedCompactReplay(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager("fp:claude-3", 200000, cfg)

	// force into SWAP_READY with a known checkpoint, as if a prior round
	// had already produced one
	snapshotWithMessages(m, 2)
	m.forceSwapReadyForTest("X")

	result, ok := m.HandleCompactRequest(context.Background())
	if !ok {
		t.Fatalf("expected compact request to be intercepted")
	}
	if result.Body != "X" {
		t.Errorf("body = %q, want X", result.Body)
	}
	if m.Phase() != IDLE {
		t.Errorf("phase = %s, want IDLE", m.Phase())
	}
}

func TestResetOnIncomingCompaction(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager("fp:claude-3", 200000, cfg)
	snapshotWithMessages(m, 2)
	m.forceSwapReadyForTest("X")

	messages := []wireformat.Object{
		msg("assistant", wireformat.Object{"type": "compaction", "content": "summary of conversation"}),
	}
	m.ResetOnIncomingCompaction(messages)

	if m.Phase() != IDLE {
		t.Errorf("phase = %s, want IDLE after incoming compaction", m.Phase())
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager("fp:claude-3", 200000, cfg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on invalid transition")
		}
	}()
	// ExecuteSwap requires SWAP_READY; calling it from IDLE is a
	// programmer error and must panic.
	m.ExecuteSwap()
}

func TestManagerSnapshotReflectsState(t *testing.T) {
	m := NewManager("fp1234567890abcdef:claude-3", 200000, DefaultConfig())
	m.SnapshotRequest(RequestSnapshot{
		Model:    "claude-3",
		Messages: []wireformat.Object{{"role": "user"}, {"role": "assistant"}},
	})
	m.UpdateTokensAndEvaluate(context.Background(), TokenUsage{InputTokens: 50000}, "test")

	s := m.Snapshot()
	if s.Key != m.Key() {
		t.Errorf("snapshot key = %q, want %q", s.Key, m.Key())
	}
	if s.Phase != "IDLE" {
		t.Errorf("snapshot phase = %q, want IDLE", s.Phase)
	}
	if s.Model != "claude-3" {
		t.Errorf("snapshot model = %q, want claude-3", s.Model)
	}
	if s.MessageCount != 2 {
		t.Errorf("snapshot message count = %d, want 2", s.MessageCount)
	}
	if s.CheckpointReady {
		t.Errorf("expected checkpoint not ready")
	}
}

// forceSwapReadyForTest drives the manager directly into SWAP_READY with
// a fixed checkpoint, bypassing threshold evaluation, for tests that only
// care about behavior once that state has been reached.
func (m *Manager) forceSwapReadyForTest(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(CHECKPOINT_PENDING, "test setup")
	m.transition(CHECKPOINTING, "test setup")
	c := content
	anchor := len(m.lastMessages)
	m.checkpointContent = &c
	m.checkpointAnchor = &anchor
	m.transition(WAL_ACTIVE, "test setup")
	m.transition(SWAP_READY, "test setup")
}

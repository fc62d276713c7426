package buffer

import (
	"context"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// UpdateTokensAndEvaluate records the usage from the most recent upstream
// response and runs threshold evaluation under the same critical section,
// satisfying the "update_tokens happens-before evaluate_thresholds"
// ordering guarantee for a given request.
func (m *Manager) UpdateTokensAndEvaluate(ctx context.Context, usage TokenUsage, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalInputTokens = usage.Total()
	m.evaluateThresholdsLocked(ctx, trigger)
}

// EvaluateThresholds re-runs threshold evaluation without changing the
// tracked token count, used when a swap short-circuit already consumed
// this request's tokens or for driver-invoked re-checks.
func (m *Manager) EvaluateThresholds(ctx context.Context, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluateThresholdsLocked(ctx, trigger)
}

// evaluateThresholdsLocked implements spec section 4.2. Caller must hold
// m.mu.
func (m *Manager) evaluateThresholdsLocked(ctx context.Context, trigger string) {
	u := m.utilizationLocked()
	ckpt := m.cfg.CheckpointThreshold
	swap := m.cfg.SwapThreshold

	switch m.phase {
	case IDLE:
		switch {
		case u >= swap:
			// Emergency blocking path: the next request already exceeds
			// the swap threshold, so there is no time for a background
			// checkpoint to land first.
			m.transition(CHECKPOINT_PENDING, trigger)
			m.runCheckpointSyncLocked(ctx, trigger)
		case u >= ckpt:
			m.transition(CHECKPOINT_PENDING, trigger)
			m.startCheckpointAsyncLocked(trigger)
			m.transition(CHECKPOINTING, trigger)
		}

	case CHECKPOINT_PENDING:
		if u >= swap {
			if m.task == nil {
				m.startCheckpointAsyncLocked(trigger)
				m.transition(CHECKPOINTING, trigger)
			}
			m.awaitTaskLocked(m.task)
		}

	case CHECKPOINTING:
		if u >= swap {
			m.awaitTaskLocked(m.task)
		}

	case WAL_ACTIVE:
		if u >= swap {
			m.transition(SWAP_READY, trigger)
		}

	case SWAP_READY, SWAP_EXECUTING:
		// nothing further to evaluate; a swap is already pending/running
	}
}

// Reset cancels any in-flight checkpoint task and forces the manager back
// to IDLE, per spec sections 3 (Lifecycle) and 4.6.
func (m *Manager) Reset(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(trigger)
}

func (m *Manager) resetLocked(trigger string) {
	m.cancelTaskLocked()
	m.checkpointContent = nil
	m.checkpointAnchor = nil
	m.totalInputTokens = 0
	if m.phase != IDLE {
		m.transition(IDLE, trigger)
	}
}

// ResetOnIncomingCompaction implements spec section 4.6: if the inbound
// message list carries any compaction block, the client has already
// integrated a prior swap and the manager resets to IDLE.
func (m *Manager) ResetOnIncomingCompaction(messages []wireformat.Object) {
	if HasCompactionBlock(messages) {
		m.Reset("incoming compaction")
	}
}

// TrySwapIfReady executes the swap if the manager is currently SWAP_READY
// (request handler step 10).
func (m *Manager) TrySwapIfReady() (SwapResult, bool) {
	if m.Phase() != SWAP_READY {
		return SwapResult{}, false
	}
	return m.ExecuteSwap(), true
}

// TryDirectSwap implements request handler step 11: when WAL_ACTIVE
// already carries a checkpoint and utilization is already at or past the
// swap threshold, swap immediately rather than forwarding a request that
// would only trigger the same decision next time.
func (m *Manager) TryDirectSwap() (SwapResult, bool) {
	m.mu.Lock()
	if m.phase == WAL_ACTIVE && m.checkpointContent != nil && m.utilizationLocked() >= m.cfg.SwapThreshold {
		m.transition(SWAP_READY, "utilization at swap threshold (direct)")
		m.mu.Unlock()
		return m.ExecuteSwap(), true
	}
	m.mu.Unlock()
	return SwapResult{}, false
}

// HandleCompactRequest implements spec section 4.5: a client-initiated
// compact request is served from whatever state already has (or will
// soon have) a usable checkpoint; IDLE and CHECKPOINT_PENDING fall
// through to ordinary forwarding.
func (m *Manager) HandleCompactRequest(ctx context.Context) (SwapResult, bool) {
	m.mu.Lock()

	switch m.phase {
	case SWAP_READY:
		m.mu.Unlock()
		return m.ExecuteSwap(), true

	case WAL_ACTIVE:
		m.transition(SWAP_READY, "client compact")
		m.mu.Unlock()
		return m.ExecuteSwap(), true

	case CHECKPOINTING:
		task := m.task
		m.awaitTaskLocked(task)
		if m.checkpointContent != nil && m.phase == WAL_ACTIVE {
			m.transition(SWAP_READY, "client compact after checkpoint")
			m.mu.Unlock()
			return m.ExecuteSwap(), true
		}
		m.mu.Unlock()
		return SwapResult{}, false

	default: // IDLE, CHECKPOINT_PENDING: do not intercept
		m.mu.Unlock()
		return SwapResult{}, false
	}
}

package buffer

import "github.com/dbproxy/dbproxy/internal/wireformat"

// SwapResult is the rendered compaction body plus the model name needed
// to shape the wire response (non-streaming JSON or streaming SSE).
type SwapResult struct {
	Body  string
	Model string
}

// ExecuteSwap performs the swap described in spec section 4.4. It is
// only valid when phase is SWAP_READY -- calling it from any other phase
// is a programmer error and panics via the transition table, same as any
// other invalid transition.
func (m *Manager) ExecuteSwap() SwapResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transition(SWAP_EXECUTING, "swap")

	anchor := 0
	if m.checkpointAnchor != nil {
		anchor = *m.checkpointAnchor
	}

	var wal []wireformat.Object
	if m.checkpointAnchor != nil && anchor >= 0 && anchor <= len(m.lastMessages) {
		wal = m.lastMessages[anchor:]
	}

	checkpoint := ""
	if m.checkpointContent != nil {
		checkpoint = *m.checkpointContent
	}

	body := FormatCompactionWithWAL(checkpoint, wal)

	m.lastSwapMessages = m.lastMessages
	anchorCopy := anchor
	m.lastSwapAnchor = &anchorCopy
	contentCopy := checkpoint
	m.lastCheckpointContent = &contentCopy

	m.checkpointContent = nil
	m.checkpointAnchor = nil
	m.totalInputTokens = 0

	model := m.lastModel

	m.transition(IDLE, "swap complete")

	return SwapResult{Body: body, Model: model}
}

package buffer

import (
	"context"
	"errors"

	. "github.com/dbproxy/dbproxy/internal/logging"
)

// ErrNothingToCheckpoint is returned when the anchor selects nothing
// worth summarizing (anchor <= 0).
var ErrNothingToCheckpoint = errors.New("buffer: nothing to checkpoint")

// doCheckpointCall performs the anchor selection, sanitization, and
// outbound call described in spec section 4.3. It takes no lock and may
// be called either from the synchronous emergency path or from the async
// background goroutine; both call it with m.mu not held.
func doCheckpointCall(ctx context.Context, client CheckpointClient, snap RequestSnapshot, compactTriggerTokens int) (content string, anchor int, err error) {
	anchor = SelectAnchor(snap.Messages)
	if anchor <= 0 {
		return "", 0, ErrNothingToCheckpoint
	}
	if client == nil {
		return "", 0, errors.New("buffer: no checkpoint client configured")
	}

	sanitized := SanitizeCompactionBlocks(snap.Messages[:anchor])

	req := CheckpointCallRequest{
		Model:                snap.Model,
		Messages:             sanitized,
		System:               snap.System,
		Tools:                snap.Tools,
		AuthHeaders:          snap.AuthHeaders,
		Query:                snap.Query,
		CompactTriggerTokens: compactTriggerTokens,
	}

	content, err = client.GenerateCheckpoint(ctx, req)
	if err != nil {
		return "", 0, err
	}
	return content, anchor, nil
}

// snapshotForCheckpointLocked copies the manager's last-request fields
// into a RequestSnapshot. Caller must hold m.mu.
func (m *Manager) snapshotForCheckpointLocked() RequestSnapshot {
	return RequestSnapshot{
		AuthHeaders: m.lastAuthHeaders,
		Query:       m.lastQuery,
		System:      m.lastSystem,
		Tools:       m.lastTools,
		Messages:    m.lastMessages,
		Model:       m.lastModel,
	}
}

// startCheckpointAsyncLocked starts a background checkpoint task if none
// is already running. Caller must hold m.mu.
func (m *Manager) startCheckpointAsyncLocked(trigger string) {
	if m.task != nil {
		return // already running; starting another is a no-op
	}

	snap := m.snapshotForCheckpointLocked()
	client := m.checkpointClient
	compactTrigger := m.cfg.CompactTriggerTokens

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckpointTimeout)
	task := &checkpointTask{cancel: cancel, done: make(chan struct{})}
	m.task = task

	go func() {
		defer cancel()
		content, anchor, err := doCheckpointCall(ctx, client, snap, compactTrigger)

		m.mu.Lock()
		defer m.mu.Unlock()
		task.content = content
		task.err = err
		close(task.done)
		m.finalizeCheckpointLocked(task, anchor, trigger)
	}()
}

// finalizeCheckpointLocked advances the phase once a checkpoint task
// completes, whether or not any caller is awaiting it. Caller must hold
// m.mu.
func (m *Manager) finalizeCheckpointLocked(task *checkpointTask, anchor int, trigger string) {
	if m.task != task {
		// superseded by a reset; nothing to do
		return
	}
	m.task = nil

	if task.err != nil {
		L_error("buffer: checkpoint failed", "conv_id_prefix", m.convIDPrefix(), "err", task.err)
		if m.phase == CHECKPOINTING || m.phase == CHECKPOINT_PENDING {
			m.transition(IDLE, "checkpoint failure")
		}
		return
	}

	content := task.content
	m.checkpointContent = &content
	m.checkpointAnchor = &anchor

	if m.phase == CHECKPOINT_PENDING || m.phase == CHECKPOINTING {
		m.transition(WAL_ACTIVE, "checkpoint complete")
	}

	if m.phase == WAL_ACTIVE && m.utilizationLocked() >= m.cfg.SwapThreshold {
		m.transition(SWAP_READY, "utilization at swap threshold after checkpoint")
	}
}

// awaitTaskLocked releases m.mu while waiting for the in-flight task to
// finish, then reacquires it. Returns at once if task is nil.
func (m *Manager) awaitTaskLocked(task *checkpointTask) {
	if task == nil {
		return
	}
	m.mu.Unlock()
	<-task.done
	m.mu.Lock()
}

// runCheckpointSyncLocked performs the checkpoint call for the emergency
// blocking path (spec 4.2): the caller does not return until the call
// completes, but m.mu is released while the call is in flight. It
// registers a task handle for the duration of the call so the one-task
// invariant still holds, and finalizes it itself. If a task is already
// running, it waits for that task instead of starting another.
func (m *Manager) runCheckpointSyncLocked(ctx context.Context, trigger string) {
	if m.task != nil {
		m.awaitTaskLocked(m.task)
		return
	}

	snap := m.snapshotForCheckpointLocked()
	client := m.checkpointClient
	compactTrigger := m.cfg.CompactTriggerTokens

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckpointTimeout)
	task := &checkpointTask{cancel: cancel, done: make(chan struct{})}
	m.task = task

	m.mu.Unlock()
	content, anchor, err := doCheckpointCall(callCtx, client, snap, compactTrigger)
	cancel()
	m.mu.Lock()

	task.content = content
	task.err = err
	close(task.done)
	m.finalizeCheckpointLocked(task, anchor, trigger)
}

// cancelTaskLocked cancels any in-flight checkpoint task as part of a
// reset. The task's own goroutine will still run finalizeCheckpointLocked
// but will find m.task already nil (reset below) and no-op.
func (m *Manager) cancelTaskLocked() {
	if m.task == nil {
		return
	}
	m.task.cancel()
	m.task = nil
}

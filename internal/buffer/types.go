// Package buffer implements the per-conversation double-buffer state
// machine: phase tracking, background checkpoint orchestration, and swap
// execution that substitutes a precomputed summary for the upstream's own
// compaction.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// Config holds the live, per-manager-applicable thresholds. The request
// handler applies the current global configuration to every manager on
// every request (spec step "apply live configuration").
type Config struct {
	CheckpointThreshold  float64
	SwapThreshold        float64
	CompactTriggerTokens int
	CheckpointTimeout    time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointThreshold:  0.60,
		SwapThreshold:        0.80,
		CompactTriggerTokens: 50000,
		CheckpointTimeout:    120 * time.Second,
	}
}

// TokenUsage is the token accounting extracted from an upstream response.
type TokenUsage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Total sums the fields that count against the context window.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// RequestSnapshot is the most recent inbound request captured on the
// manager, used as the input to background checkpoint calls.
type RequestSnapshot struct {
	AuthHeaders map[string]string
	Query       string
	System      any
	Tools       []wireformat.Object
	Messages    []wireformat.Object
	Model       string
}

// CheckpointClient performs the outbound checkpoint API call. Implemented
// by internal/upstream; injected so tests can substitute a fake.
type CheckpointClient interface {
	GenerateCheckpoint(ctx context.Context, req CheckpointCallRequest) (string, error)
}

// CheckpointCallRequest carries everything the checkpoint call needs,
// assembled from the manager's request snapshot.
type CheckpointCallRequest struct {
	Model                string
	Messages             []wireformat.Object
	System               any
	Tools                []wireformat.Object
	AuthHeaders          map[string]string
	Query                string
	CompactTriggerTokens int
}

// StateObserver is notified of every phase transition.
type StateObserver func(from, to Phase, trigger string)

// checkpointTask tracks at most one in-flight background summarization.
type checkpointTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	// set once done is closed
	content string
	err     error
}

// Manager is the per-conversation-model double-buffer state machine
// described in spec section 3. All mutation happens under mu.
type Manager struct {
	key string // registry key: fingerprint + ":" + model

	mu sync.Mutex

	phase             Phase
	totalInputTokens  int
	contextWindow     int
	checkpointContent *string
	checkpointAnchor  *int

	cfg Config

	lastAuthHeaders map[string]string
	lastSystem      any
	lastTools       []wireformat.Object
	lastMessages    []wireformat.Object
	lastQuery       string
	lastModel       string

	task *checkpointTask

	onStateChange StateObserver

	// retained for observability after swap clears live state
	lastSwapMessages      []wireformat.Object
	lastSwapAnchor        *int
	lastCheckpointContent *string

	checkpointClient CheckpointClient
}

// NewManager constructs a manager for a fresh registry key, starting in
// IDLE.
func NewManager(key string, contextWindow int, cfg Config) *Manager {
	return &Manager{
		key:           key,
		phase:         IDLE,
		contextWindow: contextWindow,
		cfg:           cfg,
	}
}

// SetCheckpointClient injects the client used for the background/emergency
// checkpoint call.
func (m *Manager) SetCheckpointClient(c CheckpointClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointClient = c
}

// SetStateObserver installs a hook fired synchronously on every phase
// transition, used by internal/identity's Registry to forward transitions
// to its OnTransition hook.
func (m *Manager) SetStateObserver(fn StateObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// ApplyConfig updates the live thresholds/trigger applied to this
// manager, called on every request per spec step 5.
func (m *Manager) ApplyConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Utilization is total_input_tokens / context_window, 0 if window <= 0.
func (m *Manager) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() float64 {
	if m.contextWindow <= 0 {
		return 0
	}
	return float64(m.totalInputTokens) / float64(m.contextWindow)
}

// TotalInputTokens returns the tracked token count.
func (m *Manager) TotalInputTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalInputTokens
}

// CheckpointContent returns the stored summary, if any.
func (m *Manager) CheckpointContent() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpointContent == nil {
		return "", false
	}
	return *m.checkpointContent, true
}

// Key returns the registry key this manager was created for.
func (m *Manager) Key() string {
	return m.key
}

// State is a point-in-time snapshot of a manager, serialized for the
// dashboard and for /health-style reporting.
type State struct {
	Key                   string  `json:"key"`
	ConvIDPrefix          string  `json:"conv_id"`
	Model                 string  `json:"model"`
	Phase                 string  `json:"phase"`
	Utilization           float64 `json:"utilization"`
	TotalInputTokens      int     `json:"total_input_tokens"`
	ContextWindow         int     `json:"context_window"`
	CheckpointReady       bool    `json:"checkpoint_ready"`
	CheckpointAnchorIndex int     `json:"checkpoint_anchor_index,omitempty"`
	MessageCount          int     `json:"message_count"`
}

// Snapshot returns the current state of the manager for observability.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	anchor := 0
	if m.checkpointAnchor != nil {
		anchor = *m.checkpointAnchor
	}
	return State{
		Key:                   m.key,
		ConvIDPrefix:          m.convIDPrefix(),
		Model:                 m.lastModel,
		Phase:                 m.phase.String(),
		Utilization:           m.utilizationLocked(),
		TotalInputTokens:      m.totalInputTokens,
		ContextWindow:         m.contextWindow,
		CheckpointReady:       m.checkpointContent != nil,
		CheckpointAnchorIndex: anchor,
		MessageCount:          len(m.lastMessages),
	}
}

// ConvIDPrefix returns the 16-char diagnostic prefix for response headers.
func (m *Manager) ConvIDPrefix() string {
	return m.convIDPrefix()
}

// SnapshotRequest records the most recent inbound request onto the
// manager, used as input for background checkpoint calls.
func (m *Manager) SnapshotRequest(snap RequestSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAuthHeaders = snap.AuthHeaders
	m.lastSystem = snap.System
	m.lastTools = snap.Tools
	m.lastMessages = snap.Messages
	m.lastQuery = snap.Query
	m.lastModel = snap.Model
}

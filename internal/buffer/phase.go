package buffer

import (
	"fmt"

	. "github.com/dbproxy/dbproxy/internal/logging"
)

// Phase is a state in the per-conversation double-buffer state machine.
type Phase int

const (
	IDLE Phase = iota
	CHECKPOINT_PENDING
	CHECKPOINTING
	WAL_ACTIVE
	SWAP_READY
	SWAP_EXECUTING
)

func (p Phase) String() string {
	switch p {
	case IDLE:
		return "IDLE"
	case CHECKPOINT_PENDING:
		return "CHECKPOINT_PENDING"
	case CHECKPOINTING:
		return "CHECKPOINTING"
	case WAL_ACTIVE:
		return "WAL_ACTIVE"
	case SWAP_READY:
		return "SWAP_READY"
	case SWAP_EXECUTING:
		return "SWAP_EXECUTING"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates every transition the state machine may take.
// Any pair not present here is a programmer error.
var validTransitions = map[Phase]map[Phase]bool{
	IDLE: {
		CHECKPOINT_PENDING: true,
	},
	CHECKPOINT_PENDING: {
		CHECKPOINTING: true,
		WAL_ACTIVE:    true,
		IDLE:          true,
	},
	CHECKPOINTING: {
		WAL_ACTIVE: true,
		IDLE:       true,
	},
	WAL_ACTIVE: {
		SWAP_READY: true,
		IDLE:       true,
	},
	SWAP_READY: {
		SWAP_EXECUTING: true,
		IDLE:           true,
	},
	SWAP_EXECUTING: {
		IDLE: true,
	},
}

// InvalidTransitionPanic is the payload of a panic raised when the state
// machine is driven outside the valid-transition table.
type InvalidTransitionPanic struct {
	From, To Phase
	ConvID   string
}

func (p InvalidTransitionPanic) String() string {
	return fmt.Sprintf("invalid phase transition %s -> %s for %s", p.From, p.To, p.ConvID)
}

// transition moves the manager from its current phase to "to", logging
// {from, to, conv_id_prefix, trigger}. It panics if the transition is not
// in the valid set -- the caller must already hold m.mu.
func (m *Manager) transition(to Phase, trigger string) {
	from := m.phase
	allowed := validTransitions[from]
	if !allowed[to] {
		L_error("buffer: invalid phase transition", "from", from, "to", to, "conv_id_prefix", m.convIDPrefix(), "trigger", trigger)
		panic(InvalidTransitionPanic{From: from, To: to, ConvID: m.key})
	}

	m.phase = to
	L_info("buffer: phase transition", "from", from, "to", to, "conv_id_prefix", m.convIDPrefix(), "trigger", trigger)

	if m.onStateChange != nil {
		m.onStateChange(from, to, trigger)
	}
}

func (m *Manager) convIDPrefix() string {
	if len(m.key) <= 16 {
		return m.key
	}
	return m.key[:16]
}

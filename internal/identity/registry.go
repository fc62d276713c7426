package identity

import (
	"strings"
	"sync"
	"time"

	"github.com/dbproxy/dbproxy/internal/buffer"
)

// Key is the registry key: fingerprint + ":" + model, since two models for
// the same conversation track independent context windows.
func Key(fingerprint, model string) string {
	return fingerprint + ":" + model
}

type entry struct {
	manager  *buffer.Manager
	lastSeen time.Time
}

// Registry maps registry keys to long-lived buffer managers, with TTL
// expiry and prefix-based lookup for /v1/_reset.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	ttl          time.Duration
	onTransition func(key string, from, to buffer.Phase, trigger string)
}

// NewRegistry returns an empty Registry with the given idle TTL.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
	}
}

// OnTransition installs a hook fired for every phase transition of every
// manager this registry creates from this point on, used to wire metrics,
// telemetry persistence, and the dashboard event bus without coupling
// internal/buffer to any of them.
func (r *Registry) OnTransition(fn func(key string, from, to buffer.Phase, trigger string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// GetOrCreate returns the manager for key, creating one with the given
// context window if absent. Concurrent callers for the same key observe
// the same manager.
func (r *Registry) GetOrCreate(key string, contextWindow int, cfg buffer.Config) *buffer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.lastSeen = time.Now()
		return e.manager
	}

	m := buffer.NewManager(key, contextWindow, cfg)
	if r.onTransition != nil {
		hook := r.onTransition
		m.SetStateObserver(func(from, to buffer.Phase, trigger string) {
			hook(key, from, to, trigger)
		})
	}
	r.entries[key] = &entry{manager: m, lastSeen: time.Now()}
	return m
}

// GetByPrefix returns every manager whose key starts with prefix.
func (r *Registry) GetByPrefix(prefix string) []*buffer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*buffer.Manager
	for k, e := range r.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e.manager)
		}
	}
	return out
}

// Remove drops every entry whose key starts with prefix, returning the
// count removed.
func (r *Registry) Remove(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k := range r.entries {
		if strings.HasPrefix(k, prefix) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// RemoveAll drops every entry, returning the count removed.
func (r *Registry) RemoveAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	r.entries = make(map[string]*entry)
	return n
}

// ExpireStale drops entries idle longer than the configured TTL.
func (r *Registry) ExpireStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) > r.ttl {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Snapshot returns a consistent copy of the current key set and manager
// count, for /health and dashboard reporting.
func (r *Registry) Snapshot() map[string]*buffer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*buffer.Manager, len(r.entries))
	for k, e := range r.entries {
		out[k] = e.manager
	}
	return out
}

// Count returns the number of tracked conversations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

package server

import (
	"sync"

	"github.com/hcodes/tunnel/internal/metrics"
)

// hub is the live connection registry. names maps a tunnel name to the one
// session currently serving it; agents holds every open control connection,
// registered or not, so the janitor can ping and expire them.
type hub struct {
	mu     sync.RWMutex
	names  map[string]*session
	agents map[*session]struct{}
}

func newHub() *hub {
	return &hub{
		names:  make(map[string]*session),
		agents: make(map[*session]struct{}),
	}
}

func (h *hub) attach(sess *session) {
	h.mu.Lock()
	h.agents[sess] = struct{}{}
	n := len(h.agents)
	h.mu.Unlock()
	metrics.AgentsConnected.Set(float64(n))
}

func (h *hub) detach(sess *session) {
	h.mu.Lock()
	delete(h.agents, sess)
	n := len(h.agents)
	h.mu.Unlock()
	metrics.AgentsConnected.Set(float64(n))
}

// bind makes sess the current session for name and returns the session it
// replaced, if any. The last binder wins.
func (h *hub) bind(name string, sess *session) *session {
	h.mu.Lock()
	prev := h.names[name]
	h.names[name] = sess
	n := len(h.names)
	h.mu.Unlock()
	metrics.TunnelsBound.Set(float64(n))
	if prev == sess {
		return nil
	}
	return prev
}

// unbind removes name only while sess is still its current session. A
// superseded session closing late must not evict its replacement.
func (h *hub) unbind(name string, sess *session) bool {
	h.mu.Lock()
	current, ok := h.names[name]
	if !ok || current != sess {
		h.mu.Unlock()
		return false
	}
	delete(h.names, name)
	n := len(h.names)
	h.mu.Unlock()
	metrics.TunnelsBound.Set(float64(n))
	return true
}

func (h *hub) lookup(name string) *session {
	h.mu.RLock()
	sess := h.names[name]
	h.mu.RUnlock()
	return sess
}

// snapshot returns every open control connection.
func (h *hub) snapshot() []*session {
	h.mu.RLock()
	out := make([]*session, 0, len(h.agents))
	for sess := range h.agents {
		out = append(out, sess)
	}
	h.mu.RUnlock()
	return out
}

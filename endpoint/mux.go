package endpoint

import (
	"context"
	"sync"

	"github.com/ncoap-go/ncoap/message/pool"
)

// ServiceHandler maps a decoded request to a response, per spec §4.7's
// register_service contract.
type ServiceHandler func(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error)

// Mux is the minimal exact/prefix path matcher the Core API's
// RegisterService needs; it does not generate /.well-known/core (Non-goal)
// or support wildcard/regex patterns (the teacher's own router is
// exact/prefix only).
type Mux struct {
	mu      sync.RWMutex
	entries map[string]ServiceHandler
	fallback ServiceHandler
}

// NewMux builds an empty Mux. Requests whose path matches no entry, or
// cannot be decoded, are passed to fallback; with a nil fallback Serve
// returns a nil response.
func NewMux(fallback ServiceHandler) *Mux {
	return &Mux{entries: make(map[string]ServiceHandler), fallback: fallback}
}

func normalizePattern(pattern string) string {
	switch pattern {
	case "", "/":
		return "/"
	default:
		if pattern[0] == '/' {
			return pattern[1:]
		}
		return pattern
	}
}

// pathMatch reports whether pattern matches path: an exact match, or (for
// a pattern ending in "/") a prefix match.
func pathMatch(pattern, path string) bool {
	switch pattern {
	case "", "/":
		return path == "" || path == "/"
	default:
		n := len(pattern)
		if pattern[n-1] != '/' {
			return pattern == path
		}
		return len(path) >= n && path[:n] == pattern
	}
}

// Handle registers handler for pattern, replacing any existing registration.
func (m *Mux) Handle(pattern string, handler ServiceHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[normalizePattern(pattern)] = handler
}

// Remove deregisters the handler for pattern, reporting whether one existed.
func (m *Mux) Remove(pattern string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := normalizePattern(pattern)
	if _, ok := m.entries[p]; !ok {
		return false
	}
	delete(m.entries, p)
	return true
}

// match finds the longest-pattern handler matching path.
func (m *Mux) match(path string) ServiceHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best ServiceHandler
	bestLen := -1
	for pattern, h := range m.entries {
		if !pathMatch(pattern, path) {
			continue
		}
		if len(pattern) > bestLen {
			bestLen = len(pattern)
			best = h
		}
	}
	return best
}

// Serve routes req to the registered handler for its path, or to the
// fallback if none matches or the path can't be decoded.
func (m *Mux) Serve(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error) {
	path, err := req.Path()
	if err != nil {
		return m.callFallback(ctx, remote, req)
	}
	if h := m.match(path); h != nil {
		return h(ctx, remote, req)
	}
	return m.callFallback(ctx, remote, req)
}

func (m *Mux) callFallback(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error) {
	if m.fallback == nil {
		return nil, nil
	}
	return m.fallback(ctx, remote, req)
}

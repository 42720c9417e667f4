// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"sync"

	"github.com/benbjohnson/clock"
)

// Registry is a concurrency safe map of sessions keyed by their current key.
// A session removed from the registry is disposed by whoever removed it.
type Registry struct {
	mu       sync.Mutex
	internal map[string]*Session
	clock    clock.Clock
	expire   func(*Session)
}

// NewRegistry returns a new registry. expire is called from a watchdog
// goroutine when a promoted session misses its keep-alive deadline.
func NewRegistry(c clock.Clock, expire func(*Session)) *Registry {
	if c == nil {
		c = clock.New()
	}

	if expire == nil {
		expire = func(*Session) {}
	}

	return &Registry{
		internal: map[string]*Session{},
		clock:    c,
		expire:   expire,
	}
}

// Add registers a session under its current key.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.Key()
	if _, ok := r.internal[key]; ok {
		return ErrDuplicateKey
	}

	r.internal[key] = s
	return nil
}

// Promote rekeys the session held under oldKey to newID and arms its
// keep-alive watchdog at keepAlive * 1.5 seconds. It does nothing if keepAlive
// is zero or oldKey is not registered. Any other session already registered
// under newID is evicted and disposed before Promote returns.
func (r *Registry) Promote(oldKey, newID string, keepAlive uint16) (promoted, evicted *Session) {
	if keepAlive == 0 {
		return nil, nil
	}

	r.mu.Lock()
	s, ok := r.internal[oldKey]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}

	if existing, ok := r.internal[newID]; ok && existing != s {
		evicted = existing
	}

	delete(r.internal, oldKey)
	s.setKey(newID)
	s.startWatchdog(r.clock, keepAlivePeriod(keepAlive), func() {
		r.expire(s)
	})
	r.internal[newID] = s
	r.mu.Unlock()

	if evicted != nil {
		evicted.Dispose()
	}

	return s, evicted
}

// ResetDeadline restarts the keep-alive period of the session under id.
func (r *Registry) ResetDeadline(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}

	s.resetWatchdog()
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.internal[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.internal)
}

// IsConnected returns true if a session is registered under id.
func (r *Registry) IsConnected(id string) bool {
	if id == "" {
		return false
	}

	_, ok := r.Get(id)
	return ok
}

// IsEncrypted returns true if the session under id negotiated any encryption.
func (r *Registry) IsEncrypted(id string) bool {
	s, ok := r.Get(id)
	return ok && s.IsEncrypted()
}

// Remove unregisters and returns the session under id. The caller must dispose it.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.internal[id]
	if !ok {
		return nil
	}

	delete(r.internal, id)
	return s
}

// RemoveSession unregisters s only if it is still the session held under its
// key, returning true if it was removed. The caller must then dispose it.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := s.Key()
	if r.internal[key] != s {
		return false
	}

	delete(r.internal, key)
	return true
}

// RemoveByPort unregisters and returns every session accepted on port.
func (r *Registry) RemoveByPort(port int) []*Session {
	return r.removeWhere(func(s *Session) bool {
		return s.Port == port
	})
}

// RemoveByListener unregisters and returns every session accepted by a listener.
func (r *Registry) RemoveByListener(id string) []*Session {
	return r.removeWhere(func(s *Session) bool {
		return s.Listener == id
	})
}

// RemoveAll unregisters and returns every session.
func (r *Registry) RemoveAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.internal))
	for _, s := range r.internal {
		out = append(out, s)
	}
	r.internal = map[string]*Session{}
	return out
}

func (r *Registry) removeWhere(match func(*Session) bool) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*Session{}
	for key, s := range r.internal {
		if match(s) {
			out = append(out, s)
			delete(r.internal, key)
		}
	}
	return out
}

// GetAll returns a snapshot of every registered session.
func (r *Registry) GetAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.internal))
	for _, s := range r.internal {
		out = append(out, s)
	}
	return out
}

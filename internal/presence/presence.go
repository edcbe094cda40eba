// Package presence tracks which staff devices are online. The call router
// rings every online identity; devices register and heartbeat over an
// authenticated API.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultTTL is how long a registration stays live without a heartbeat.
const defaultTTL = 90 * time.Second

// sweepInterval is how often expired registrations are removed.
const sweepInterval = 30 * time.Second

// Store is an in-memory staff device presence registry. Ephemeral by
// design: a process restart just means devices re-register on their next
// heartbeat.
type Store struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	ttl      time.Duration
	stopCh   chan struct{}
	nowFunc  func() time.Time // injectable for testing
}

// NewStore creates a presence store and starts background sweeping.
func NewStore() *Store {
	s := &Store{
		lastSeen: make(map[string]time.Time),
		ttl:      defaultTTL,
		stopCh:   make(chan struct{}),
		nowFunc:  time.Now,
	}
	go s.sweepLoop()
	return s
}

// Touch registers or refreshes a device identity.
func (s *Store) Touch(identity string) {
	if identity == "" {
		return
	}
	s.mu.Lock()
	s.lastSeen[identity] = s.nowFunc()
	s.mu.Unlock()
}

// Remove drops a device identity, e.g. on explicit logout.
func (s *Store) Remove(identity string) {
	s.mu.Lock()
	delete(s.lastSeen, identity)
	s.mu.Unlock()
}

// OnlineIdentities returns the identities seen within the TTL, sorted for
// deterministic ring order.
func (s *Store) OnlineIdentities() []string {
	cutoff := s.nowFunc().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var online []string
	for id, seen := range s.lastSeen {
		if seen.After(cutoff) {
			online = append(online, id)
		}
	}
	sort.Strings(online)
	return online
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.nowFunc().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.lastSeen, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("presence sweep", "removed", removed, "remaining", len(s.lastSeen))
	}
}

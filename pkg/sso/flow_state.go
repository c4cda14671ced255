package sso

import (
	"sync"
	"time"
)

// DefaultFlowStateTTL bounds how long an authorization request may stay
// outstanding before its state expires.
const DefaultFlowStateTTL = 10 * time.Minute

// FlowStateStore holds outstanding FlowStateEntry records keyed by state.
// Take must be atomic lookup-and-delete: a state value is consumable exactly
// once even under concurrent callbacks.
type FlowStateStore interface {
	Put(entry *FlowStateEntry)
	// Take removes and returns the entry for state. ok is false when the
	// state is unknown, already consumed, or expired.
	Take(state string) (entry *FlowStateEntry, ok bool)
	Len() int
	// CleanupExpired drops expired entries and reports how many were
	// removed.
	CleanupExpired() int
}

// MemoryFlowStateStore is the in-process FlowStateStore. Expiry is enforced
// on Take and by a background sweep.
type MemoryFlowStateStore struct {
	mu      sync.Mutex
	entries map[string]*FlowStateEntry

	sweep *time.Ticker
	done  chan struct{}
	once  sync.Once
}

// NewMemoryFlowStateStore creates a store sweeping expired entries every
// minute. Call Close to stop the sweep goroutine.
func NewMemoryFlowStateStore() *MemoryFlowStateStore {
	s := &MemoryFlowStateStore{
		entries: make(map[string]*FlowStateEntry),
		sweep:   time.NewTicker(1 * time.Minute),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Put stores entry, replacing any previous entry for the same state.
func (s *MemoryFlowStateStore) Put(entry *FlowStateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.State] = entry
}

// Take removes and returns the entry for state.
func (s *MemoryFlowStateStore) Take(state string) (*FlowStateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil, false
	}
	delete(s.entries, state)

	if time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// Len returns the number of stored entries, expired ones included until the
// next sweep.
func (s *MemoryFlowStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CleanupExpired drops expired entries.
func (s *MemoryFlowStateStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for state, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

func (s *MemoryFlowStateStore) run() {
	for {
		select {
		case <-s.sweep.C:
			s.CleanupExpired()
		case <-s.done:
			s.sweep.Stop()
			return
		}
	}
}

// Close stops the background sweep.
func (s *MemoryFlowStateStore) Close() {
	s.once.Do(func() { close(s.done) })
}

package smart

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type launchState struct {
	connectionID uuid.UUID
	verifier     string
	expiresAt    time.Time
}

// StateStore holds pending authorization launches keyed by state token.
// Tokens are one-time use and expire after the TTL.
type StateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	states map[string]launchState
}

func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{
		ttl:    ttl,
		states: make(map[string]launchState),
	}
}

// Issue stores a pending launch and returns its state token.
func (s *StateStore) Issue(connectionID uuid.UUID, verifier string) (string, error) {
	state, err := GenerateState()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.states[state] = launchState{
		connectionID: connectionID,
		verifier:     verifier,
		expiresAt:    time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return state, nil
}

// Peek returns the connection a live state token was issued for without
// consuming it.
func (s *StateStore) Peek(state string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.states[state]
	if !ok || time.Now().After(ls.expiresAt) {
		return uuid.Nil, false
	}
	return ls.connectionID, true
}

// Consume removes and returns the launch bound to a state token. A second
// consume of the same token fails, as does an expired one.
func (s *StateStore) Consume(state string) (uuid.UUID, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.states[state]
	if !ok {
		return uuid.Nil, "", false
	}
	delete(s.states, state)
	if time.Now().After(ls.expiresAt) {
		return uuid.Nil, "", false
	}
	return ls.connectionID, ls.verifier, true
}

// Prune drops expired launches. Wired to the housekeeping schedule so
// abandoned launches do not accumulate.
func (s *StateStore) Prune() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for state, ls := range s.states {
		if now.After(ls.expiresAt) {
			delete(s.states, state)
			dropped++
		}
	}
	return dropped
}

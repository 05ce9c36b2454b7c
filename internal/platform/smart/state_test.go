package smart

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStateStore_IssueAndConsume(t *testing.T) {
	store := NewStateStore(time.Minute)
	connID := uuid.New()

	state, err := store.Issue(connID, "verifier-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotID, verifier, ok := store.Consume(state)
	if !ok {
		t.Fatal("consume failed for a fresh state")
	}
	if gotID != connID {
		t.Fatalf("connection id = %s, want %s", gotID, connID)
	}
	if verifier != "verifier-abc" {
		t.Fatalf("verifier = %q, want %q", verifier, "verifier-abc")
	}
}

func TestStateStore_ConsumeIsOneTime(t *testing.T) {
	store := NewStateStore(time.Minute)
	state, err := store.Issue(uuid.New(), "v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, ok := store.Consume(state); !ok {
		t.Fatal("first consume failed")
	}
	if _, _, ok := store.Consume(state); ok {
		t.Fatal("second consume of the same state succeeded")
	}
}

func TestStateStore_UnknownState(t *testing.T) {
	store := NewStateStore(time.Minute)
	if _, _, ok := store.Consume("never-issued"); ok {
		t.Fatal("consume of an unknown state succeeded")
	}
}

func TestStateStore_Expiry(t *testing.T) {
	store := NewStateStore(time.Minute)
	state, err := store.Issue(uuid.New(), "v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backdate(store, state)
	if _, _, ok := store.Consume(state); ok {
		t.Fatal("consume of an expired state succeeded")
	}
}

func TestStateStore_Prune(t *testing.T) {
	store := NewStateStore(time.Minute)
	var states []string
	for i := 0; i < 3; i++ {
		state, err := store.Issue(uuid.New(), "v")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		states = append(states, state)
	}
	live, err := store.Issue(uuid.New(), "fresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, state := range states {
		backdate(store, state)
	}

	if n := store.Prune(); n != 3 {
		t.Fatalf("pruned %d states, want 3", n)
	}
	if n := store.Prune(); n != 0 {
		t.Fatalf("second prune removed %d states, want 0", n)
	}
	if _, _, ok := store.Consume(live); !ok {
		t.Fatal("prune dropped a live state")
	}
}

func backdate(store *StateStore, state string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	ls := store.states[state]
	ls.expiresAt = time.Now().Add(-time.Second)
	store.states[state] = ls
}

package memory

import (
	"context"
	"sync"

	"walletsync/internal/storage"
)

// AccountStateStore is an in-memory implementation of
// storage.AccountStateStore.
type AccountStateStore struct {
	mu   sync.RWMutex
	data map[string]*storage.AccountState
}

// NewAccountStateStore creates a new in-memory account state store.
func NewAccountStateStore() *AccountStateStore {
	return &AccountStateStore{
		data: make(map[string]*storage.AccountState),
	}
}

var _ storage.AccountStateStore = (*AccountStateStore)(nil)

// Get returns ErrNotFound for accounts never saved.
func (s *AccountStateStore) Get(_ context.Context, accountID string) (*storage.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.data[accountID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyAccountState(state), nil
}

// Put saves the state, replacing any previous one.
func (s *AccountStateStore) Put(_ context.Context, accountID string, state *storage.AccountState) error {
	if accountID == "" || state == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[accountID] = copyAccountState(state)
	return nil
}

// Delete removes the state; unknown accounts are a no-op.
func (s *AccountStateStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, accountID)
	return nil
}

func copyAccountState(state *storage.AccountState) *storage.AccountState {
	stateCopy := *state
	stateCopy.LocalIDs = append([]string(nil), state.LocalIDs...)
	stateCopy.PendingIDs = append([]string(nil), state.PendingIDs...)
	if state.HistoryEndReachedBySlug != nil {
		stateCopy.HistoryEndReachedBySlug = make(map[string]bool, len(state.HistoryEndReachedBySlug))
		for slug, reached := range state.HistoryEndReachedBySlug {
			stateCopy.HistoryEndReachedBySlug[slug] = reached
		}
	}
	return &stateCopy
}

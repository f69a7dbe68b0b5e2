package memory

import (
	"context"
	"sync"

	"walletsync/internal/storage"
)

// BalanceStore is an in-memory implementation of storage.BalanceStore.
type BalanceStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string // accountID -> token address -> balance
}

// NewBalanceStore creates a new in-memory balance store.
func NewBalanceStore() *BalanceStore {
	return &BalanceStore{
		data: make(map[string]map[string]string),
	}
}

var _ storage.BalanceStore = (*BalanceStore)(nil)

// Upsert saves the latest balance for a token.
func (s *BalanceStore) Upsert(_ context.Context, accountID, tokenAddress, balance string) error {
	if accountID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balances, ok := s.data[accountID]
	if !ok {
		balances = make(map[string]string)
		s.data[accountID] = balances
	}
	balances[tokenAddress] = balance
	return nil
}

// Get returns ErrNotFound when no balance was ever reported.
func (s *BalanceStore) Get(_ context.Context, accountID, tokenAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance, exists := s.data[accountID][tokenAddress]
	if !exists {
		return "", storage.ErrNotFound
	}
	return balance, nil
}

// GetAll returns all known balances keyed by token address.
func (s *BalanceStore) GetAll(_ context.Context, accountID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := s.data[accountID]
	result := make(map[string]string, len(balances))
	for token, balance := range balances {
		result[token] = balance
	}
	return result, nil
}

// DeleteAccount removes every balance of the account.
func (s *BalanceStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, accountID)
	return nil
}

package memory

import (
	"context"
	"sync"

	"walletsync/internal/storage"
)

// ActivityIndexStore is an in-memory implementation of
// storage.ActivityIndexStore.
type ActivityIndexStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]string // accountID -> bucket -> ordered ids
}

// NewActivityIndexStore creates a new in-memory index store.
func NewActivityIndexStore() *ActivityIndexStore {
	return &ActivityIndexStore{
		data: make(map[string]map[string][]string),
	}
}

var _ storage.ActivityIndexStore = (*ActivityIndexStore)(nil)

// GetIDs returns the stored order, or an empty slice for unknown buckets.
func (s *ActivityIndexStore) GetIDs(_ context.Context, accountID, bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.data[accountID][bucket]
	result := make([]string, len(ids))
	copy(result, ids)
	return result, nil
}

// PutIDs replaces the stored order wholesale.
func (s *ActivityIndexStore) PutIDs(_ context.Context, accountID, bucket string, ids []string) error {
	if accountID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buckets, ok := s.data[accountID]
	if !ok {
		buckets = make(map[string][]string)
		s.data[accountID] = buckets
	}
	stored := make([]string, len(ids))
	copy(stored, ids)
	buckets[bucket] = stored
	return nil
}

// DeleteAccount removes every bucket of the account.
func (s *ActivityIndexStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, accountID)
	return nil
}

package memory

import (
	"context"
	"sync"

	"walletsync/internal/domain"
	"walletsync/internal/storage"
)

// ActivityStore is an in-memory implementation of storage.ActivityStore.
type ActivityStore struct {
	mu   sync.RWMutex
	data map[string]map[string]*domain.Activity // accountID -> activity id -> doc
}

// NewActivityStore creates a new in-memory activity store.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{
		data: make(map[string]map[string]*domain.Activity),
	}
}

var _ storage.ActivityStore = (*ActivityStore)(nil)

// Upsert inserts or replaces documents.
func (s *ActivityStore) Upsert(_ context.Context, accountID string, activities []*domain.Activity) error {
	if accountID == "" {
		return storage.ErrInvalidInput
	}
	for _, a := range activities {
		if a == nil || a.ID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.data[accountID]
	if !ok {
		docs = make(map[string]*domain.Activity)
		s.data[accountID] = docs
	}
	for _, a := range activities {
		docs[a.ID] = copyActivity(a)
	}
	return nil
}

// GetByIDs retrieves documents in the order of ids; unknown ids are skipped.
func (s *ActivityStore) GetByIDs(_ context.Context, accountID string, ids []string) ([]*domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.data[accountID]
	result := make([]*domain.Activity, 0, len(ids))
	for _, id := range ids {
		if a, ok := docs[id]; ok {
			result = append(result, copyActivity(a))
		}
	}
	return result, nil
}

// DeleteByIDs removes documents; unknown ids are ignored.
func (s *ActivityStore) DeleteByIDs(_ context.Context, accountID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.data[accountID]
	for _, id := range ids {
		delete(docs, id)
	}
	return nil
}

// DeleteAccount removes every document of the account.
func (s *ActivityStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, accountID)
	return nil
}

// copyActivity clones a document including its kind payload so callers cannot
// mutate stored state.
func copyActivity(a *domain.Activity) *domain.Activity {
	activityCopy := *a
	if a.Transaction != nil {
		txCopy := *a.Transaction
		activityCopy.Transaction = &txCopy
	}
	if a.Swap != nil {
		swapCopy := *a.Swap
		activityCopy.Swap = &swapCopy
	}
	return &activityCopy
}

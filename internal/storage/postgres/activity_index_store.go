package postgres

import (
	"context"
	"fmt"

	"walletsync/internal/storage"
)

// ActivityIndexStore implements storage.ActivityIndexStore using PostgreSQL.
type ActivityIndexStore struct {
	pool *Pool
}

// NewActivityIndexStore creates a new ActivityIndexStore.
func NewActivityIndexStore(pool *Pool) *ActivityIndexStore {
	return &ActivityIndexStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ActivityIndexStore = (*ActivityIndexStore)(nil)

// GetIDs returns the stored order, or an empty slice for unknown buckets.
func (s *ActivityIndexStore) GetIDs(ctx context.Context, accountID, bucket string) ([]string, error) {
	query := `
		SELECT ids
		FROM activity_indexes
		WHERE account_id = $1 AND bucket = $2
	`

	var ids []string
	err := s.pool.QueryRow(ctx, query, accountID, bucket).Scan(&ids)
	if err != nil {
		if isNotFoundError(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("get index ids: %w", err)
	}
	return ids, nil
}

// PutIDs replaces the stored order wholesale.
func (s *ActivityIndexStore) PutIDs(ctx context.Context, accountID, bucket string, ids []string) error {
	if accountID == "" {
		return storage.ErrInvalidInput
	}
	if ids == nil {
		ids = []string{}
	}

	query := `
		INSERT INTO activity_indexes (account_id, bucket, ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, bucket) DO UPDATE
		SET ids = EXCLUDED.ids, updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, accountID, bucket, ids); err != nil {
		return fmt.Errorf("put index ids: %w", err)
	}
	return nil
}

// DeleteAccount removes every bucket of the account.
func (s *ActivityIndexStore) DeleteAccount(ctx context.Context, accountID string) error {
	query := `DELETE FROM activity_indexes WHERE account_id = $1`
	if _, err := s.pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("delete account indexes: %w", err)
	}
	return nil
}

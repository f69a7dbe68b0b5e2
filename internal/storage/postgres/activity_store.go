package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"walletsync/internal/domain"
	"walletsync/internal/storage"
)

// ActivityStore implements storage.ActivityStore using PostgreSQL.
// Documents are stored as JSONB keyed by (account_id, activity_id).
type ActivityStore struct {
	pool *Pool
}

// NewActivityStore creates a new ActivityStore.
func NewActivityStore(pool *Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ActivityStore = (*ActivityStore)(nil)

// Upsert inserts or replaces documents atomically.
func (s *ActivityStore) Upsert(ctx context.Context, accountID string, activities []*domain.Activity) error {
	if accountID == "" {
		return storage.ErrInvalidInput
	}
	if len(activities) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO activities (account_id, activity_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, activity_id) DO UPDATE
		SET doc = EXCLUDED.doc, updated_at = now()
	`

	for _, a := range activities {
		if a == nil || a.ID == "" {
			return storage.ErrInvalidInput
		}
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal activity %s: %w", a.ID, err)
		}
		if _, err := tx.Exec(ctx, query, accountID, a.ID, doc); err != nil {
			return fmt.Errorf("upsert activity %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetByIDs retrieves documents in the order of ids; unknown ids are skipped.
func (s *ActivityStore) GetByIDs(ctx context.Context, accountID string, ids []string) ([]*domain.Activity, error) {
	if len(ids) == 0 {
		return []*domain.Activity{}, nil
	}

	query := `
		SELECT activity_id, doc
		FROM activities
		WHERE account_id = $1 AND activity_id = ANY($2)
	`

	rows, err := s.pool.Query(ctx, query, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("get activities by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Activity, len(ids))
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		var a domain.Activity
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("unmarshal activity %s: %w", id, err)
		}
		byID[id] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}

	result := make([]*domain.Activity, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// DeleteByIDs removes documents; unknown ids are ignored.
func (s *ActivityStore) DeleteByIDs(ctx context.Context, accountID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM activities WHERE account_id = $1 AND activity_id = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, accountID, ids); err != nil {
		return fmt.Errorf("delete activities: %w", err)
	}
	return nil
}

// DeleteAccount removes every document of the account.
func (s *ActivityStore) DeleteAccount(ctx context.Context, accountID string) error {
	query := `DELETE FROM activities WHERE account_id = $1`
	if _, err := s.pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("delete account activities: %w", err)
	}
	return nil
}

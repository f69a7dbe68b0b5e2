package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"walletsync/internal/storage"
)

// AccountStateStore implements storage.AccountStateStore using PostgreSQL.
// The state is a single JSONB document per account.
type AccountStateStore struct {
	pool *Pool
}

// NewAccountStateStore creates a new AccountStateStore.
func NewAccountStateStore(pool *Pool) *AccountStateStore {
	return &AccountStateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountStateStore = (*AccountStateStore)(nil)

// Get returns ErrNotFound for accounts never saved.
func (s *AccountStateStore) Get(ctx context.Context, accountID string) (*storage.AccountState, error) {
	query := `SELECT state FROM account_states WHERE account_id = $1`

	var doc []byte
	err := s.pool.QueryRow(ctx, query, accountID).Scan(&doc)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account state: %w", err)
	}

	var state storage.AccountState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, fmt.Errorf("unmarshal account state: %w", err)
	}
	return &state, nil
}

// Put saves the state, replacing any previous one.
func (s *AccountStateStore) Put(ctx context.Context, accountID string, state *storage.AccountState) error {
	if accountID == "" || state == nil {
		return storage.ErrInvalidInput
	}

	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal account state: %w", err)
	}

	query := `
		INSERT INTO account_states (account_id, state)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, accountID, doc); err != nil {
		return fmt.Errorf("put account state: %w", err)
	}
	return nil
}

// Delete removes the state; unknown accounts are a no-op.
func (s *AccountStateStore) Delete(ctx context.Context, accountID string) error {
	query := `DELETE FROM account_states WHERE account_id = $1`
	if _, err := s.pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("delete account state: %w", err)
	}
	return nil
}

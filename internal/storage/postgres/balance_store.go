package postgres

import (
	"context"
	"fmt"

	"walletsync/internal/storage"
)

// BalanceStore implements storage.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *Pool
}

// NewBalanceStore creates a new BalanceStore.
func NewBalanceStore(pool *Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BalanceStore = (*BalanceStore)(nil)

// Upsert saves the latest balance for a token.
func (s *BalanceStore) Upsert(ctx context.Context, accountID, tokenAddress, balance string) error {
	if accountID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO balances (account_id, token_address, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, token_address) DO UPDATE
		SET balance = EXCLUDED.balance, updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, accountID, tokenAddress, balance); err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// Get returns ErrNotFound when no balance was ever reported.
func (s *BalanceStore) Get(ctx context.Context, accountID, tokenAddress string) (string, error) {
	query := `SELECT balance FROM balances WHERE account_id = $1 AND token_address = $2`

	var balance string
	err := s.pool.QueryRow(ctx, query, accountID, tokenAddress).Scan(&balance)
	if err != nil {
		if isNotFoundError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// GetAll returns all known balances keyed by token address.
func (s *BalanceStore) GetAll(ctx context.Context, accountID string) (map[string]string, error) {
	query := `SELECT token_address, balance FROM balances WHERE account_id = $1`

	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("get all balances: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var token, balance string
		if err := rows.Scan(&token, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		result[token] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return result, nil
}

// DeleteAccount removes every balance of the account.
func (s *BalanceStore) DeleteAccount(ctx context.Context, accountID string) error {
	query := `DELETE FROM balances WHERE account_id = $1`
	if _, err := s.pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("delete account balances: %w", err)
	}
	return nil
}

package storage

import (
	"context"

	"walletsync/internal/domain"
)

// MainBucket is the token bucket holding every activity of an account.
// Slug-named buckets hold the per-token subsets.
const MainBucket = ""

// AccountState is the per-account sync position and bookkeeping the cache
// needs to survive a restart.
type AccountState struct {
	// NewestConfirmedTimestamp bounds what history slices still need
	// fetching after a reconnect.
	NewestConfirmedTimestamp int64

	// LocalIDs are optimistically created activities not yet matched to
	// upstream ones.
	LocalIDs []string

	// PendingIDs are upstream-reported pending activities.
	PendingIDs []string

	// MainHistoryEndReached records that the oldest activity of the account
	// is already cached; per-bucket flags cover the token subsets.
	MainHistoryEndReached   bool
	HistoryEndReachedBySlug map[string]bool
}

// ActivityStore persists activity documents per account, keyed by activity id.
type ActivityStore interface {
	// Upsert inserts or replaces documents. Empty batches are a no-op.
	Upsert(ctx context.Context, accountID string, activities []*domain.Activity) error

	// GetByIDs retrieves documents in the order of ids; unknown ids are
	// skipped silently.
	GetByIDs(ctx context.Context, accountID string, ids []string) ([]*domain.Activity, error)

	// DeleteByIDs removes documents; unknown ids are ignored.
	DeleteByIDs(ctx context.Context, accountID string, ids []string) error

	// DeleteAccount removes every document of the account.
	DeleteAccount(ctx context.Context, accountID string) error
}

// ActivityIndexStore persists the ordered activity id list of each token
// bucket (MainBucket or a token slug).
type ActivityIndexStore interface {
	// GetIDs returns the stored order, or an empty slice when the bucket
	// has never been written.
	GetIDs(ctx context.Context, accountID, bucket string) ([]string, error)

	// PutIDs replaces the stored order wholesale.
	PutIDs(ctx context.Context, accountID, bucket string, ids []string) error

	// DeleteAccount removes every bucket of the account.
	DeleteAccount(ctx context.Context, accountID string) error
}

// AccountStateStore persists AccountState.
type AccountStateStore interface {
	// Get returns ErrNotFound for accounts never saved.
	Get(ctx context.Context, accountID string) (*AccountState, error)

	Put(ctx context.Context, accountID string, state *AccountState) error

	Delete(ctx context.Context, accountID string) error
}

// BalanceStore persists the latest known coin and token balances.
// The empty token address denotes the native coin.
type BalanceStore interface {
	Upsert(ctx context.Context, accountID, tokenAddress, balance string) error

	// Get returns ErrNotFound when no balance was ever reported.
	Get(ctx context.Context, accountID, tokenAddress string) (string, error)

	// GetAll returns all known balances keyed by token address.
	GetAll(ctx context.Context, accountID string) (map[string]string, error)

	DeleteAccount(ctx context.Context, accountID string) error
}

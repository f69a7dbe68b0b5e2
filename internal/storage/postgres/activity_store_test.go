package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"walletsync/internal/domain"
	"walletsync/internal/storage"
	"walletsync/internal/storage/postgres"
)

func testActivity(id string, ts int64) *domain.Activity {
	return &domain.Activity{
		ID:                  id,
		Kind:                domain.KindTransaction,
		Timestamp:           ts,
		ExternalMsgHashNorm: "hash-" + id,
		Status:              domain.StatusCompleted,
		Transaction: &domain.Transaction{
			IsIncoming:  true,
			FromAddress: "walletB",
			ToAddress:   "walletA",
			Amount:      1500000000,
			Comment:     "hi",
		},
	}
}

func TestActivityStore_UpsertAndGetByIDs(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewActivityStore(pool)
	ctx := context.Background()

	err := store.Upsert(ctx, "acc1", []*domain.Activity{
		testActivity("a1", 100),
		testActivity("a2", 200),
	})
	require.NoError(t, err)

	// Results follow the requested id order; unknown ids are skipped.
	got, err := store.GetByIDs(ctx, "acc1", []string{"a2", "missing", "a1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a2", got[0].ID)
	require.Equal(t, "a1", got[1].ID)

	// The round trip preserves the full document.
	require.Equal(t, domain.KindTransaction, got[1].Kind)
	require.Equal(t, int64(100), got[1].Timestamp)
	require.NotNil(t, got[1].Transaction)
	require.Equal(t, uint64(1500000000), got[1].Transaction.Amount)
	require.Equal(t, "hi", got[1].Transaction.Comment)
}

func TestActivityStore_UpsertReplaces(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewActivityStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "acc1", []*domain.Activity{testActivity("a1", 100)}))

	updated := testActivity("a1", 100)
	updated.Transaction.Fee = 7
	require.NoError(t, store.Upsert(ctx, "acc1", []*domain.Activity{updated}))

	got, err := store.GetByIDs(ctx, "acc1", []string{"a1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(7), got[0].Transaction.Fee)
}

func TestActivityStore_AccountsIsolated(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewActivityStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "acc1", []*domain.Activity{testActivity("a1", 100)}))
	require.NoError(t, store.Upsert(ctx, "acc2", []*domain.Activity{testActivity("a1", 999)}))

	got, err := store.GetByIDs(ctx, "acc2", []string{"a1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(999), got[0].Timestamp)
}

func TestActivityStore_Delete(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewActivityStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "acc1", []*domain.Activity{
		testActivity("a1", 100),
		testActivity("a2", 200),
	}))

	require.NoError(t, store.DeleteByIDs(ctx, "acc1", []string{"a1", "missing"}))
	got, err := store.GetByIDs(ctx, "acc1", []string{"a1", "a2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a2", got[0].ID)

	require.NoError(t, store.DeleteAccount(ctx, "acc1"))
	got, err = store.GetByIDs(ctx, "acc1", []string{"a2"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestActivityStore_ValidatesInput(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewActivityStore(pool)
	ctx := context.Background()

	err := store.Upsert(ctx, "", []*domain.Activity{testActivity("a1", 100)})
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.Upsert(ctx, "acc1", []*domain.Activity{{}})
	require.ErrorIs(t, err, storage.ErrInvalidInput)
}

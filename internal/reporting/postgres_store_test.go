//go:build integration

package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudshield/internal/idgen"
	"github.com/mbd888/fraudshield/internal/testutil"
	"github.com/mbd888/fraudshield/internal/transactions"
)

func TestPostgresStore_ReportLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	txs := transactions.NewPostgresStore(db)
	txID := idgen.New()
	require.NoError(t, txs.Create(ctx, transactions.New(txID, transactions.Facts{
		Amount:  decimal.RequireFromString("99999.99"),
		PayerID: "payer-1",
		PayeeID: "payee-1",
	}, "Goa", "IN", txTime)))

	store := NewPostgresStore(db)
	r := &Report{
		ID:                idgen.WithPrefix("frpt_"),
		TransactionID:     txID,
		Amount:            decimal.RequireFromString("99999.99"),
		PayerID:           "payer-1",
		PayeeID:           "payee-1",
		FraudScore:        0.9,
		Reason:            DefaultReason,
		ReportingEntityID: "bank-001",
		TransactionTime:   txTime,
		CreatedAt:         time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, r))
	assert.ErrorIs(t, store.Create(ctx, &Report{
		ID: idgen.New(), TransactionID: txID, Amount: decimal.Zero,
		TransactionTime: txTime, CreatedAt: time.Now(),
	}), ErrAlreadyReported)

	got, err := store.GetByTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.True(t, r.Amount.Equal(got.Amount))
	assert.Equal(t, 0.9, got.FraudScore)

	list, err := store.ListByPayer(ctx, "payer-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetByTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestPostgresStore_UnknownTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	err := NewPostgresStore(db).Create(context.Background(), &Report{
		ID: idgen.New(), TransactionID: "no-such-tx", Amount: decimal.NewFromInt(1),
		TransactionTime: txTime, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, transactions.ErrNotFound)
}

func TestPostgresDirectory_Lookup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	dir := NewPostgresDirectory(db)
	require.NoError(t, dir.Upsert(ctx, &User{PayerID: "payer-1", Name: "Asha", Phone: "+919800000001"}))
	require.NoError(t, dir.Upsert(ctx, &User{PayerID: "payer-1", Name: "Asha K", Phone: "+919800000002"}))

	u, err := dir.Lookup(ctx, "payer-1")
	require.NoError(t, err)
	assert.Equal(t, "Asha K", u.Name)
	assert.Equal(t, "+919800000002", u.Phone)

	u, err = dir.Lookup(ctx, "+919800000002")
	require.NoError(t, err)
	assert.Equal(t, "payer-1", u.PayerID)

	_, err = dir.Lookup(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Postgres store is only exercised against a real server.
func openTestPostgres(t *testing.T) Postgres {
	t.Helper()
	dsn := os.Getenv("BANK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BANK_TEST_POSTGRES_DSN not set")
	}
	pg, err := NewPostgres(context.Background(), dsn, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	return pg
}

func TestPostgresTransfer(t *testing.T) {
	ctx := context.Background()
	pg := openTestPostgres(t)

	seed, err := DecodeSeed(nil)
	require.NoError(t, err)
	_, err = LoadSeed(ctx, pg, seed, time.Now(), quietLogger())
	require.NoError(t, err)

	aliceBefore, err := pg.User(ctx, "alice")
	require.NoError(t, err)
	bobBefore, err := pg.User(ctx, "bob")
	require.NoError(t, err)

	amount := models.MoneyFromFloat(1.25)
	res, err := ledger.Transfer(ctx, pg, ledger.TransferRequest{
		FromUserID:        "alice",
		ToUserID:          "bob",
		Amount:            amount,
		DebitDescription:  "Transfer to Bob",
		CreditDescription: "Transfer from Alice",
		Category:          "Transfer",
	})
	require.NoError(t, err)
	assert.Equal(t, aliceBefore.Balance-amount, res.From.Balance)
	assert.Equal(t, bobBefore.Balance+amount, res.To.Balance)

	txs, err := pg.Transactions(ctx, "bob")
	require.NoError(t, err)
	var found bool
	for _, txn := range txs {
		if txn.Reference == res.Reference {
			found = true
			assert.Equal(t, models.TransactionCredit, txn.Kind)
		}
	}
	assert.True(t, found, "credit entry for %s not recorded", res.Reference)
}

func TestPostgresUpdateRollback(t *testing.T) {
	ctx := context.Background()
	pg := openTestPostgres(t)

	seed, err := DecodeSeed(nil)
	require.NoError(t, err)
	_, err = LoadSeed(ctx, pg, seed, time.Now(), quietLogger())
	require.NoError(t, err)

	before, err := pg.User(ctx, "alice")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = pg.Update(ctx, func(tx ledger.Tx) error {
		if _, err := tx.AdjustBalance("alice", models.MoneyFromFloat(-10)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := pg.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Balance, after.Balance)
}

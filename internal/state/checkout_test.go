package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/ledger"
)

func TestStartCheckout_EmptyCart(t *testing.T) {
	f := newFixture(t)

	requireCode(t, f.store.StartCheckout(context.Background()), CodeCartEmpty)

	st := f.store.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, int64(0), st.Version)
}

func TestStartCheckout_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))
	require.NoError(t, f.store.StartCheckout(ctx))
	requireCode(t, f.store.StartCheckout(ctx), CodeTransactionInProgress)
	assert.Equal(t, StatusPending, f.store.Snapshot().Status)
}

func TestStartPaymentProcessing_RequiresCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))
	_, err := f.store.StartPaymentProcessing(ctx)
	requireCode(t, err, CodeInvalidState)
}

func TestStartPaymentProcessing_WritesPendingFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := f.toProcessing(t, "COFFEE", "COFFEE", "WATER")
	assert.Equal(t, "txn-1", start.TransactionID)
	assert.Equal(t, int64(900), start.Total.Int64())
	assert.False(t, start.Reused)

	rec, err := f.ledger.Transaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, 3, rec.ItemCount())
	assert.Equal(t, int64(900), rec.Total.Int64())

	st := f.store.Snapshot()
	assert.Equal(t, StatusProcessing, st.Status)
	assert.Equal(t, start.TransactionID, st.PendingTransactionID)
}

func TestPaymentSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.store.Metrics().TotalRevenueToday
	start := f.toProcessing(t, "COFFEE", "COFFEE", "MUFFIN", "WATER")
	f.clock.Advance(2 * time.Second)

	receipt, err := f.store.HandlePaymentSuccess(ctx, "gw-abc")
	require.NoError(t, err)
	assert.Equal(t, start.TransactionID, receipt.TransactionID)
	assert.Equal(t, "gw-abc", receipt.GatewayTransactionID)
	assert.Equal(t, int64(1275), receipt.Total.Int64())
	assert.Len(t, receipt.Items, 3)

	inv := f.store.Inventory()
	assert.Equal(t, 8, inv["COFFEE"])
	assert.Equal(t, 1, inv["MUFFIN"])
	assert.Equal(t, -1, inv["WATER"], "unlimited stock is untouched")

	stored, err := f.ledger.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, inv, stored)

	rec, err := f.ledger.Transaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, "gw-abc", rec.GatewayTransactionID)

	st := f.store.Snapshot()
	assert.Empty(t, st.Cart)
	assert.Equal(t, StatusPaid, st.Status)
	assert.Zero(t, st.RetryCount)
	assert.Empty(t, st.PendingTransactionID)
	require.NotNil(t, st.LastReceipt)
	assert.Equal(t, receipt.TransactionID, st.LastReceipt.TransactionID)

	m := f.store.Metrics()
	assert.Equal(t, before.Add(receipt.Total), m.TotalRevenueToday)
	assert.Equal(t, 1, m.TotalTransactionsToday)

	require.NoError(t, f.store.ResetTransaction(ctx))
	st = f.store.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Nil(t, st.LastReceipt)
}

func TestPaymentFailure_RetryReusesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := f.toProcessing(t, "COFFEE")

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.store.HandlePaymentFailure(ctx, "Card declined."))
		st := f.store.Snapshot()
		assert.Equal(t, StatusError, st.Status)
		assert.Equal(t, i, st.RetryCount)
		assert.Equal(t, "Card declined.", st.ErrorMessage)

		rec, err := f.ledger.Transaction(ctx, start.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, rec.Status)
		assert.Equal(t, i, rec.RetryCount)

		retry, err := f.store.StartPaymentProcessing(ctx)
		require.NoError(t, err)
		assert.True(t, retry.Reused)
		assert.Equal(t, start.TransactionID, retry.TransactionID)
	}

	pending, err := f.ledger.PendingTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "retries never create a second pending entry")
}

func TestPaymentResults_RequireProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.HandlePaymentSuccess(ctx, "gw")
	requireCode(t, err, CodeInvalidState)
	requireCode(t, f.store.HandlePaymentFailure(ctx, "x"), CodeInvalidState)
	assert.Equal(t, int64(0), f.store.Version())
}

func TestCancelCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requireCode(t, f.store.CancelCheckout(ctx), CodeInvalidState)

	start := f.toProcessing(t, "COFFEE")
	require.NoError(t, f.store.HandlePaymentFailure(ctx, "Network timeout."))
	require.NoError(t, f.store.CancelCheckout(ctx))

	st := f.store.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Len(t, st.Cart, 1, "cancel keeps the cart")
	assert.Zero(t, st.RetryCount)

	rec, err := f.ledger.Transaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, rec.Status)

	inv := f.store.Inventory()
	assert.Equal(t, 10, inv["COFFEE"], "voiding never touches inventory")
}

func TestResetTransaction_InvalidWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.ResetTransaction(ctx), "IDLE is accepted")
	assert.Equal(t, int64(1), f.store.Version())

	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))
	require.NoError(t, f.store.StartCheckout(ctx))
	requireCode(t, f.store.ResetTransaction(ctx), CodeInvalidState)
}

func TestShutdown_VoidsPendingAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := f.toProcessing(t, "COFFEE")
	require.NoError(t, f.store.Shutdown(ctx))

	rec, err := f.ledger.Transaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, rec.Status)
	assert.Equal(t, ledger.ShutdownReason, rec.VoidReason)

	assert.ErrorIs(t, f.store.AddItem(ctx, "COFFEE"), ErrClosed)
	assert.NoError(t, f.store.Shutdown(ctx), "second shutdown is a no-op")
}

func TestSetDemoLoopRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SetDemoLoopRunning(ctx, true))
	assert.True(t, f.store.Snapshot().DemoLoopRunning)
	require.NoError(t, f.store.SetDemoLoopRunning(ctx, false))
	assert.False(t, f.store.Snapshot().DemoLoopRunning)
	assert.Equal(t, int64(2), f.store.Version())
}

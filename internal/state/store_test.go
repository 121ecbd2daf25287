package state

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/money"
	"github.com/roach88/till/internal/testutil"
	"github.com/roach88/till/internal/trace"
)

func TestOpen_RequiresCatalogAndLedger(t *testing.T) {
	_, err := Open(context.Background(), Deps{})
	assert.Error(t, err)
}

func TestOpen_VoidsPendingFromPreviousRun(t *testing.T) {
	path := ledgerPath(t)
	clk := testutil.NewFakeClock(testStart)
	ctx := context.Background()

	// Previous run: payment started, process died before the gateway answered.
	prev := openFixture(t, path, clk)
	start := prev.toProcessing(t, "COFFEE", "MUFFIN")
	inventoryBefore := prev.store.Inventory()
	require.NoError(t, prev.ledger.Close())

	next := openFixture(t, path, clk)
	assert.Equal(t, []string{start.TransactionID}, next.store.Recovered())

	rec, err := next.ledger.Transaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, rec.Status)
	assert.Equal(t, ledger.RecoveryReason, rec.VoidReason)

	assert.Equal(t, inventoryBefore, next.store.Inventory(), "recovery never touches inventory")

	st := next.store.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Empty(t, st.PendingTransactionID)
	assert.Equal(t, int64(0), st.Version)
}

func TestOpen_MergesInventoryWithCatalog(t *testing.T) {
	path := ledgerPath(t)
	clk := testutil.NewFakeClock(testStart)
	ctx := context.Background()

	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.SaveInventory(ctx, map[string]int{"COFFEE": 3, "DISCONTINUED": 7}))
	require.NoError(t, l.Close())

	f := openFixture(t, path, clk)
	assert.Equal(t, map[string]int{
		"COFFEE":  3,
		"MUFFIN":  2,
		"SOLDOUT": 0,
		"WATER":   -1,
	}, f.store.Inventory())

	stored, err := f.ledger.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.store.Inventory(), stored)
}

func TestOpen_ReplaysTodaysMetrics(t *testing.T) {
	path := ledgerPath(t)
	clk := testutil.NewFakeClock(testStart)
	ctx := context.Background()

	first := openFixture(t, path, clk)
	first.toProcessing(t, "COFFEE", "COFFEE")
	_, err := first.store.HandlePaymentSuccess(ctx, "gw-1")
	require.NoError(t, err)
	require.NoError(t, first.store.Shutdown(ctx))
	require.NoError(t, first.ledger.Close())

	clk.Advance(time.Hour)
	second := openFixture(t, path, clk)
	m := second.store.Metrics()
	assert.Equal(t, 1, m.TotalTransactionsToday)
	assert.Equal(t, int64(700), m.TotalRevenueToday.Int64())
}

func TestArchivalDoesNotRestoreInventory(t *testing.T) {
	path := ledgerPath(t)
	clk := testutil.NewFakeClock(testStart)
	ctx := context.Background()

	first := openFixture(t, path, clk)
	first.toProcessing(t, "MUFFIN", "MUFFIN")
	_, err := first.store.HandlePaymentSuccess(ctx, "gw-1")
	require.NoError(t, err)
	require.NoError(t, first.store.Shutdown(ctx))

	res, err := first.ledger.Rotate(ctx, ledger.RetentionPolicy{MaxAge: time.Minute}, testStart.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.Archived, "the only record of the sale is archived")
	require.NoError(t, first.ledger.Close())

	second := openFixture(t, path, clk)
	assert.Equal(t, 0, second.store.Inventory()["MUFFIN"])
	requireCode(t, second.store.AddItem(ctx, "MUFFIN"), CodeOutOfStock)
}

// sell completes a one-item sale of sku.
func (f *fixture) sell(t *testing.T, sku, gatewayID string) Receipt {
	t.Helper()
	f.toProcessing(t, sku)
	receipt, err := f.store.HandlePaymentSuccess(context.Background(), gatewayID)
	require.NoError(t, err)
	return receipt
}

func TestOpen_AppliesRetention(t *testing.T) {
	path := ledgerPath(t)
	clk := testutil.NewFakeClock(testStart)
	ctx := context.Background()

	first := openFixture(t, path, clk)
	for _, gw := range []string{"gw-1", "gw-2", "gw-3"} {
		first.sell(t, "WATER", gw)
	}
	require.NoError(t, first.store.Shutdown(ctx))
	require.NoError(t, first.ledger.Close())

	second := openFixtureWith(t, path, clk, func(d *Deps) {
		d.Retention = ledger.RetentionPolicy{MaxCount: 2}
	})
	assert.Equal(t, 1, second.store.Archived().Archived)
	assert.Equal(t, int64(200), second.store.Archived().Revenue.Int64())

	info, err := second.ledger.ArchiveInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ArchivedCount)
	n, err := second.ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Today's totals were replayed before the oldest sale was archived.
	assert.Equal(t, 3, second.store.Metrics().TotalTransactionsToday)
}

func TestPaymentSuccess_AppliesRetention(t *testing.T) {
	ctx := context.Background()
	f := openFixtureWith(t, ledgerPath(t), testutil.NewFakeClock(testStart), func(d *Deps) {
		d.Retention = ledger.RetentionPolicy{MaxCount: 1}
	})

	first := f.sell(t, "WATER", "gw-1")
	second := f.sell(t, "WATER", "gw-2")

	n, err := f.ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	info, err := f.ledger.ArchiveInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ArchivedCount)

	_, err = f.ledger.Transaction(ctx, first.TransactionID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	rec, err := f.ledger.Transaction(ctx, second.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
}

func TestOpen_ZeroRetentionKeepsHistory(t *testing.T) {
	f := newFixture(t)
	for _, gw := range []string{"gw-1", "gw-2"} {
		f.sell(t, "WATER", gw)
	}
	n, err := f.ledger.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, f.store.Archived().Archived)
}

// unreadableLedger fails every single-record read.
type unreadableLedger struct {
	Ledger
}

func (unreadableLedger) Transaction(context.Context, string) (ledger.TransactionRecord, error) {
	return ledger.TransactionRecord{}, errors.New("disk I/O error")
}

func TestPaymentSuccess_ApprovedChargeSurvivesUnreadablePending(t *testing.T) {
	ctx := trace.WithCorrelationID(context.Background(), "corr-9")
	var logs bytes.Buffer
	f := openFixtureWith(t, ledgerPath(t), testutil.NewFakeClock(testStart), func(d *Deps) {
		d.Ledger = unreadableLedger{Ledger: d.Ledger}
		d.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	})

	start := f.toProcessing(t, "COFFEE", "COFFEE", "MUFFIN")
	receipt, err := f.store.HandlePaymentSuccess(ctx, "gw-approved")
	require.NoError(t, err)

	assert.Equal(t, start.TransactionID, receipt.TransactionID)
	assert.Equal(t, start.Total, receipt.Total)
	assert.Len(t, receipt.Items, 2)
	assert.Equal(t, StatusPaid, f.store.Snapshot().Status)
	assert.Equal(t, 8, f.store.Inventory()["COFFEE"])

	rec, err := f.ledger.Transaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, "gw-approved", rec.GatewayTransactionID)

	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "gateway_id=gw-approved")
	assert.Contains(t, logs.String(), "correlation_id=corr-9")
}

func TestSubscribe_SeesEveryVersionInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var versions []int64
	var ops []string
	unsub := f.store.Subscribe(func(c Change) {
		versions = append(versions, c.Version)
		ops = append(ops, c.Op)
		assert.Equal(t, c.Version, c.State.Version)
	})

	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))
	requireCode(t, f.store.AddItem(ctx, "NOPE"), CodeUnknownProduct)
	require.NoError(t, f.store.StartCheckout(ctx))
	_, err := f.store.StartPaymentProcessing(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, versions)
	assert.Equal(t, []string{"add_item", "start_checkout", "start_payment"}, ops)

	unsub()
	require.NoError(t, f.store.HandlePaymentFailure(ctx, "x"))
	assert.Len(t, versions, 3)
}

func TestSubscribe_ChangePayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var changes []Change
	f.store.Subscribe(func(c Change) { changes = append(changes, c) })

	f.toProcessing(t, "COFFEE")
	_, err := f.store.HandlePaymentSuccess(ctx, "gw")
	require.NoError(t, err)

	require.Len(t, changes, 4)
	add, pay, success := changes[0], changes[2], changes[3]

	assert.Nil(t, add.Inventory)
	assert.Nil(t, add.Transactions)
	assert.Nil(t, add.Metrics)

	require.Len(t, pay.Transactions, 1)
	assert.Equal(t, ledger.StatusPending, pay.Transactions[0].Status)

	require.NotNil(t, success.Inventory)
	assert.Equal(t, 9, success.Inventory["COFFEE"])
	require.NotNil(t, success.Metrics)
	assert.Equal(t, 1, success.Metrics.TotalTransactionsToday)
	require.Len(t, success.Transactions, 1)
	assert.Equal(t, ledger.StatusCompleted, success.Transactions[0].Status)
}

func TestSubscribe_ListenerMutationIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.Subscribe(func(c Change) {
		if len(c.State.Cart) > 0 {
			c.State.Cart[0].Quantity = 42
			c.State.Cart[0].UnitPrice = money.New(1)
		}
	})
	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))

	st := f.store.Snapshot()
	assert.Equal(t, 1, st.Cart[0].Quantity)
	assert.Equal(t, int64(350), st.Cart[0].UnitPrice.Int64())
}

func TestSubscribe_PanickingListenerContained(t *testing.T) {
	var logs bytes.Buffer
	clk := testutil.NewFakeClock(testStart)
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	s, err := Open(context.Background(), Deps{
		Catalog: testCatalog(t),
		Ledger:  l,
		Clock:   clk,
		IDs:     id.NewSequenceGenerator(),
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	var got int
	s.Subscribe(func(Change) { panic("display crashed") })
	s.Subscribe(func(Change) { got++ })

	require.NoError(t, s.AddItem(context.Background(), "COFFEE"))
	assert.Equal(t, 1, got)
	assert.Equal(t, int64(1), s.Version())
	assert.Contains(t, logs.String(), "state listener panicked")
}

func TestSubscribeWithSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))

	var next []int64
	current, unsub := f.store.SubscribeWithSnapshot(ctx, func(c Change) { next = append(next, c.Version) })
	defer unsub()

	assert.Equal(t, int64(1), current.Version)
	assert.Len(t, current.State.Cart, 1)
	assert.NotNil(t, current.Inventory)
	assert.NotNil(t, current.Metrics)
	assert.NotNil(t, current.Transactions)

	require.NoError(t, f.store.AddItem(ctx, "COFFEE"))
	assert.Equal(t, []int64{2}, next)
}

func TestStore_TracesStateChangesAndLedgerWrites(t *testing.T) {
	clk := testutil.NewFakeClock(testStart)
	bus := trace.New(clk, trace.WithIDGenerator(testutil.NewSequenceTokenGenerator("evt")))
	bus.Subscribe(func(trace.Event) {})

	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	s, err := Open(context.Background(), Deps{
		Catalog: testCatalog(t),
		Ledger:  l,
		Metrics: metrics.New(clk),
		Clock:   clk,
		IDs:     id.NewSequenceGenerator(),
		Logger:  quietLogger(),
		Trace:   bus,
	})
	require.NoError(t, err)

	ctx := trace.WithCorrelationID(context.Background(), "corr-1")
	require.NoError(t, s.AddItem(ctx, "COFFEE"))
	require.NoError(t, s.StartCheckout(ctx))
	_, err = s.StartPaymentProcessing(ctx)
	require.NoError(t, err)

	writes := bus.Events(trace.Filter{Types: []trace.EventType{trace.EventLedgerWrite}})
	require.Len(t, writes, 1)
	assert.Equal(t, "corr-1", writes[0].CorrelationID)

	changes := bus.Events(trace.Filter{Types: []trace.EventType{trace.EventStateChanged}})
	assert.Len(t, changes, 3)
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StatusIdle, StatusPending))
	assert.True(t, canTransition(StatusError, StatusProcessing))
	assert.True(t, canTransition(StatusPaid, StatusPaid))
	assert.False(t, canTransition(StatusIdle, StatusPaid))
	assert.False(t, canTransition(StatusPending, StatusPaid))
	assert.Error(t, validateTransition(StatusPaid, StatusProcessing))
}

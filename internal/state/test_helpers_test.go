package state

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/money"
	"github.com/roach88/till/internal/testutil"
)

var testStart = time.Date(2026, 5, 4, 12, 0, 0, 0, time.Local)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCatalog has one limited, one scarce, one sold-out and one unlimited SKU.
func testCatalog(t testing.TB) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Product{
		{SKU: "COFFEE", Name: "Coffee", Price: money.New(350), InitialStock: 10},
		{SKU: "MUFFIN", Name: "Muffin", Price: money.New(375), InitialStock: 2},
		{SKU: "SOLDOUT", Name: "Sold Out", Price: money.New(100), InitialStock: 0},
		{SKU: "WATER", Name: "Water", Price: money.New(200), InitialStock: catalog.Unlimited},
	})
	require.NoError(t, err)
	return c
}

type fixture struct {
	store  *Store
	ledger *ledger.Ledger
	clock  *testutil.FakeClock
	path   string
}

func ledgerPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "ledger.db")
}

// openFixture opens a store over the ledger at path.
func openFixture(t *testing.T, path string, clk *testutil.FakeClock) *fixture {
	t.Helper()
	return openFixtureWith(t, path, clk, nil)
}

// openFixtureWith is openFixture with a hook to adjust the store's deps.
func openFixtureWith(t *testing.T, path string, clk *testutil.FakeClock, adjust func(*Deps)) *fixture {
	t.Helper()
	l, err := ledger.Open(path, ledger.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	deps := Deps{
		Catalog: testCatalog(t),
		Ledger:  l,
		Metrics: metrics.New(clk),
		Clock:   clk,
		IDs:     id.NewSequenceGenerator(),
		Logger:  quietLogger(),
	}
	if adjust != nil {
		adjust(&deps)
	}
	s, err := Open(context.Background(), deps)
	require.NoError(t, err)
	return &fixture{store: s, ledger: l, clock: clk, path: path}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return openFixture(t, ledgerPath(t), testutil.NewFakeClock(testStart))
}

// toProcessing adds items, checks out and starts payment.
func (f *fixture) toProcessing(t *testing.T, skus ...string) PaymentStart {
	t.Helper()
	ctx := context.Background()
	for _, sku := range skus {
		require.NoError(t, f.store.AddItem(ctx, sku))
	}
	require.NoError(t, f.store.StartCheckout(ctx))
	start, err := f.store.StartPaymentProcessing(ctx)
	require.NoError(t, err)
	return start
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	se, ok := AsError(err)
	require.True(t, ok, "expected *state.Error, got %T: %v", err, err)
	require.Equal(t, code, se.Code, se.Message)
}

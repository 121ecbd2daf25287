package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/till/internal/money"
	"github.com/roach88/till/internal/testutil"
)

var testStart = time.Date(2026, 5, 4, 10, 0, 0, 0, time.Local)

// createTestLedger creates a new file-backed ledger in a temp dir.
func createTestLedger(t *testing.T) (*Ledger, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(testStart)
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, WithClock(clk))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, clk
}

// createTestRecord creates a record with one line of qty × price.
func createTestRecord(id string, status Status, ts time.Time, price int64, qty int) TransactionRecord {
	item := Item{SKU: "COFFEE-12", Name: "House Coffee", UnitPrice: money.New(price), Quantity: qty}
	return TransactionRecord{
		ID:        id,
		Timestamp: ts,
		Items:     []Item{item},
		Total:     item.Subtotal(),
		Status:    status,
	}
}

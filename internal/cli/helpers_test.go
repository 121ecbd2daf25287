package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/money"
)

// fastEnv makes the simulated gateway and the demo loop near-instant and
// deterministic.
func fastEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TILL_GATEWAY_LATENCY", "1ms")
	t.Setenv("TILL_FAILURE_RATE", "0")
	t.Setenv("TILL_DEMO_STEP_DELAY", "1ms")
	t.Setenv("TILL_DEMO_RECEIPT_DELAY", "1ms")
	t.Setenv("TILL_SEED", "42")
	t.Setenv("TILL_OTLP_ENDPOINT", "")
	t.Setenv("TILL_CATALOG", "")
}

// execute runs the root command with args and stdin, returning stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "till.db")
}

// seedLedger writes records straight to the ledger at path.
func seedLedger(t *testing.T, path string, recs ...ledger.TransactionRecord) {
	t.Helper()
	l, err := ledger.Open(path)
	require.NoError(t, err)
	defer l.Close()
	for _, rec := range recs {
		require.NoError(t, l.AppendTransaction(context.Background(), rec))
	}
}

func record(id string, status ledger.Status, ts time.Time, price int64, qty int) ledger.TransactionRecord {
	item := ledger.Item{SKU: "COFFEE-12", Name: "House Coffee 12oz", UnitPrice: money.New(price), Quantity: qty}
	return ledger.TransactionRecord{
		ID:        id,
		Timestamp: ts,
		Items:     []ledger.Item{item},
		Total:     item.Subtotal(),
		Status:    status,
	}
}

package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/payment"
)

// completedCount is polled from require.Eventually, so it reports errors
// as zero instead of failing the test from another goroutine.
func completedCount(l *ledger.Ledger) int {
	txs, err := l.AllTransactions(context.Background())
	if err != nil {
		return 0
	}
	n := 0
	for _, tx := range txs {
		if tx.Status == ledger.StatusCompleted {
			n++
		}
	}
	return n
}

func TestDemoLoop_StartStop(t *testing.T) {
	f := newFixture(t, string(payment.CodeCardDeclined))

	f.mustDispatch(t, StartDemoLoop{})
	assert.True(t, f.d.DemoRunning())
	assert.True(t, f.store.Snapshot().DemoLoopRunning)

	res := f.dispatch(t, StartDemoLoop{})
	assert.Equal(t, CodeDemoRunning, res.Code())

	require.Eventually(t, func() bool {
		return completedCount(f.ledger) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	f.mustDispatch(t, StopDemoLoop{})
	assert.False(t, f.d.DemoRunning())
	assert.False(t, f.store.Snapshot().DemoLoopRunning)

	res = f.dispatch(t, StopDemoLoop{})
	assert.Equal(t, CodeDemoNotRunning, res.Code())

	// The declined first charge was retried rather than abandoned.
	txs, err := f.ledger.AllTransactions(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	first := txs[0]
	for _, tx := range txs[1:] {
		if tx.Timestamp.Before(first.Timestamp) {
			first = tx
		}
	}
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, ledger.StatusCompleted, first.Status)
}

func TestDemoLoop_NeverOversells(t *testing.T) {
	f := newFixture(t)

	f.mustDispatch(t, StartDemoLoop{})
	require.Eventually(t, func() bool {
		return f.store.Inventory()["COFFEE"] == 0
	}, 5*time.Second, 10*time.Millisecond)

	// With COFFEE sold out the loop keeps selling WATER.
	before := completedCount(f.ledger)
	require.Eventually(t, func() bool {
		return completedCount(f.ledger) > before
	}, 5*time.Second, 10*time.Millisecond)
	f.mustDispatch(t, StopDemoLoop{})

	assert.GreaterOrEqual(t, f.store.Inventory()["COFFEE"], 0)
}

func TestDemoLoop_StoppedByClose(t *testing.T) {
	f := newFixture(t)
	f.mustDispatch(t, StartDemoLoop{})

	f.d.Close(context.Background())
	assert.False(t, f.d.DemoRunning())
	assert.False(t, f.store.Snapshot().DemoLoopRunning)
}

func TestDeclined(t *testing.T) {
	assert.True(t, declined(Result{Error: &ErrorInfo{Code: "CARD_DECLINED"}, Data: PaymentFailure{}}))
	assert.False(t, declined(Result{Error: &ErrorInfo{Code: CodeMaxRetriesExceeded}}))
	assert.False(t, declined(Result{Success: true}))
}

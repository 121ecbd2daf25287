package command

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/money"
	"github.com/roach88/till/internal/payment"
	"github.com/roach88/till/internal/state"
	"github.com/roach88/till/internal/testutil"
	"github.com/roach88/till/internal/trace"
)

var testStart = time.Date(2026, 5, 4, 12, 0, 0, 0, time.Local)

type fixture struct {
	d       *Dispatcher
	store   *state.Store
	engine  *payment.Engine
	gateway *payment.ScriptedGateway
	ledger  *ledger.Ledger
	bus     *trace.Bus
	clock   *testutil.FakeClock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture wires a dispatcher over an in-memory ledger with a scripted
// gateway replaying outcomes.
func newFixture(t *testing.T, outcomes ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := testutil.NewFakeClock(testStart)
	ids := id.NewSequenceGenerator()

	l, err := ledger.Open(":memory:", ledger.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	cat, err := catalog.New([]catalog.Product{
		{SKU: "COFFEE", Name: "Coffee", Price: money.New(350), InitialStock: 10},
		{SKU: "WATER", Name: "Water", Price: money.New(200), InitialStock: catalog.Unlimited},
	})
	require.NoError(t, err)

	bus := trace.New(clk, trace.WithIDGenerator(testutil.NewSequenceTokenGenerator("evt")), trace.WithLogger(quietLogger()))

	store, err := state.Open(ctx, state.Deps{
		Catalog: cat,
		Ledger:  l,
		Clock:   clk,
		IDs:     ids,
		Logger:  quietLogger(),
		Trace:   bus,
	})
	require.NoError(t, err)

	gw := payment.NewScriptedGateway(clk, ids, 2*time.Second, outcomes...)
	engine := payment.NewEngine(gw, clk, payment.WithLogger(quietLogger()), payment.WithTrace(bus))

	d := New(store, engine,
		WithTrace(bus),
		WithTokenGenerator(testutil.NewSequenceTokenGenerator("corr")),
		WithClock(clk),
		WithRandom(testutil.NewScriptedRandom(0.5).WithInts(0, 1)),
		WithLogger(quietLogger()),
	)
	t.Cleanup(func() { d.Close(context.Background()) })

	return &fixture{d: d, store: store, engine: engine, gateway: gw, ledger: l, bus: bus, clock: clk}
}

func (f *fixture) dispatch(t *testing.T, cmds ...Command) Result {
	t.Helper()
	var res Result
	for _, c := range cmds {
		res = f.d.Dispatch(context.Background(), c)
	}
	return res
}

func (f *fixture) mustDispatch(t *testing.T, cmds ...Command) {
	t.Helper()
	for _, c := range cmds {
		res := f.d.Dispatch(context.Background(), c)
		require.True(t, res.Success, "%s failed: %+v", c.Name(), res.Error)
	}
}

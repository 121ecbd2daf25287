package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/till/internal/broadcast"
	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/payment"
	"github.com/roach88/till/internal/state"
	"github.com/roach88/till/internal/testutil"
	"github.com/roach88/till/internal/trace"
)

// Harness is the scenario execution environment.
// Everything that would be non-deterministic is replaced by a sequence
// generator or the fake clock.
type Harness struct {
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	clock   *testutil.FakeClock
	ids     *id.SequenceGenerator
	tokens  *testutil.SequenceTokenGenerator
	bus     *trace.Bus
	gateway *payment.ScriptedGateway
	logger  *slog.Logger

	store      *state.Store
	dispatcher *command.Dispatcher
	hub        *broadcast.Hub

	mu         sync.Mutex
	events     []trace.Event
	broadcasts atomic.Int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory ledger for isolation.
// Execution flow:
// 1. Create the ledger, catalog and deterministic helpers
// 2. Open the register (store, payment engine, dispatcher, broadcast hub)
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	cat := catalog.Default()
	if scenario.Catalog != "" {
		var err error
		if cat, err = catalog.Load(scenario.Catalog); err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clk := testutil.NewFakeClock(start)

	l, err := ledger.Open(":memory:", ledger.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory ledger: %w", err)
	}
	defer l.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios
	ids := id.NewSequenceGenerator()
	h := &Harness{
		ledger:  l,
		catalog: cat,
		clock:   clk,
		ids:     ids,
		tokens:  testutil.NewSequenceTokenGenerator("corr"),
		bus: trace.New(clk,
			trace.WithIDGenerator(testutil.NewSequenceTokenGenerator("evt")),
			trace.WithLogger(logger)),
		gateway: payment.NewScriptedGateway(clk, ids, scenario.Gateway.Latency, scenario.Gateway.Outcomes...),
		logger:  logger,
	}
	unsubscribe := h.bus.Subscribe(h.record)
	defer unsubscribe()

	if err := h.open(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		h.close(ctx)
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	if err := h.collect(ctx, result); err != nil {
		h.close(ctx)
		return nil, err
	}
	h.close(ctx)
	result.Broadcasts = h.broadcasts.Load()

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) record(e trace.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

// open wires a register on the shared ledger. Crash recovery runs here.
func (h *Harness) open(ctx context.Context) error {
	store, err := state.Open(ctx, state.Deps{
		Catalog: h.catalog,
		Ledger:  h.ledger,
		Clock:   h.clock,
		IDs:     h.ids,
		Logger:  h.logger,
		Trace:   h.bus,
	})
	if err != nil {
		return fmt.Errorf("failed to open register: %w", err)
	}
	engine := payment.NewEngine(h.gateway, h.clock,
		payment.WithLogger(h.logger),
		payment.WithTrace(h.bus))

	h.store = store
	h.dispatcher = command.New(store, engine,
		command.WithTrace(h.bus),
		command.WithTokenGenerator(h.tokens),
		command.WithClock(h.clock),
		command.WithRandom(testutil.NewScriptedRandom()),
		command.WithLogger(h.logger))
	h.hub = broadcast.Start(ctx, store,
		broadcast.WithLogger(h.logger),
		broadcast.WithTrace(h.bus))
	if _, err := h.hub.Attach("harness", broadcast.SubscriberFunc(func(broadcast.Channel, any) error {
		h.broadcasts.Add(1)
		return nil
	})); err != nil {
		return fmt.Errorf("failed to attach subscriber: %w", err)
	}
	return nil
}

// close stops the broadcast hub and the dispatcher. The store is abandoned
// without Shutdown so a following open sees what a crash would leave.
func (h *Harness) close(ctx context.Context) {
	h.dispatcher.Close(ctx)
	if err := h.hub.Close(ctx); err != nil {
		h.logger.Warn("close broadcast hub", "error", err)
	}
}

// executeFlow runs all flow steps and validates expect clauses.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		switch {
		case step.Advance > 0:
			h.clock.Advance(step.Advance)
			h.logger.Info("flow step advanced clock", "step", i, "by", step.Advance)

		case step.Restart:
			h.close(ctx)
			if err := h.open(ctx); err != nil {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
			h.logger.Info("flow step restarted register", "step", i, "recovered", h.store.Recovered())

		default:
			if err := h.invoke(ctx, i, step, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// invoke decodes a step into a command exactly as a client message would
// be decoded, dispatches it and checks the expect clause.
func (h *Harness) invoke(ctx context.Context, i int, step FlowStep, result *Result) error {
	expected := CaseSuccess
	if step.Expect != nil {
		expected = step.Expect.Case
	}

	msg := make(map[string]any, len(step.Args)+1)
	for k, v := range step.Args {
		msg[k] = v
	}
	msg["type"] = step.Invoke
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("flow step %d: failed to encode args: %w", i, err)
	}

	cmd, err := command.Decode(data)
	if err != nil {
		if expected != CaseInvalidCommand {
			result.AddError(fmt.Sprintf("flow[%d] %s: invalid command: %v", i, step.Invoke, err))
		}
		return nil
	}
	if expected == CaseInvalidCommand {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected decode to fail", i, step.Invoke))
		return nil
	}

	res := h.dispatcher.Dispatch(ctx, cmd)
	actual := CaseSuccess
	if !res.Success {
		actual = res.Code()
	}
	if actual != expected {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected case %s, got %s", i, step.Invoke, expected, actual))
	} else if step.Expect != nil && len(step.Expect.Result) > 0 {
		if mismatch := matchSubset(res.Data, step.Expect.Result); mismatch != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: result %s", i, step.Invoke, mismatch))
		}
	}

	h.logger.Info("flow step completed",
		"step", i,
		"command", step.Invoke,
		"correlation_id", res.CorrelationID,
		"case", actual,
	)
	return nil
}

// collect reads the final state into result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	result.State = h.store.Snapshot()
	result.Inventory = h.store.Inventory()
	result.Metrics = h.store.Metrics()
	txs, err := h.ledger.AllTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	result.Transactions = txs

	h.mu.Lock()
	result.Trace = append(result.Trace, h.events...)
	h.mu.Unlock()
	return nil
}

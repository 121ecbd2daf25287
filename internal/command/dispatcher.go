package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/payment"
	"github.com/roach88/till/internal/state"
	"github.com/roach88/till/internal/trace"
)

// Dispatcher routes commands to the store and the payment engine.
type Dispatcher struct {
	store  *state.Store
	engine *payment.Engine
	bus    *trace.Bus
	tokens id.TokenGenerator
	clock  clock.Clock
	rand   clock.Random
	logger *slog.Logger
	demo   DemoConfig

	// base is the parent context of the demo loop, detached from any
	// single command.
	base context.Context

	demoMu     sync.Mutex
	demoCancel context.CancelFunc
	demoDone   chan struct{}
}

var _ Handler = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTrace records command request/response pairs on bus.
func WithTrace(bus *trace.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithTokenGenerator sets the correlation id source.
func WithTokenGenerator(g id.TokenGenerator) Option {
	return func(d *Dispatcher) { d.tokens = g }
}

// WithClock sets the clock used for latency and demo pacing.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithRandom sets the random source used by the demo loop.
func WithRandom(r clock.Random) Option {
	return func(d *Dispatcher) { d.rand = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDemoConfig sets demo loop pacing.
func WithDemoConfig(cfg DemoConfig) Option {
	return func(d *Dispatcher) { d.demo = cfg }
}

// WithBaseContext sets the parent context for background work.
func WithBaseContext(ctx context.Context) Option {
	return func(d *Dispatcher) { d.base = ctx }
}

// New creates a Dispatcher.
func New(store *state.Store, engine *payment.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		engine: engine,
		tokens: id.UUIDGenerator{},
		clock:  clock.System{},
		logger: slog.Default(),
		demo:   DefaultDemoConfig,
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rand == nil {
		d.rand = clock.NewRandom(uint64(d.clock.Now().UnixNano()))
	}
	return d
}

// Dispatch runs cmd and returns its result. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (res Result) {
	corr := d.tokens.Generate()
	ctx = trace.WithCorrelationID(ctx, corr)
	start := d.clock.Now()

	if d.bus.Enabled() {
		d.bus.Emit(trace.Event{
			CorrelationID: corr,
			Type:          trace.EventCommandReceived,
			Source:        "dispatcher",
			Payload:       map[string]any{"type": cmd.Name(), "command": cmd},
		})
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked", "command", cmd.Name(), "correlation_id", corr, "panic", r)
			res = failure(CodeInternal, "An unexpected error occurred.")
		}
		res.CorrelationID = corr
		res.Version = d.store.Version()

		if d.bus.Enabled() {
			payload := map[string]any{"type": cmd.Name(), "success": res.Success, "version": res.Version}
			if res.Error != nil {
				payload["error"] = res.Error
			}
			d.bus.Emit(trace.Event{
				CorrelationID: corr,
				Type:          trace.EventCommandCompleted,
				Source:        "dispatcher",
				Payload:       payload,
				Latency:       d.clock.Now().Sub(start),
			})
		}
	}()

	return cmd.accept(ctx, d)
}

// Close stops the demo loop if it is running.
func (d *Dispatcher) Close(ctx context.Context) {
	if _, err := d.stopDemo(ctx); err != nil {
		d.logger.Warn("stop demo loop on close", "error", err)
	}
}

// fail maps err to a result. Unexpected errors are logged and collapsed.
func (d *Dispatcher) fail(ctx context.Context, op string, err error) Result {
	if se, ok := state.AsError(err); ok {
		return failure(string(se.Code), se.Message)
	}
	var re *payment.RetriesExceededError
	switch {
	case errors.As(err, &re):
		return failure(CodeMaxRetriesExceeded, fmt.Sprintf("Maximum retries (%d) exceeded.", re.Limit))
	case errors.Is(err, ErrDemoRunning):
		return failure(CodeDemoRunning, "The demo loop is already running.")
	case errors.Is(err, state.ErrClosed):
		return failure(CodeShuttingDown, "The register is shutting down.")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failure(CodeCancelled, "The operation was cancelled.")
	}

	corr := trace.CorrelationID(ctx)
	d.logger.Error("command failed", "op", op, "correlation_id", corr, "error", err)
	if d.bus.Enabled() {
		d.bus.Emit(trace.Event{
			CorrelationID: corr,
			Type:          trace.EventError,
			Source:        "dispatcher",
			Payload:       map[string]any{"op": op, "error": err.Error()},
		})
	}
	return failure(CodeInternal, "An unexpected error occurred.")
}

func (d *Dispatcher) result(ctx context.Context, op string, err error, data any) Result {
	if err != nil {
		return d.fail(ctx, op, err)
	}
	return ok(data)
}

// AddItem implements Handler.
func (d *Dispatcher) AddItem(ctx context.Context, c AddItem) Result {
	return d.result(ctx, "add item", d.store.AddItem(ctx, c.SKU), nil)
}

// RemoveItem implements Handler.
func (d *Dispatcher) RemoveItem(ctx context.Context, c RemoveItem) Result {
	return d.result(ctx, "remove item", d.store.RemoveItem(ctx, c.SKU, c.Index), nil)
}

// UpdateQuantity implements Handler.
func (d *Dispatcher) UpdateQuantity(ctx context.Context, c UpdateQuantity) Result {
	return d.result(ctx, "update quantity", d.store.UpdateQuantity(ctx, c.SKU, c.Index, c.Quantity), nil)
}

// ClearCart implements Handler.
func (d *Dispatcher) ClearCart(ctx context.Context, _ ClearCart) Result {
	if err := d.store.ClearCart(ctx); err != nil {
		return d.fail(ctx, "clear cart", err)
	}
	d.engine.Reset()
	return ok(nil)
}

// Checkout implements Handler.
func (d *Dispatcher) Checkout(ctx context.Context, _ Checkout) Result {
	if err := d.store.StartCheckout(ctx); err != nil {
		return d.fail(ctx, "checkout", err)
	}
	d.engine.Reset()
	snap := d.store.Snapshot()
	return ok(map[string]any{"totalInCents": snap.CartTotal(), "itemCount": snap.ItemCount()})
}

// CancelCheckout implements Handler.
func (d *Dispatcher) CancelCheckout(ctx context.Context, _ CancelCheckout) Result {
	if err := d.store.CancelCheckout(ctx); err != nil {
		return d.fail(ctx, "cancel checkout", err)
	}
	d.engine.Reset()
	return ok(nil)
}

// ProcessPayment implements Handler. It runs the first attempt of a
// checkout; later attempts go through RetryPayment.
func (d *Dispatcher) ProcessPayment(ctx context.Context, _ ProcessPayment) Result {
	switch st := d.store.Snapshot().Status; {
	case st == state.StatusProcessing || d.engine.Processing():
		return failure(string(payment.CodeAlreadyProcessing), payment.CodeAlreadyProcessing.Message())
	case st == state.StatusError:
		return failure(string(state.CodeInvalidState), "Payment already failed; use RetryPayment.")
	}
	return d.pay(ctx)
}

// RetryPayment implements Handler. It waits the backoff delay, then runs
// another attempt. The gateway is not touched once retries are exhausted.
func (d *Dispatcher) RetryPayment(ctx context.Context, _ RetryPayment) Result {
	if st := d.store.Snapshot().Status; st != state.StatusError {
		return failure(string(state.CodeInvalidState), fmt.Sprintf("Nothing to retry in status %s.", st))
	}
	if err := d.engine.CheckRetry(); err != nil {
		return d.fail(ctx, "retry payment", err)
	}
	if err := d.engine.WaitBackoff(ctx); err != nil {
		return d.fail(ctx, "retry payment", err)
	}
	return d.pay(ctx)
}

// PaymentFailure is the data of a failed payment result.
type PaymentFailure struct {
	TransactionID string `json:"transactionId"`
	RetryCount    int    `json:"retryCount"`
	CanRetry      bool   `json:"canRetry"`
	NextBackoffMs int64  `json:"nextBackoffMs,omitempty"`
}

func (d *Dispatcher) pay(ctx context.Context) Result {
	start, err := d.store.StartPaymentProcessing(ctx)
	if err != nil {
		return d.fail(ctx, "start payment", err)
	}

	res := d.engine.Process(ctx, start.Total)
	if res.ErrorCode == payment.CodeAlreadyProcessing {
		// The outstanding call owns the PROCESSING state and will resolve it.
		return failure(string(res.ErrorCode), res.ErrorMessage)
	}
	if res.Success {
		receipt, err := d.store.HandlePaymentSuccess(ctx, res.GatewayTransactionID)
		if err != nil {
			return d.fail(ctx, "payment success", err)
		}
		return ok(receipt)
	}

	if err := d.store.HandlePaymentFailure(ctx, res.ErrorMessage); err != nil {
		return d.fail(ctx, "payment failure", err)
	}
	out := failure(string(res.ErrorCode), res.ErrorMessage)
	data := PaymentFailure{
		TransactionID: start.TransactionID,
		RetryCount:    d.engine.RetryCount(),
		CanRetry:      d.engine.CanRetry(),
	}
	if data.CanRetry {
		data.NextBackoffMs = d.engine.NextBackoff().Milliseconds()
	}
	out.Data = data
	return out
}

// NewTransaction implements Handler.
func (d *Dispatcher) NewTransaction(ctx context.Context, _ NewTransaction) Result {
	if err := d.store.ResetTransaction(ctx); err != nil {
		return d.fail(ctx, "new transaction", err)
	}
	d.engine.Reset()
	return ok(nil)
}

// StartDemoLoop implements Handler.
func (d *Dispatcher) StartDemoLoop(ctx context.Context, _ StartDemoLoop) Result {
	if err := d.startDemo(ctx); err != nil {
		return d.fail(ctx, "start demo loop", err)
	}
	return ok(nil)
}

// StopDemoLoop implements Handler.
func (d *Dispatcher) StopDemoLoop(ctx context.Context, _ StopDemoLoop) Result {
	stopped, err := d.stopDemo(ctx)
	if err != nil {
		return d.fail(ctx, "stop demo loop", err)
	}
	if !stopped {
		return failure(CodeDemoNotRunning, "The demo loop is not running.")
	}
	return ok(nil)
}

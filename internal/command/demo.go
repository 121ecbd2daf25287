package command

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/state"
)

// ErrDemoRunning is returned when the demo loop is started twice.
var ErrDemoRunning = errors.New("command: demo loop already running")

// DemoConfig paces the demo loop.
type DemoConfig struct {
	// StepDelay is the pause between steps.
	StepDelay time.Duration
	// ReceiptDelay is how long a receipt stays up before the next customer.
	ReceiptDelay time.Duration
	// MaxItems bounds the distinct adds per cart.
	MaxItems int
}

// DefaultDemoConfig is used when no DemoConfig is given.
var DefaultDemoConfig = DemoConfig{
	StepDelay:    700 * time.Millisecond,
	ReceiptDelay: 3 * time.Second,
	MaxItems:     4,
}

func (d *Dispatcher) startDemo(ctx context.Context) error {
	d.demoMu.Lock()
	defer d.demoMu.Unlock()
	if d.demoCancel != nil {
		return ErrDemoRunning
	}
	if err := d.store.SetDemoLoopRunning(ctx, true); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(d.base)
	done := make(chan struct{})
	d.demoCancel = cancel
	d.demoDone = done

	go func() {
		defer close(done)
		d.runDemo(loopCtx)
	}()
	d.logger.Info("demo loop started")
	return nil
}

// stopDemo cancels the loop and waits for the step in progress to finish.
// Returns false if the loop was not running.
func (d *Dispatcher) stopDemo(ctx context.Context) (bool, error) {
	d.demoMu.Lock()
	cancel, done := d.demoCancel, d.demoDone
	d.demoCancel, d.demoDone = nil, nil
	d.demoMu.Unlock()
	if cancel == nil {
		return false, nil
	}

	cancel()
	<-done
	d.logger.Info("demo loop stopped")
	if err := d.store.SetDemoLoopRunning(ctx, false); err != nil && !errors.Is(err, state.ErrClosed) {
		return true, err
	}
	return true, nil
}

// DemoRunning reports whether the demo loop is active.
func (d *Dispatcher) DemoRunning() bool {
	d.demoMu.Lock()
	defer d.demoMu.Unlock()
	return d.demoCancel != nil
}

// runDemo repeats customer cycles until ctx is cancelled.
func (d *Dispatcher) runDemo(ctx context.Context) {
	for {
		if err := d.demoCycle(ctx); err != nil {
			return
		}
	}
}

// demoCycle plays one customer: add items, check out, pay with retries,
// then start a new transaction. Every step goes through Dispatch so it is
// traced like any other command. Only the pauses observe cancellation.
func (d *Dispatcher) demoCycle(ctx context.Context) error {
	// Leave whatever an interrupted cycle or a human left behind.
	if st := d.store.Snapshot(); len(st.Cart) > 0 || st.Status != state.StatusIdle {
		d.Dispatch(ctx, CancelCheckout{})
		d.Dispatch(ctx, ClearCart{})
		d.Dispatch(ctx, NewTransaction{})
	}

	n := 1 + d.rand.IntN(max(d.demo.MaxItems, 1))
	added := 0
	for i := 0; i < n; i++ {
		sku, ok := d.pickSKU()
		if !ok {
			break
		}
		if res := d.Dispatch(ctx, AddItem{SKU: sku}); res.Success {
			added++
		}
		if err := d.pause(ctx, d.demo.StepDelay); err != nil {
			return err
		}
	}
	if added == 0 {
		// Everything is sold out; idle instead of spinning.
		return d.pause(ctx, d.demo.ReceiptDelay)
	}

	if res := d.Dispatch(ctx, Checkout{}); !res.Success {
		return d.pause(ctx, d.demo.StepDelay)
	}
	if err := d.pause(ctx, d.demo.StepDelay); err != nil {
		return err
	}

	res := d.Dispatch(ctx, ProcessPayment{})
	for declined(res) && d.engine.CanRetry() {
		res = d.Dispatch(ctx, RetryPayment{})
		if res.Code() == CodeCancelled {
			return ctx.Err()
		}
	}
	if !res.Success {
		d.Dispatch(ctx, CancelCheckout{})
		d.Dispatch(ctx, ClearCart{})
		return d.pause(ctx, d.demo.StepDelay)
	}

	if err := d.pause(ctx, d.demo.ReceiptDelay); err != nil {
		return err
	}
	d.Dispatch(ctx, NewTransaction{})
	return d.pause(ctx, d.demo.StepDelay)
}

// declined reports whether res is a gateway decline that may be retried.
func declined(res Result) bool {
	_, ok := res.Data.(PaymentFailure)
	return !res.Success && ok
}

// pickSKU chooses a random catalog product that is still in stock.
func (d *Dispatcher) pickSKU() (string, bool) {
	inv := d.store.Inventory()
	var candidates []string
	for _, p := range d.store.Catalog().Products() {
		if n := inv[p.SKU]; n == catalog.Unlimited || n > 0 {
			candidates = append(candidates, p.SKU)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[d.rand.IntN(len(candidates))], true
}

func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) error {
	return d.clock.Sleep(ctx, delay)
}

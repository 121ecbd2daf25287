// Package payment drives the simulated payment gateway and owns the retry
// policy.
//
// The Engine holds a single in-flight flag. A Process call made while
// another is outstanding resolves to ALREADY_PROCESSING without reaching the
// gateway, and the flag is always released by the call that set it. Every
// call resolves to a Result; nothing panics or errors across the boundary.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/money"
	"github.com/roach88/till/internal/trace"
)

// RetryPolicy bounds retries and computes backoff delays.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy allows three retries, backing off 1s, 2s, 4s, 4s...
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  1000 * time.Millisecond,
	MaxDelay:   4000 * time.Millisecond,
}

// Backoff returns the delay before retry attempt n (0-indexed):
// min(BaseDelay × 2ⁿ, MaxDelay).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// Result is the outcome of one Process call.
type Result struct {
	Success              bool          `json:"success"`
	GatewayTransactionID string        `json:"gatewayTransactionId,omitempty"`
	ErrorCode            ErrorCode     `json:"errorCode,omitempty"`
	ErrorMessage         string        `json:"errorMessage,omitempty"`
	ProcessingTime       time.Duration `json:"-"`
}

// MarshalJSON adds processingTimeMs.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ProcessingTimeMs int64 `json:"processingTimeMs"`
	}{plain(r), r.ProcessingTime.Milliseconds()})
}

// Engine serializes gateway calls and tracks consecutive failures.
type Engine struct {
	gateway  Gateway
	clock    clock.Clock
	policy   RetryPolicy
	logger   *slog.Logger
	bus      *trace.Bus
	inFlight atomic.Bool
	retries  atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the retry policy.
func WithPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTrace records payment_attempt and payment_result events on bus.
func WithTrace(bus *trace.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// NewEngine creates an engine calling gw.
func NewEngine(gw Gateway, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		gateway: gw,
		clock:   clk,
		policy:  DefaultRetryPolicy,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process charges amount through the gateway.
//
// The gateway call is detached from ctx cancellation: once a charge starts
// it runs to completion so its outcome can be ledgered.
func (e *Engine) Process(ctx context.Context, amount money.Cents) Result {
	if !e.inFlight.CompareAndSwap(false, true) {
		return Result{
			ErrorCode:    CodeAlreadyProcessing,
			ErrorMessage: CodeAlreadyProcessing.Message(),
		}
	}
	defer e.inFlight.Store(false)

	corr := trace.CorrelationID(ctx)
	attempt := int(e.retries.Load()) + 1
	if e.bus.Enabled() {
		e.bus.Emit(trace.Event{
			CorrelationID: corr,
			Type:          trace.EventPaymentAttempt,
			Source:        "payment",
			Payload:       map[string]any{"amountInCents": amount.Int64(), "attempt": attempt},
		})
	}

	start := e.clock.Now()
	gatewayID, err := e.charge(context.WithoutCancel(ctx), amount)
	elapsed := e.clock.Now().Sub(start)

	var res Result
	if err != nil {
		n := e.retries.Add(1)
		code := CodeOf(err)
		res = Result{ErrorCode: code, ErrorMessage: code.Message(), ProcessingTime: elapsed}
		e.logger.Info("payment failed", "code", code, "attempt", attempt, "retry_count", n, "elapsed", elapsed)
	} else {
		e.retries.Store(0)
		res = Result{Success: true, GatewayTransactionID: gatewayID, ProcessingTime: elapsed}
		e.logger.Info("payment succeeded", "gateway_id", gatewayID, "attempt", attempt, "elapsed", elapsed)
	}

	if e.bus.Enabled() {
		e.bus.Emit(trace.Event{
			CorrelationID: corr,
			Type:          trace.EventPaymentResult,
			Source:        "payment",
			Payload:       res,
			Latency:       elapsed,
		})
	}
	return res
}

// charge calls the gateway, converting a panic into a gateway error.
func (e *Engine) charge(ctx context.Context, amount money.Cents) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("payment gateway panicked", "panic", r)
			id, err = "", fmt.Errorf("gateway panic: %v", r)
		}
	}()
	return e.gateway.Charge(ctx, amount)
}

// Processing reports whether a gateway call is outstanding.
func (e *Engine) Processing() bool {
	return e.inFlight.Load()
}

// RetryCount returns the number of consecutive failures.
func (e *Engine) RetryCount() int {
	return int(e.retries.Load())
}

// CanRetry reports whether another attempt is allowed.
func (e *Engine) CanRetry() bool {
	return e.RetryCount() < e.policy.MaxRetries
}

// CheckRetry returns a *RetriesExceededError once the budget is spent.
func (e *Engine) CheckRetry() error {
	n := e.RetryCount()
	if n >= e.policy.MaxRetries {
		return &RetriesExceededError{Attempts: n, Limit: e.policy.MaxRetries}
	}
	return nil
}

// Backoff returns the policy delay for retry attempt n.
func (e *Engine) Backoff(n int) time.Duration {
	return e.policy.Backoff(n)
}

// NextBackoff returns the delay WaitBackoff would sleep now.
func (e *Engine) NextBackoff() time.Duration {
	return e.policy.Backoff(e.RetryCount() - 1)
}

// WaitBackoff sleeps the delay for the next retry. It returns early with
// ctx.Err() when ctx is cancelled.
func (e *Engine) WaitBackoff(ctx context.Context) error {
	return e.clock.Sleep(ctx, e.NextBackoff())
}

// Reset clears the failure count for a new transaction.
func (e *Engine) Reset() {
	e.retries.Store(0)
}

// Policy returns the engine's retry policy.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

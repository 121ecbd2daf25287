package payment

import (
	"context"
	"time"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/money"
)

// DefaultLatency is the simulated gateway round trip.
const DefaultLatency = 2000 * time.Millisecond

// DefaultFailureRate is the simulated probability of a decline.
const DefaultFailureRate = 0.1

// Gateway charges an amount and returns the gateway's transaction id.
// A refused charge is reported as a *DeclineError.
type Gateway interface {
	Charge(ctx context.Context, amount money.Cents) (string, error)
}

// SimulatedGateway waits a fixed latency, then fails with probability
// FailureRate using one of DeclineCodes chosen at random.
type SimulatedGateway struct {
	clock       clock.Clock
	rand        clock.Random
	ids         id.Generator
	latency     time.Duration
	failureRate float64
}

// GatewayOption configures a SimulatedGateway.
type GatewayOption func(*SimulatedGateway)

// WithLatency sets the simulated round trip.
func WithLatency(d time.Duration) GatewayOption {
	return func(g *SimulatedGateway) {
		if d >= 0 {
			g.latency = d
		}
	}
}

// WithFailureRate sets the decline probability, clamped to [0, 1].
func WithFailureRate(rate float64) GatewayOption {
	return func(g *SimulatedGateway) {
		g.failureRate = min(max(rate, 0), 1)
	}
}

// WithIDGenerator sets the gateway transaction id source.
func WithIDGenerator(gen id.Generator) GatewayOption {
	return func(g *SimulatedGateway) { g.ids = gen }
}

// NewSimulatedGateway creates a simulated gateway.
func NewSimulatedGateway(clk clock.Clock, rnd clock.Random, opts ...GatewayOption) *SimulatedGateway {
	g := &SimulatedGateway{
		clock:       clk,
		rand:        rnd,
		ids:         id.TypeIDGenerator{},
		latency:     DefaultLatency,
		failureRate: DefaultFailureRate,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Charge implements Gateway.
func (g *SimulatedGateway) Charge(ctx context.Context, amount money.Cents) (string, error) {
	if err := g.clock.Sleep(ctx, g.latency); err != nil {
		return "", &DeclineError{Code: CodeNetworkTimeout}
	}
	if g.rand.Float64() < g.failureRate {
		return "", &DeclineError{Code: DeclineCodes[g.rand.IntN(len(DeclineCodes))]}
	}
	return g.ids.New(id.PrefixGateway), nil
}

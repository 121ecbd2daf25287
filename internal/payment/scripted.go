package payment

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/money"
)

// OutcomeApprove is the scripted outcome for an approved charge.
const OutcomeApprove = "APPROVE"

// ScriptedGateway replays a fixed list of outcomes, one per charge, for
// deterministic runs. Each outcome is OutcomeApprove or an ErrorCode.
// Once the script is used up every charge is approved.
type ScriptedGateway struct {
	clock   clock.Clock
	ids     id.Generator
	latency time.Duration

	mu       sync.Mutex
	outcomes []string
	calls    int
}

// NewScriptedGateway creates a gateway that replays outcomes.
func NewScriptedGateway(clk clock.Clock, ids id.Generator, latency time.Duration, outcomes ...string) *ScriptedGateway {
	return &ScriptedGateway{clock: clk, ids: ids, latency: latency, outcomes: outcomes}
}

// Charge implements Gateway.
func (g *ScriptedGateway) Charge(ctx context.Context, amount money.Cents) (string, error) {
	g.mu.Lock()
	g.calls++
	outcome := OutcomeApprove
	if len(g.outcomes) > 0 {
		outcome = g.outcomes[0]
		g.outcomes = g.outcomes[1:]
	}
	g.mu.Unlock()

	if err := g.clock.Sleep(ctx, g.latency); err != nil {
		return "", &DeclineError{Code: CodeNetworkTimeout}
	}
	if outcome != OutcomeApprove {
		return "", &DeclineError{Code: ErrorCode(outcome)}
	}
	return g.ids.New(id.PrefixGateway), nil
}

// Calls returns how many charges were attempted.
func (g *ScriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Push appends outcomes to the script.
func (g *ScriptedGateway) Push(outcomes ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, outcomes...)
}

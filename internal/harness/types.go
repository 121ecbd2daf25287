package harness

import (
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/state"
	"github.com/roach88/till/internal/trace"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every trace event in emission order.
	Trace []trace.Event `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final register state, read after the last step.
	State        state.AppState             `json:"state"`
	Inventory    map[string]int             `json:"inventory"`
	Transactions []ledger.TransactionRecord `json:"transactions"`
	Metrics      metrics.Snapshot           `json:"metrics"`

	// Broadcasts counts messages delivered to the harness subscriber.
	Broadcasts int64 `json:"broadcasts"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []trace.Event{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

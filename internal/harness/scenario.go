package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/payment"
)

// Scenario defines a register scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is an optional catalog file, relative to the scenario file.
	// The built-in catalog is used when empty.
	Catalog string `yaml:"catalog,omitempty"`

	// Start is the fake clock's start time. Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Gateway scripts the payment gateway.
	Gateway GatewayScript `yaml:"gateway,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// GatewayScript scripts charge outcomes. Charges beyond the list succeed.
type GatewayScript struct {
	Latency  time.Duration `yaml:"latency,omitempty"`
	Outcomes []string      `yaml:"outcomes,omitempty"`
}

// FlowStep is one step of the flow. Exactly one of Invoke, Advance and
// Restart is set.
type FlowStep struct {
	// Invoke is a command type, e.g. "AddItem".
	Invoke string `yaml:"invoke,omitempty"`

	// Args are the command's payload fields.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect checks the command result. Nil expects success.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// Advance moves the fake clock forward.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Restart reopens the register on the same ledger without shutting it
	// down, as after a crash.
	Restart bool `yaml:"restart,omitempty"`
}

// ExpectClause specifies the expected command result.
type ExpectClause struct {
	// Case is CaseSuccess, CaseInvalidCommand or an error code.
	Case string `yaml:"case"`

	// Result is a subset match against the result data.
	Result map[string]any `yaml:"result,omitempty"`
}

// Expected cases besides error codes.
const (
	CaseSuccess        = "Success"
	CaseInvalidCommand = "INVALID_COMMAND"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Payload is a subset match on the event payload.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Events is the expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Where filters ledger records (ledger).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected values (final_state, inventory, metrics).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of matches (trace_count, ledger).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertLedger        = "ledger"
	AssertInventory     = "inventory"
	AssertMetrics       = "metrics"
)

// DefaultStart is the fake clock's default start time.
var DefaultStart = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// LoadScenario reads and parses a scenario YAML file. A relative catalog
// path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Catalog != "" && !filepath.IsAbs(s.Catalog) {
		s.Catalog = filepath.Join(filepath.Dir(path), s.Catalog)
	}
	return s, nil
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Gateway.Latency < 0 {
		return fmt.Errorf("gateway.latency must not be negative")
	}
	for i, o := range s.Gateway.Outcomes {
		if o != payment.OutcomeApprove && !payment.ErrorCode(o).Valid() {
			return fmt.Errorf("gateway.outcomes[%d]: unknown outcome %q", i, o)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step FlowStep) error {
	set := 0
	if step.Invoke != "" {
		set++
	}
	if step.Advance != 0 {
		set++
	}
	if step.Restart {
		set++
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of invoke, advance and restart is required", i)
	}
	if step.Advance < 0 {
		return fmt.Errorf("flow[%d]: advance must be positive", i)
	}
	if step.Invoke == "" && (step.Args != nil || step.Expect != nil) {
		return fmt.Errorf("flow[%d]: args and expect need invoke", i)
	}
	switch step.Invoke {
	case command.StartDemoLoop{}.Name(), command.StopDemoLoop{}.Name():
		return fmt.Errorf("flow[%d]: %s is not supported in scenarios", i, step.Invoke)
	}
	if step.Expect != nil && step.Expect.Case == "" {
		return fmt.Errorf("flow[%d].expect: case is required", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertLedger:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for ledger", index)
		}
	case AssertFinalState, AssertInventory, AssertMetrics:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/till/internal/trace"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Trace    []trace.Event // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", FormatEvent(i+1, event))
		}
	}
	return buf.String()
}

// normalize round-trips v through JSON so values decoded from YAML and
// values built in Go compare equal.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unencodable %T: %v>", v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("<undecodable %T: %v>", v, err)
	}
	return out
}

// matchSubset checks that actual contains every expected key with an equal
// value. Extra keys in actual are ignored. Returns "" on a match, otherwise
// a description of the first mismatch in key order.
func matchSubset(actual any, expected map[string]any) string {
	if len(expected) == 0 {
		return ""
	}
	actualMap, ok := normalize(actual).(map[string]any)
	if !ok {
		return fmt.Sprintf("is %T, not an object", actual)
	}
	want := normalize(expected).(map[string]any)

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, exists := actualMap[key]
		if !exists {
			return fmt.Sprintf("field %q missing", key)
		}
		if !reflect.DeepEqual(got, want[key]) {
			return fmt.Sprintf("field %q = %v, want %v", key, got, want[key])
		}
	}
	return ""
}

// eventMatches reports whether e has the type and a payload containing
// payload.
func eventMatches(e trace.Event, eventType string, payload map[string]any) bool {
	return string(e.Type) == eventType && matchSubset(e.Payload, payload) == ""
}

// assertTraceContains checks that some event matches type and payload.
func assertTraceContains(events []trace.Event, assertion Assertion) error {
	for _, e := range events {
		if eventMatches(e, assertion.Event, assertion.Payload) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s with payload %v", assertion.Event, assertion.Payload),
		Actual:   "not found in trace",
		Trace:    events,
	}
}

// assertTraceOrder checks that event types first appear in the given order.
// Other events may appear in between.
func assertTraceOrder(events []trace.Event, assertion Assertion) error {
	positions := make(map[string]int)
	for i, e := range events {
		if _, seen := positions[string(e.Type)]; !seen {
			positions[string(e.Type)] = i + 1 // 1-indexed for readability
		}
	}

	for _, name := range assertion.Events {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", name),
				Trace:    events,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev, curr := assertion.Events[i-1], assertion.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: events,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of events matching type and payload.
func assertTraceCount(events []trace.Event, assertion Assertion) error {
	count := 0
	for _, e := range events {
		if eventMatches(e, assertion.Event, assertion.Payload) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    events,
		}
	}
	return nil
}

// assertLedger checks the number of ledger records matching Where.
func assertLedger(result *Result, assertion Assertion) error {
	count := 0
	for _, rec := range result.Transactions {
		if matchSubset(rec, assertion.Where) == "" {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertLedger,
			Expected: fmt.Sprintf("%d records where %s", assertion.Count, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d records", count),
		}
	}
	return nil
}

// assertSubset checks a final value against expect.
func assertSubset(kind string, actual any, expect map[string]any) error {
	if mismatch := matchSubset(actual, expect); mismatch != "" {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%v", expect),
			Actual:   mismatch,
		}
	}
	return nil
}

// formatWhereClause creates a human-readable description of the filter.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertLedger:
			err = assertLedger(result, assertion)
		case AssertFinalState:
			err = assertSubset(AssertFinalState, result.State, assertion.Expect)
		case AssertInventory:
			err = assertSubset(AssertInventory, result.Inventory, assertion.Expect)
		case AssertMetrics:
			err = assertSubset(AssertMetrics, result.Metrics, assertion.Expect)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

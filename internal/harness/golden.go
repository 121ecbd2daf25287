package harness

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/till/internal/trace"
)

// FormatTrace renders a result as the line-oriented golden format:
//
//	scenario: checkout_retry
//	001 corr-1 command_received AddItem
//	002 corr-1 state_changed add_item v=1 IDLE
//	...
//	final: v=8 IDLE cart=0 retry=0
//
// Event ids and timestamps are left out. Latency is printed when set.
func FormatTrace(name string, r *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for i, e := range r.Trace {
		buf.WriteString(FormatEvent(i+1, e))
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "final: v=%d %s cart=%d retry=%d\n",
		r.State.Version, r.State.Status, len(r.State.Cart), r.State.RetryCount)
	return buf.Bytes()
}

// FormatEvent renders one event as a golden line.
func FormatEvent(seq int, e trace.Event) string {
	corr := e.CorrelationID
	if corr == "" {
		corr = "-"
	}
	line := fmt.Sprintf("%03d %s %s %s", seq, corr, e.Type, eventDetail(e))
	if e.Latency > 0 {
		line += fmt.Sprintf(" latency=%dms", e.Latency.Milliseconds())
	}
	return line
}

func eventDetail(e trace.Event) string {
	p, _ := normalize(e.Payload).(map[string]any)
	switch e.Type {
	case trace.EventCommandReceived:
		return str(p["type"])
	case trace.EventCommandCompleted:
		outcome := "ok"
		if errInfo, ok := p["error"].(map[string]any); ok {
			outcome = str(errInfo["code"])
		}
		return fmt.Sprintf("%s %s v=%s", str(p["type"]), outcome, str(p["version"]))
	case trace.EventStateChanged:
		return fmt.Sprintf("%s v=%s %s", str(p["op"]), str(p["version"]), str(p["status"]))
	case trace.EventLedgerWrite:
		return fmt.Sprintf("%s %s", str(p["op"]), str(p["transactionId"]))
	case trace.EventPaymentAttempt:
		return fmt.Sprintf("attempt=%s amount=%s", str(p["attempt"]), str(p["amountInCents"]))
	case trace.EventPaymentResult:
		if ok, _ := p["success"].(bool); ok {
			return "ok " + str(p["gatewayTransactionId"])
		}
		return str(p["errorCode"])
	case trace.EventMetricsUpdated:
		return fmt.Sprintf("today=%s revenue=%s", str(p["totalTransactionsToday"]), str(p["totalRevenueTodayInCents"]))
	case trace.EventBroadcast:
		return fmt.Sprintf("v=%s channels=%s", str(p["version"]), strList(p["channels"]))
	case trace.EventRecovery:
		return "voided=" + strList(p["voided"])
	case trace.EventError:
		return fmt.Sprintf("%s: %s", str(p["op"]), str(p["error"]))
	default:
		return "source=" + e.Source
	}
}

// str formats a normalized JSON value. Numbers decode as float64 and are
// printed without a fraction when whole.
func str(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

func strList(v any) string {
	items, _ := v.([]any)
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = str(item)
	}
	return strings.Join(parts, ",")
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, FormatTrace(name, result))
}

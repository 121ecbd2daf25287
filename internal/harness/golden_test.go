package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/till/internal/payment"
	"github.com/roach88/till/internal/trace"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		event trace.Event
		want  string
	}{
		{
			trace.Event{Type: trace.EventRecovery, Payload: map[string]any{"voided": []string{"txn-1", "txn-2"}}},
			"007 - recovery voided=txn-1,txn-2",
		},
		{
			trace.Event{CorrelationID: "corr-2", Type: trace.EventPaymentResult, Latency: 1500 * time.Millisecond,
				Payload: payment.Result{ErrorCode: payment.CodeNetworkTimeout}},
			"007 corr-2 payment_result NETWORK_TIMEOUT latency=1500ms",
		},
		{
			trace.Event{CorrelationID: "corr-3", Type: trace.EventError, Payload: map[string]any{"op": "checkout", "error": "boom"}},
			"007 corr-3 error checkout: boom",
		},
		{
			trace.Event{Type: "custom", Source: "tests"},
			"007 - custom source=tests",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatEvent(7, tt.event))
	}
}

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/testutil"
	"github.com/roach88/till/internal/trace"
)

var testStart = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, tp
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestExporter_CommandSpan(t *testing.T) {
	sr, tp := newRecorder(t)
	clk := testutil.NewFakeClock(testStart)
	bus := trace.New(clk, trace.WithLogger(quietLogger()))
	x := NewExporter(tp, WithLogger(quietLogger()))
	detach := x.Attach(bus)
	defer detach()

	bus.Emit(trace.Event{
		CorrelationID: "corr-1",
		Type:          trace.EventCommandReceived,
		Source:        "dispatcher",
		Payload:       map[string]any{"type": "ProcessPayment"},
	})
	clk.Advance(2 * time.Second)
	bus.Emit(trace.Event{
		CorrelationID: "corr-1",
		Type:          trace.EventPaymentResult,
		Source:        "payment",
		Latency:       2 * time.Second,
	})
	bus.Emit(trace.Event{
		CorrelationID: "corr-1",
		Type:          trace.EventCommandCompleted,
		Source:        "dispatcher",
		Payload:       map[string]any{"type": "ProcessPayment", "success": true, "version": int64(4)},
		Latency:       2 * time.Second,
	})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "command ProcessPayment", span.Name())
	assert.Equal(t, testStart, span.StartTime().UTC())
	assert.Equal(t, 2*time.Second, span.EndTime().Sub(span.StartTime()))

	attrs := attrMap(span.Attributes())
	assert.Equal(t, "corr-1", attrs["till.correlation_id"].AsString())
	assert.Equal(t, int64(4), attrs["till.version"].AsInt64())
	assert.True(t, attrs["till.success"].AsBool())

	require.Len(t, span.Events(), 1)
	assert.Equal(t, string(trace.EventPaymentResult), span.Events()[0].Name)
	assert.Equal(t, 0, x.Open())
}

func TestExporter_FailedCommandStatus(t *testing.T) {
	sr, tp := newRecorder(t)
	x := NewExporter(tp)

	x.Handle(trace.Event{CorrelationID: "c", Type: trace.EventCommandReceived, Timestamp: testStart,
		Payload: map[string]any{"type": "Checkout"}})
	x.Handle(trace.Event{CorrelationID: "c", Type: trace.EventCommandCompleted, Timestamp: testStart,
		Payload: map[string]any{"success": false, "error": &command.ErrorInfo{Code: "CART_EMPTY"}}})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "CART_EMPTY", spans[0].Status().Description)
}

func TestExporter_IgnoresUnpairedEvents(t *testing.T) {
	sr, tp := newRecorder(t)
	x := NewExporter(tp)

	x.Handle(trace.Event{Type: trace.EventCommandReceived, Payload: map[string]any{"type": "AddItem"}})
	x.Handle(trace.Event{CorrelationID: "orphan", Type: trace.EventCommandCompleted})
	x.Handle(trace.Event{CorrelationID: "orphan", Type: trace.EventStateChanged})

	assert.Empty(t, sr.Ended())
	assert.Equal(t, 0, x.Open())
}

func TestExporter_MaxOpen(t *testing.T) {
	sr, tp := newRecorder(t)
	x := NewExporter(tp, WithMaxOpen(1), WithLogger(quietLogger()))

	x.Handle(trace.Event{CorrelationID: "a", Type: trace.EventCommandReceived})
	x.Handle(trace.Event{CorrelationID: "b", Type: trace.EventCommandReceived})
	assert.Equal(t, 1, x.Open())

	x.Handle(trace.Event{CorrelationID: "b", Type: trace.EventCommandCompleted})
	x.Handle(trace.Event{CorrelationID: "a", Type: trace.EventCommandCompleted})
	assert.Len(t, sr.Ended(), 1)
}

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), "", "dev")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_WithEndpoint(t *testing.T) {
	// A non-routable address; nothing is exported because no spans are made.
	tp, shutdown, err := Setup(context.Background(), "http://192.0.2.1:4318", "dev")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))
}

package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/trace"
)

const instrumentationName = "github.com/roach88/till/internal/telemetry"

// DefaultMaxOpen bounds the commands tracked at once.
const DefaultMaxOpen = 256

// Exporter turns command_received/command_completed pairs on the trace bus
// into spans. Events in between that share the correlation id become span
// events.
type Exporter struct {
	tracer  oteltrace.Tracer
	logger  *slog.Logger
	maxOpen int

	mu   sync.Mutex
	open map[string]oteltrace.Span
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExporterOption {
	return func(x *Exporter) { x.logger = l }
}

// WithMaxOpen bounds the commands tracked at once. Commands received past
// the bound are not exported.
func WithMaxOpen(n int) ExporterOption {
	return func(x *Exporter) {
		if n > 0 {
			x.maxOpen = n
		}
	}
}

// NewExporter creates an Exporter using tp.
func NewExporter(tp oteltrace.TracerProvider, opts ...ExporterOption) *Exporter {
	x := &Exporter{
		tracer:  tp.Tracer(instrumentationName),
		logger:  slog.Default(),
		maxOpen: DefaultMaxOpen,
		open:    make(map[string]oteltrace.Span),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Attach subscribes x to bus. Subscribing activates the bus.
func (x *Exporter) Attach(bus *trace.Bus) (detach func()) {
	return bus.Subscribe(x.Handle)
}

// Handle processes one trace event.
func (x *Exporter) Handle(e trace.Event) {
	if e.CorrelationID == "" {
		return
	}
	switch e.Type {
	case trace.EventCommandReceived:
		x.start(e)
	case trace.EventCommandCompleted:
		x.finish(e)
	default:
		x.annotate(e)
	}
}

// Open returns the number of commands awaiting completion.
func (x *Exporter) Open() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.open)
}

func (x *Exporter) start(e trace.Event) {
	name := payloadString(e.Payload, "type")
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.open) >= x.maxOpen {
		x.logger.Warn("too many open command spans, skipping", "correlation_id", e.CorrelationID)
		return
	}
	_, span := x.tracer.Start(context.Background(), "command "+name,
		oteltrace.WithTimestamp(e.Timestamp),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("till.command", name),
			attribute.String("till.correlation_id", e.CorrelationID),
		),
	)
	x.open[e.CorrelationID] = span
}

func (x *Exporter) finish(e trace.Event) {
	x.mu.Lock()
	span, ok := x.open[e.CorrelationID]
	delete(x.open, e.CorrelationID)
	x.mu.Unlock()
	if !ok {
		return
	}

	if p, ok := e.Payload.(map[string]any); ok {
		if v, ok := p["version"].(int64); ok {
			span.SetAttributes(attribute.Int64("till.version", v))
		}
		if success, ok := p["success"].(bool); ok {
			span.SetAttributes(attribute.Bool("till.success", success))
		}
		if info, ok := p["error"].(*command.ErrorInfo); ok && info != nil {
			span.SetAttributes(attribute.String("till.error_code", info.Code))
			span.SetStatus(codes.Error, info.Code)
		}
	}
	span.End(oteltrace.WithTimestamp(e.Timestamp))
}

func (x *Exporter) annotate(e trace.Event) {
	x.mu.Lock()
	span, ok := x.open[e.CorrelationID]
	x.mu.Unlock()
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("till.source", e.Source)}
	if e.Target != "" {
		attrs = append(attrs, attribute.String("till.target", e.Target))
	}
	if e.Latency > 0 {
		attrs = append(attrs, attribute.Int64("till.latency_ms", e.Latency.Milliseconds()))
	}
	span.AddEvent(string(e.Type), oteltrace.WithTimestamp(e.Timestamp), oteltrace.WithAttributes(attrs...))
}

func payloadString(payload any, key string) string {
	p, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

package trace

import (
	"encoding/json"
	"time"
)

// EventType classifies trace events.
type EventType string

const (
	EventCommandReceived  EventType = "command_received"
	EventCommandCompleted EventType = "command_completed"
	EventStateChanged     EventType = "state_changed"
	EventBroadcast        EventType = "broadcast"
	EventPaymentAttempt   EventType = "payment_attempt"
	EventPaymentResult    EventType = "payment_result"
	EventLedgerWrite      EventType = "ledger_write"
	EventMetricsUpdated   EventType = "metrics_updated"
	EventRecovery         EventType = "recovery"
	EventError            EventType = "error"
)

// AllEventTypes lists every event type in declaration order.
var AllEventTypes = []EventType{
	EventCommandReceived,
	EventCommandCompleted,
	EventStateChanged,
	EventBroadcast,
	EventPaymentAttempt,
	EventPaymentResult,
	EventLedgerWrite,
	EventMetricsUpdated,
	EventRecovery,
	EventError,
}

// TargetAll marks an event addressed to every subscriber.
const TargetAll = "all"

// Event is one recorded trace event.
//
// CorrelationID links a command_received event to its command_completed
// event. Latency is only set on events that close a request.
type Event struct {
	ID            string
	CorrelationID string
	Timestamp     time.Time
	Type          EventType
	Source        string
	Target        string
	Payload       any
	Latency       time.Duration
}

type eventJSON struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Type          EventType `json:"type"`
	Source        string    `json:"source"`
	Target        string    `json:"target,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	LatencyMs     *int64    `json:"latencyMs,omitempty"`
}

// MarshalJSON encodes latency as whole milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:            e.ID,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp,
		Type:          e.Type,
		Source:        e.Source,
		Target:        e.Target,
		Payload:       e.Payload,
	}
	if e.Latency > 0 {
		ms := e.Latency.Milliseconds()
		out.LatencyMs = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire shape written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event{
		ID:            in.ID,
		CorrelationID: in.CorrelationID,
		Timestamp:     in.Timestamp,
		Type:          in.Type,
		Source:        in.Source,
		Target:        in.Target,
		Payload:       in.Payload,
	}
	if in.LatencyMs != nil {
		e.Latency = time.Duration(*in.LatencyMs) * time.Millisecond
	}
	return nil
}

// Filter selects events from the buffer. Zero fields match everything.
type Filter struct {
	Types  []EventType
	Source string
	Since  time.Time
	Until  time.Time
	Limit  int // most recent N matches, 0 = all
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// TypeStats aggregates the buffered events of one type.
type TypeStats struct {
	Count          int           `json:"count"`
	AverageLatency time.Duration `json:"averageLatency"`
}

// Stats is the derived statistics view over the buffer.
type Stats struct {
	EventsPerSecond float64                 `json:"eventsPerSecond"`
	Buffered        int                     `json:"buffered"`
	Dropped         int                     `json:"dropped"`
	ByType          map[EventType]TypeStats `json:"byType"`
	ComputedAt      time.Time               `json:"computedAt"`
}

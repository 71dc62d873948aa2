package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by router spans and metrics.
var (
	AttrConversationID = attribute.Key("router.conversation.id")
	AttrConnectionID   = attribute.Key("router.connection.id")
	AttrOutcome        = attribute.Key("router.outcome")
	AttrEventType      = attribute.Key("router.event.type")
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeHung      = "hung"
	OutcomeAbandoned = "abandoned"
	OutcomeRejected  = "rejected"
)

// Metrics holds the router's instruments.
type Metrics struct {
	Connections      metric.Int64UpDownCounter
	ActiveTurns      metric.Int64UpDownCounter
	Turns            metric.Int64Counter
	TurnDuration     metric.Float64Histogram
	EngineEvents     metric.Int64Counter
	Questions        metric.Int64Counter
	QuestionTimeouts metric.Int64Counter
	PolicyDenials    metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Connections, err = meter.Int64UpDownCounter("router.connections",
		metric.WithDescription("Open client connections"),
	); err != nil {
		return nil, err
	}
	if m.ActiveTurns, err = meter.Int64UpDownCounter("router.turns.active",
		metric.WithDescription("Turns whose event loop is running"),
	); err != nil {
		return nil, err
	}
	if m.Turns, err = meter.Int64Counter("router.turns",
		metric.WithDescription("Turns by outcome"),
	); err != nil {
		return nil, err
	}
	if m.TurnDuration, err = meter.Float64Histogram("router.turn.duration",
		metric.WithDescription("Turn duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.EngineEvents, err = meter.Int64Counter("router.engine.events",
		metric.WithDescription("Engine events received, by type"),
	); err != nil {
		return nil, err
	}
	if m.Questions, err = meter.Int64Counter("router.questions",
		metric.WithDescription("Questions routed to users"),
	); err != nil {
		return nil, err
	}
	if m.QuestionTimeouts, err = meter.Int64Counter("router.questions.timeouts",
		metric.WithDescription("Questions auto-resolved after the timeout"),
	); err != nil {
		return nil, err
	}
	if m.PolicyDenials, err = meter.Int64Counter("router.policy.denials",
		metric.WithDescription("Tool calls denied by policy"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := NewMetrics(Disabled().Meter)
	if err != nil {
		panic(err)
	}
	return m
}

package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds the swarm's metric instruments.
type Metrics struct {
	ClaimAttempts   metric.Int64Counter
	ClaimConflicts  metric.Int64Counter
	TasksCreated    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRequeued   metric.Int64Counter
	HandlerDuration metric.Float64Histogram
	SweepDuration   metric.Float64Histogram
	ActiveAgents    metric.Int64Gauge
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ClaimAttempts, "goswarm.claim.attempts", "Claim attempts issued by watchers"},
		{&m.ClaimConflicts, "goswarm.claim.conflicts", "Claims lost to a concurrent claimant"},
		{&m.TasksCreated, "goswarm.task.created", "Tasks written to the store"},
		{&m.TasksCompleted, "goswarm.task.completed", "Tasks finished as completed"},
		{&m.TasksFailed, "goswarm.task.failed", "Tasks finished as failed"},
		{&m.TasksRequeued, "goswarm.task.requeued", "Stale in_progress tasks reverted to pending"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.HandlerDuration, err = meter.Float64Histogram("goswarm.handler.duration",
		metric.WithDescription("Task handler execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.SweepDuration, err = meter.Float64Histogram("goswarm.sweep.duration",
		metric.WithDescription("Health sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.ActiveAgents, err = meter.Int64Gauge("goswarm.agents.active",
		metric.WithDescription("Active agents seen by the last health sweep"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Telemetry is what an instrumented component needs. The zero value is not
// usable; components call OrNoop on whatever they were configured with.
type Telemetry struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// Noop returns telemetry that records nothing.
func Noop() Telemetry {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return Telemetry{Tracer: nooptrace.NewTracerProvider().Tracer(ScopeName), Metrics: m}
}

// OrNoop fills missing parts of t with no-op implementations.
func (t Telemetry) OrNoop() Telemetry {
	if t.Tracer != nil && t.Metrics != nil {
		return t
	}
	n := Noop()
	if t.Tracer == nil {
		t.Tracer = n.Tracer
	}
	if t.Metrics == nil {
		t.Metrics = n.Metrics
	}
	return t
}

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	ActiveTasks     metric.Int64UpDownCounter
	EventsForwarded metric.Int64Counter
	Reconnects      metric.Int64Counter
	MemoryWrites    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("gateway.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("gateway.task.active",
		metric.WithDescription("Currently active tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsForwarded, err = meter.Int64Counter("gateway.events.forwarded",
		metric.WithDescription("Agent events forwarded to the orchestrator"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("gateway.link.reconnects",
		metric.WithDescription("Scheduled link reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryWrites, err = meter.Int64Counter("gateway.memory.writes",
		metric.WithDescription("Memory items written by post-run persistence"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

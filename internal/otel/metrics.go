package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskweave metrics instruments.
type Metrics struct {
	MessagesClaimed    metric.Int64Counter
	MessagesProcessed  metric.Int64Counter
	MessagesRolledBack metric.Int64Counter
	RoundsTotal        metric.Int64Counter
	LLMCallDuration    metric.Float64Histogram
	ToolApplyErrors    metric.Int64Counter
	ActiveRuns         metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesClaimed, err = meter.Int64Counter("taskweave.messages.claimed",
		metric.WithDescription("Messages claimed for processing"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesProcessed, err = meter.Int64Counter("taskweave.messages.processed",
		metric.WithDescription("Messages marked processed"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesRolledBack, err = meter.Int64Counter("taskweave.messages.rolled_back",
		metric.WithDescription("Messages released back to pending after a failed run"),
	)
	if err != nil {
		return nil, err
	}

	m.RoundsTotal, err = meter.Int64Counter("taskweave.loop.rounds",
		metric.WithDescription("Decision loop rounds executed"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("taskweave.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolApplyErrors, err = meter.Int64Counter("taskweave.tool.errors",
		metric.WithDescription("Tool apply error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("taskweave.runs.active",
		metric.WithDescription("Number of currently active session runs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

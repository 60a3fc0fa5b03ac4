package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksEscalated    metric.Int64Counter
	LLMCallDuration   metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	FallbacksUsed     metric.Int64Counter
	ToolCallErrors    metric.Int64Counter
	IntentsCollected  metric.Int64Counter
	DispatchDecisions metric.Int64Counter
	ReviewsExpired    metric.Int64Counter
	SafetyBlocks      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("perch.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("perch.task.completed",
		metric.WithDescription("Tasks finished as DONE"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("perch.task.failed",
		metric.WithDescription("Tasks finished as FAILED or sent to retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEscalated, err = meter.Int64Counter("perch.task.escalated",
		metric.WithDescription("Tasks escalated to human review"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("perch.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("perch.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbacksUsed, err = meter.Int64Counter("perch.llm.fallbacks",
		metric.WithDescription("Invocations served by the secondary provider"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("perch.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.IntentsCollected, err = meter.Int64Counter("perch.intent.collected",
		metric.WithDescription("New intents captured from event sources"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDecisions, err = meter.Int64Counter("perch.dispatch.decisions",
		metric.WithDescription("Dispatch decisions made"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewsExpired, err = meter.Int64Counter("perch.review.expired",
		metric.WithDescription("Reviews expired by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.SafetyBlocks, err = meter.Int64Counter("perch.safety.blocks",
		metric.WithDescription("Replies blocked by the safety gate"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the steward metric instruments.
type Metrics struct {
	JobsFired       metric.Int64Counter
	JobFailures     metric.Int64Counter
	JobsSkipped     metric.Int64Counter
	LockContention  metric.Int64Counter
	RunnerSteps     metric.Int64Counter
	ActiveRuns      metric.Int64UpDownCounter
	RunDuration     metric.Float64Histogram
	ToolCallErrors  metric.Int64Counter
	StaleReclaimed  metric.Int64Counter
	NotifyDelivered metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsFired, err = meter.Int64Counter("steward.jobs.fired",
		metric.WithDescription("Scheduled jobs dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.JobFailures, err = meter.Int64Counter("steward.jobs.failures",
		metric.WithDescription("Scheduled job executions that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsSkipped, err = meter.Int64Counter("steward.jobs.skipped",
		metric.WithDescription("Job dispatches skipped because a prior execution is still running"),
	)
	if err != nil {
		return nil, err
	}

	m.LockContention, err = meter.Int64Counter("steward.locks.contention",
		metric.WithDescription("Lease acquisitions lost to a concurrent claimer"),
	)
	if err != nil {
		return nil, err
	}

	m.RunnerSteps, err = meter.Int64Counter("steward.runner.steps",
		metric.WithDescription("Agent runner tool-call steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("steward.runner.active",
		metric.WithDescription("Agent runs currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("steward.runner.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("steward.tools.errors",
		metric.WithDescription("Tool call validation or execution errors"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleReclaimed, err = meter.Int64Counter("steward.tasks.stale_reclaimed",
		metric.WithDescription("Tasks reclaimed by the stale-running sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter("steward.notify.delivered",
		metric.WithDescription("Notifications handed to the configured sink"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

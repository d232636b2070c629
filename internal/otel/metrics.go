package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the devbridge metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	RequestErrors    metric.Int64Counter
	Evaluations      metric.Int64Counter
	ConsoleMessages  metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	RejectedSessions metric.Int64Counter
	StorageBytes     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("devbridge.request.duration",
		metric.WithDescription("Debugger request dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("devbridge.request.errors",
		metric.WithDescription("Debugger requests answered with a protocol error"),
	)
	if err != nil {
		return nil, err
	}

	m.Evaluations, err = meter.Int64Counter("devbridge.evaluations",
		metric.WithDescription("Expressions and functions evaluated for the debugger"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsoleMessages, err = meter.Int64Counter("devbridge.console.messages",
		metric.WithDescription("Console calls forwarded to the debugger"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("devbridge.session.active",
		metric.WithDescription("Number of attached debugger sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RejectedSessions, err = meter.Int64Counter("devbridge.session.rejected",
		metric.WithDescription("Connections refused because a session was active"),
	)
	if err != nil {
		return nil, err
	}

	m.StorageBytes, err = meter.Int64Counter("devbridge.storage.bytes",
		metric.WithDescription("Bytes accepted by the storage upload endpoint"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

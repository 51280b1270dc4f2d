package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all drawproxy metrics instruments.
type Metrics struct {
	SubmitDuration      metric.Float64Histogram
	DispatchDuration    metric.Float64Histogram
	UploadDuration      metric.Float64Histogram
	QueueDepth          metric.Int64UpDownCounter
	SelectorMisses      metric.Int64Counter
	CorrelationHits     metric.Int64Counter
	CorrelationMisses   metric.Int64Counter
	BannedPromptRejects metric.Int64Counter
	IdempotentReplays   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SubmitDuration, err = meter.Float64Histogram("drawproxy.submit.duration",
		metric.WithDescription("Orchestrator Submit call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("drawproxy.dispatch.duration",
		metric.WithDescription("Backend dispatch call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadDuration, err = meter.Float64Histogram("drawproxy.upload.duration",
		metric.WithDescription("Upload sub-protocol duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("drawproxy.queue.depth",
		metric.WithDescription("Current per-mode queue depth across all instances"),
	)
	if err != nil {
		return nil, err
	}

	m.SelectorMisses, err = meter.Int64Counter("drawproxy.selector.misses",
		metric.WithDescription("Submits that found no eligible account"),
	)
	if err != nil {
		return nil, err
	}

	m.CorrelationHits, err = meter.Int64Counter("drawproxy.correlator.hits",
		metric.WithDescription("Upstream events resolved to a known task"),
	)
	if err != nil {
		return nil, err
	}

	m.CorrelationMisses, err = meter.Int64Counter("drawproxy.correlator.misses",
		metric.WithDescription("Upstream events that matched no known task"),
	)
	if err != nil {
		return nil, err
	}

	m.BannedPromptRejects, err = meter.Int64Counter("drawproxy.banned_prompt.rejects",
		metric.WithDescription("Submits rejected by the banned-word preflight"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotentReplays, err = meter.Int64Counter("drawproxy.idempotency.replays",
		metric.WithDescription("Duplicate upstream events suppressed by the event-id dedup set"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

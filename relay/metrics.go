package relay

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Instrument names, as served at /debug/metrics.
const (
	metricRequests           = "relay.requests"
	metricRateLimited        = "relay.rate_limited"
	metricUpstreamFailures   = "relay.upstream.failures"
	metricStreamsActive      = "relay.streams.active"
	metricStreamsCompleted   = "relay.streams.completed"
	metricStreamsInterrupted = "relay.streams.interrupted"
	metricBytesRelayed       = "relay.bytes_relayed"
)

type relayMetrics struct {
	requests           metric.Int64Counter
	rateLimited        metric.Int64Counter
	upstreamFailures   metric.Int64Counter
	streamsActive      metric.Int64UpDownCounter
	streamsCompleted   metric.Int64Counter
	streamsInterrupted metric.Int64Counter
	bytesRelayed       metric.Int64Counter
}

func newRelayMetrics(meter metric.Meter) (*relayMetrics, error) {
	m := &relayMetrics{}
	var err error

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.requests, metricRequests, "Chat relay calls received", "{request}"},
		{&m.rateLimited, metricRateLimited, "Chat relay calls rejected by the rate limit", "{request}"},
		{&m.upstreamFailures, metricUpstreamFailures, "Upstream calls that could not be started", "{request}"},
		{&m.streamsCompleted, metricStreamsCompleted, "Reply streams that ended cleanly", "{stream}"},
		{&m.streamsInterrupted, metricStreamsInterrupted, "Reply streams cut short by an upstream failure or a client disconnect", "{stream}"},
		{&m.bytesRelayed, metricBytesRelayed, "Reply bytes forwarded to clients", "By"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.streamsActive, err = meter.Int64UpDownCounter(metricStreamsActive,
		metric.WithDescription("Reply streams currently being relayed"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func inc(c metric.Int64Counter) {
	c.Add(context.Background(), 1)
}

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Metrics owns the meter provider the relay records into. Besides any
// exporting readers it always carries a manual reader, so current values can
// be served in process.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewMetrics creates a meter provider with an in-process reader plus the
// given readers.
func NewMetrics(readers ...sdkmetric.Reader) *Metrics {
	reader := sdkmetric.NewManualReader()

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(newResource()),
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	return &Metrics{
		provider: sdkmetric.NewMeterProvider(opts...),
		reader:   reader,
	}
}

// Meter returns a named meter of the provider.
func (m *Metrics) Meter(name string) metric.Meter {
	return m.provider.Meter(name)
}

// Snapshot collects the current value of every integer sum instrument,
// keyed by instrument name. Data points of one instrument are added up.
func (m *Metrics) Snapshot(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			out[md.Name] = total
		}
	}
	return out, nil
}

// Handler serves Snapshot as a JSON object.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := m.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

// Shutdown flushes exporting readers and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

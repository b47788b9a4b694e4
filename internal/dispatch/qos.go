package dispatch

import (
	"context"

	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/registry"
)

// Admit implements the QoS gate (C6): admission control over a single
// candidate provider based on its current load. Grounded on the same
// threshold-check shape as a warning-log quality-of-service policy in the
// source system — generalized here into a pure admit/reject decision with
// no logging; the outcome is reported only through the return value.
func Admit(ctx context.Context, store *metricstore.Store, providerID int64, metric *registry.QoSMetric, limit *float64) bool {
	if metric == nil || limit == nil {
		return true
	}

	if *metric == registry.QoSMetricInflight {
		gauge, ok := store.GaugeGet(ctx, metricstore.GaugeKey("inflight", providerID))
		if !ok {
			return true // no data — degrade open
		}
		return float64(gauge) <= *limit
	}

	avg, ok := store.TSWindowAvg(ctx, metricstore.SeriesKey(string(*metric), providerID), windowMS)
	if !ok {
		return true
	}
	return avg <= *limit
}

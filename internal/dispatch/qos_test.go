package dispatch_test

import (
	"context"
	"testing"

	"github.com/opengatellm/gateway/internal/dispatch"
	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/registry"
)

func TestAdmit_MissingMetricOrLimitAlwaysAdmits(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	inflight := registry.QoSMetricInflight
	limit := 1.0

	if !dispatch.Admit(ctx, store, 1, nil, &limit) {
		t.Error("expected admit when metric is nil")
	}
	if !dispatch.Admit(ctx, store, 1, &inflight, nil) {
		t.Error("expected admit when limit is nil")
	}
}

func TestAdmit_Inflight_EqualityAdmits(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	inflight := registry.QoSMetricInflight
	limit := 2.0

	store.Incr(ctx, metricstore.GaugeKey("inflight", 1))
	store.Incr(ctx, metricstore.GaugeKey("inflight", 1))

	if !dispatch.Admit(ctx, store, 1, &inflight, &limit) {
		t.Error("expected admit when gauge == limit")
	}

	store.Incr(ctx, metricstore.GaugeKey("inflight", 1))
	if dispatch.Admit(ctx, store, 1, &inflight, &limit) {
		t.Error("expected reject when gauge > limit")
	}
}

func TestAdmit_NoSampleDegradesOpen(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	latency := registry.QoSMetricLatency
	limit := 100.0

	if !dispatch.Admit(ctx, store, 99, &latency, &limit) {
		t.Error("expected admit when no sample exists for the metric")
	}
}

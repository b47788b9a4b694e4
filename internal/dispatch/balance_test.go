package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opengatellm/gateway/internal/dispatch"
	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/registry"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) *metricstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return metricstore.New(rdb)
}

func TestSelect_Shuffle_PicksFromCandidates(t *testing.T) {
	store := newStore(t)
	candidates := []registry.Provider{{ID: 1}, {ID: 2}, {ID: 3}}

	pid, indicator := dispatch.Select(context.Background(), store, candidates, registry.StrategyShuffle, registry.QoSMetricLatency)
	if indicator != nil {
		t.Errorf("shuffle must not report an indicator, got %v", *indicator)
	}
	found := false
	for _, c := range candidates {
		if c.ID == pid {
			found = true
		}
	}
	if !found {
		t.Errorf("shuffle picked %d, not among candidates", pid)
	}
}

func TestSelect_LeastBusy_PrefersUnsampledCandidate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Provider 1 has a sample; provider 2 has none.
	store.TSAdd(ctx, metricstore.SeriesKey("latency", 1), time.Now().UnixMilli(), 50)

	pid, _ := dispatch.Select(ctx, store, []registry.Provider{{ID: 1}, {ID: 2}}, registry.StrategyLeastBusy, registry.QoSMetricLatency)
	if pid != 2 {
		t.Errorf("expected unsampled candidate (2) to be preferred, got %d", pid)
	}
}

func TestSelect_LeastBusy_PicksSmallestAverage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	store.TSAdd(ctx, metricstore.SeriesKey("latency", 1), now, 200)
	store.TSAdd(ctx, metricstore.SeriesKey("latency", 2), now, 50)

	pid, indicator := dispatch.Select(ctx, store, []registry.Provider{{ID: 1}, {ID: 2}}, registry.StrategyLeastBusy, registry.QoSMetricLatency)
	if pid != 2 {
		t.Errorf("expected provider 2 (lower average) to win, got %d", pid)
	}
	if indicator == nil {
		t.Fatal("expected a non-nil indicator when a candidate has samples")
	}
}

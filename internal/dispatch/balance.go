// Package dispatch implements the routing pipeline that sits between the
// Model Registry and the Provider Client: load balancing (C5), the QoS
// admission gate (C6), and the priority-queue dispatcher (C7).
package dispatch

import (
	"context"
	"math/rand/v2"

	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/registry"
)

// windowMS is the lookback window used for least-busy averaging and QoS
// admission against non-gauge metrics.
const windowMS = 60_000

// Select picks one provider id from candidates per strategy. indicator is
// the windowed average that decided the pick (nil for shuffle, and nil for
// least_busy whenever any candidate has no sample, since an unsampled
// candidate is picked first).
func Select(ctx context.Context, store *metricstore.Store, candidates []registry.Provider, strategy registry.LoadBalancingStrategy, metric registry.QoSMetric) (providerID int64, indicator *float64) {
	if len(candidates) == 0 {
		return 0, nil
	}

	if strategy != registry.StrategyLeastBusy {
		p := candidates[rand.IntN(len(candidates))]
		return p.ID, nil
	}

	return leastBusy(ctx, store, candidates, metric)
}

func leastBusy(ctx context.Context, store *metricstore.Store, candidates []registry.Provider, metric registry.QoSMetric) (int64, *float64) {
	type scored struct {
		id      int64
		avg     float64
		hasAvg  bool
	}

	scores := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		avg, ok := store.TSWindowAvg(ctx, metricstore.SeriesKey(string(metric), p.ID), windowMS)
		scores = append(scores, scored{id: p.ID, avg: avg, hasAvg: ok})
	}

	// Candidates with no sample are interpreted as "unknown = best".
	var best *scored
	for i := range scores {
		s := &scores[i]
		switch {
		case best == nil:
			best = s
		case !best.hasAvg:
			// Current best already has no sample; only replace on a tie-break
			// by lower id among equally-sampleless candidates.
			if !s.hasAvg && s.id < best.id {
				best = s
			}
		case s.hasAvg && s.avg < best.avg:
			best = s
		case s.hasAvg && s.avg == best.avg && s.id < best.id:
			best = s
		case !s.hasAvg:
			// An unsampled candidate beats any sampled one.
			best = s
		}
	}

	if best == nil {
		return 0, nil
	}
	if !best.hasAvg {
		return best.id, nil
	}
	avg := best.avg
	return best.id, &avg
}

package dispatch_test

import (
	"context"
	"testing"

	"github.com/opengatellm/gateway/internal/dispatch"
	"github.com/opengatellm/gateway/internal/registry"
)

func TestDispatch_Direct_AdmitsSoleProvider(t *testing.T) {
	store := newStore(t)
	idx := registry.NewIndex()
	router := &registry.Router{
		ID: 1, Name: "chat-prod", LoadBalancing: registry.StrategyShuffle,
		Providers: []registry.Provider{{
			ID: 1,
			Endpoints: []registry.EndpointEntry{{Endpoint: registry.EndpointChatCompletions, Path: "/chat"}},
		}},
	}
	idx.Rebuild([]*registry.Router{router})

	d := dispatch.New(dispatch.Config{Mode: dispatch.ModeDirect}, store, idx, nil, nil)
	pid, err := d.Dispatch(context.Background(), router, registry.EndpointChatCompletions, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != 1 {
		t.Errorf("pid = %d, want 1", pid)
	}
}

func TestDispatch_Direct_RejectsWhenQoSLimitIsZero(t *testing.T) {
	store := newStore(t)
	idx := registry.NewIndex()
	inflight := registry.QoSMetricInflight
	limit := 0.0
	router := &registry.Router{
		ID: 1, Name: "chat-prod", LoadBalancing: registry.StrategyShuffle,
		Providers: []registry.Provider{{
			ID: 1, QoSMetric: &inflight, QoSLimit: &limit,
			Endpoints: []registry.EndpointEntry{{Endpoint: registry.EndpointChatCompletions, Path: "/chat"}},
		}},
	}
	idx.Rebuild([]*registry.Router{router})

	// Bump inflight above the zero limit so admission is rejected.
	store.Incr(context.Background(), "metric:gauge:inflight:1")

	d := dispatch.New(dispatch.Config{Mode: dispatch.ModeDirect}, store, idx, nil, nil)
	_, err := d.Dispatch(context.Background(), router, registry.EndpointChatCompletions, 0)
	var overloaded *dispatch.OverloadedError
	if err == nil {
		t.Fatal("expected an overloaded error")
	}
	if !asOverloaded(err, &overloaded) {
		t.Fatalf("expected *OverloadedError, got %T", err)
	}
	if overloaded.HTTPStatus() != 503 {
		t.Errorf("status = %d, want 503", overloaded.HTTPStatus())
	}
}

func TestDispatch_Direct_NoEligibleProviders(t *testing.T) {
	store := newStore(t)
	idx := registry.NewIndex()
	router := &registry.Router{ID: 1, Name: "chat-prod"}
	idx.Rebuild([]*registry.Router{router})

	d := dispatch.New(dispatch.Config{Mode: dispatch.ModeDirect}, store, idx, nil, nil)
	_, err := d.Dispatch(context.Background(), router, registry.EndpointChatCompletions, 0)
	if _, ok := err.(*registry.NotFoundError); !ok {
		t.Fatalf("expected *registry.NotFoundError, got %T (%v)", err, err)
	}
}

func asOverloaded(err error, target **dispatch.OverloadedError) bool {
	o, ok := err.(*dispatch.OverloadedError)
	if ok {
		*target = o
	}
	return ok
}

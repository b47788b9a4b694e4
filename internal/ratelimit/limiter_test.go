package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/opengatellm/gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func intp(v int) *int { return &v }

func TestHit_AllowsUpToLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.PolicySliding)
	ctx := context.Background()
	limit := intp(3)

	for i := 0; i < 3; i++ {
		ok, err := limiter.Hit(ctx, 1, 1, ratelimit.KindRPM, limit, 1)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	ok, err := limiter.Hit(ctx, 1, 1, ratelimit.KindRPM, limit, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected the (limit+1)th hit to be denied")
	}
}

func TestHit_NilLimitIsUnlimited(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.PolicySliding)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, err := limiter.Hit(ctx, 1, 1, ratelimit.KindRPM, nil, 1)
		if err != nil || !ok {
			t.Fatalf("expected unlimited hit to always allow, got ok=%v err=%v", ok, err)
		}
	}
}

func TestHit_DegradesGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	limiter := ratelimit.New(rdb, ratelimit.PolicySliding)
	ok, err := limiter.Hit(context.Background(), 1, 1, ratelimit.KindRPM, intp(5), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected allowed=true when Redis is unavailable")
	}
}

func TestCheckUserLimits_MasterBypass(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.PolicySliding)
	limits := ratelimit.Limits{RPM: intp(0), RPD: intp(0), TPM: intp(0), TPD: intp(0)}

	err := limiter.CheckUserLimits(context.Background(), 0, 1, limits, nil)
	if err != nil {
		t.Errorf("expected master (user_id=0) to bypass all limits, got %v", err)
	}
}

func TestCheckUserLimits_ZeroLimitDenies(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.PolicySliding)
	limits := ratelimit.Limits{RPM: intp(0)}

	err := limiter.CheckUserLimits(context.Background(), 42, 1, limits, nil)
	var denied *ratelimit.DeniedError
	if err == nil {
		t.Fatal("expected denial for a zero RPM limit")
	}
	if !errAs(err, &denied) {
		t.Fatalf("expected *DeniedError, got %T", err)
	}
	if !denied.Zero || denied.Kind != ratelimit.KindRPM {
		t.Errorf("unexpected denial: %+v", denied)
	}
	if denied.HTTPStatus() != 403 {
		t.Errorf("zero-limit denial should map to 403, got %d", denied.HTTPStatus())
	}
}

func TestCheckUserLimits_RPMBeforeTPM(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.PolicySliding)
	limits := ratelimit.Limits{RPM: intp(1), TPM: intp(1000)}
	tokens := intp(10)
	ctx := context.Background()

	if err := limiter.CheckUserLimits(ctx, 7, 1, limits, tokens); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	err := limiter.CheckUserLimits(ctx, 7, 1, limits, tokens)
	var denied *ratelimit.DeniedError
	if !errAs(err, &denied) {
		t.Fatalf("expected *DeniedError on second request, got %v", err)
	}
	if denied.Kind != ratelimit.KindRPM {
		t.Errorf("expected RPM to be the violated bound (checked before TPM), got %s", denied.Kind)
	}
}

func errAs(err error, target **ratelimit.DeniedError) bool {
	d, ok := err.(*ratelimit.DeniedError)
	if ok {
		*target = d
	}
	return ok
}

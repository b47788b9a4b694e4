// Package reqctx implements the per-request implicit carrier (C10): a
// single mutable struct stashed on the fasthttp.RequestCtx by the top-level
// middleware and fetched by every downstream component via a typed
// accessor — the same fasthttp.RequestCtx.UserValue mechanism the gateway's
// own requestID middleware already relies on, generalized to carry the
// whole per-request bag instead of a single string.
package reqctx

import (
	"time"

	"github.com/valyala/fasthttp"
)

const userValueKey = "reqctx"

// Usage accumulates per-request token, cost, and carbon counters.
// Accumulation within one request is never concurrent: a single goroutine
// owns a RequestCtx end to end.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CarbonKWhMin     float64
	CarbonKWhMax     float64
	CarbonKgCO2eMin  float64
	CarbonKgCO2eMax  float64
	Requests         int
}

// Add accumulates delta into u.
func (u *Usage) Add(delta Usage) {
	u.PromptTokens += delta.PromptTokens
	u.CompletionTokens += delta.CompletionTokens
	u.TotalTokens += delta.PromptTokens + delta.CompletionTokens
	u.Cost += delta.Cost
	u.CarbonKWhMin += delta.CarbonKWhMin
	u.CarbonKWhMax += delta.CarbonKWhMax
	u.CarbonKgCO2eMin += delta.CarbonKgCO2eMin
	u.CarbonKgCO2eMax += delta.CarbonKgCO2eMax
	u.Requests++
}

// Context is the per-request bag threaded implicitly through every
// component from C8 down to C3/C9's response serializer.
type Context struct {
	RequestID string
	Method    string
	Endpoint  string

	UserID  int64
	KeyID   int64
	KeyName string

	RouterID   int64
	RouterName string
	ProviderID int64
	ModelName  string

	Usage Usage

	TTFTMs    *int64
	LatencyMs *int64

	StartedAt time.Time
}

// New initializes a fresh Context for an inbound request.
func New(requestID, method, endpoint string) *Context {
	return &Context{
		RequestID: requestID,
		Method:    method,
		Endpoint:  endpoint,
		StartedAt: time.Now(),
	}
}

// Attach stores rc on ctx for the lifetime of the request.
func Attach(ctx *fasthttp.RequestCtx, rc *Context) {
	ctx.SetUserValue(userValueKey, rc)
}

// From retrieves the Context attached to ctx, or nil if none was attached
// (a bug in the middleware chain, not a condition callers should need to
// handle defensively in steady state).
func From(ctx *fasthttp.RequestCtx) *Context {
	v := ctx.UserValue(userValueKey)
	if v == nil {
		return nil
	}
	rc, _ := v.(*Context)
	return rc
}

// RecordTTFT sets TTFT exactly once; subsequent calls are no-ops, matching
// the "at most once per stream" invariant.
func (c *Context) RecordTTFT(ms int64) {
	if c.TTFTMs != nil {
		return
	}
	c.TTFTMs = &ms
}

// RecordLatency sets latency exactly once; subsequent calls are no-ops,
// matching the "at most once per request on success" invariant.
func (c *Context) RecordLatency(ms int64) {
	if c.LatencyMs != nil {
		return
	}
	c.LatencyMs = &ms
}

package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/kv"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestRateLimiter(t *testing.T, config *types.RateLimitConfig) *RateLimiter {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())

	store, err := kv.NewMemoryStore(context.Background(), log, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	cacheService, err := cache.NewService(context.Background(), log, store, &types.CacheConfig{
		DefaultTTL: time.Hour,
	}, nil)
	require.NoError(t, err)

	return NewRateLimiter(log, cacheService, config)
}

func makeRequest(handler fasthttp.RequestHandler, method, path, clientIP string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if clientIP != "" {
		ctx.Request.Header.Set("X-Real-IP", clientIP)
	}

	handler(ctx)
	return ctx
}

func TestRateLimiterDisabledPassesThrough(t *testing.T) {
	limiter := newTestRateLimiter(t, &types.RateLimitConfig{Enabled: false})

	called := false
	handler := limiter.Wrap(func(ctx *fasthttp.RequestCtx) {
		called = true
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")

	assert.True(t, called)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Empty(t, ctx.Response.Header.Peek("X-RateLimit-Limit"),
		"a disabled limiter adds no headers")
}

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	limiter := newTestRateLimiter(t, &types.RateLimitConfig{
		Enabled: true,
		Limit:   3,
		Window:  time.Minute,
	})

	handler := limiter.Wrap(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "3", string(ctx.Response.Header.Peek("X-RateLimit-Limit")))
	assert.Equal(t, "2", string(ctx.Response.Header.Peek("X-RateLimit-Remaining")))
	assert.NotEmpty(t, ctx.Response.Header.Peek("X-RateLimit-Reset"))
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	limiter := newTestRateLimiter(t, &types.RateLimitConfig{
		Enabled: true,
		Limit:   3,
		Window:  time.Minute,
	})

	var served int
	handler := limiter.Wrap(func(ctx *fasthttp.RequestCtx) {
		served++
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	for i := 0; i < 3; i++ {
		ctx := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")
		require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	}

	ctx := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")

	assert.Equal(t, 3, served, "the rejected request never reaches the handler")
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))
	assert.NotEmpty(t, ctx.Response.Header.Peek("Retry-After"))
	assert.Equal(t, "0", string(ctx.Response.Header.Peek("X-RateLimit-Remaining")))
	assert.JSONEq(t,
		`{"error":{"code":"RATE_LIMITED","message":"Too many requests, please try again later"}}`,
		string(ctx.Response.Body()))
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := newTestRateLimiter(t, &types.RateLimitConfig{
		Enabled: true,
		Limit:   1,
		Window:  time.Minute,
	})

	handler := limiter.Wrap(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	first := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")
	require.Equal(t, fasthttp.StatusOK, first.Response.StatusCode())

	limited := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")
	assert.Equal(t, fasthttp.StatusTooManyRequests, limited.Response.StatusCode())

	other := makeRequest(handler, "GET", "/api/companies", "10.0.0.2")
	assert.Equal(t, fasthttp.StatusOK, other.Response.StatusCode(),
		"another client has its own window")

	otherRoute := makeRequest(handler, "GET", "/api/invoices", "10.0.0.1")
	assert.Equal(t, fasthttp.StatusOK, otherRoute.Response.StatusCode(),
		"another route has its own window")
}

func TestRateLimiterPrefersUserIdentity(t *testing.T) {
	limiter := newTestRateLimiter(t, &types.RateLimitConfig{
		Enabled: true,
		Limit:   1,
		Window:  time.Minute,
	})

	handler := limiter.Wrap(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	request := func(userID, ip string) *fasthttp.RequestCtx {
		ctx := &fasthttp.RequestCtx{}
		ctx.Init(&fasthttp.Request{}, nil, nil)
		ctx.Request.Header.SetMethod("GET")
		ctx.Request.SetRequestURI("/api/companies")
		ctx.Request.Header.Set("X-Real-IP", ip)
		if userID != "" {
			ctx.Request.Header.Set("X-User-ID", userID)
		}
		handler(ctx)
		return ctx
	}

	first := request("u-1", "10.0.0.1")
	require.Equal(t, fasthttp.StatusOK, first.Response.StatusCode())

	// Same user from a different address still shares the window.
	sameUser := request("u-1", "10.0.0.2")
	assert.Equal(t, fasthttp.StatusTooManyRequests, sameUser.Response.StatusCode())

	otherUser := request("u-2", "10.0.0.1")
	assert.Equal(t, fasthttp.StatusOK, otherUser.Response.StatusCode())
}

func TestRateLimiterIncludeMethod(t *testing.T) {
	limiter := newTestRateLimiter(t, &types.RateLimitConfig{
		Enabled:       true,
		Limit:         1,
		Window:        time.Minute,
		IncludeMethod: true,
	})

	handler := limiter.Wrap(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	first := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")
	require.Equal(t, fasthttp.StatusOK, first.Response.StatusCode())

	limited := makeRequest(handler, "GET", "/api/companies", "10.0.0.1")
	require.Equal(t, fasthttp.StatusTooManyRequests, limited.Response.StatusCode())

	post := makeRequest(handler, "POST", "/api/companies", "10.0.0.1")
	assert.Equal(t, fasthttp.StatusOK, post.Response.StatusCode(),
		"each method gets its own window when configured")
}

func TestExtractRealIPForwardedFor(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1, 10.0.0.2")

	assert.Equal(t, "203.0.113.5", string(extractRealIP(ctx)))

	// X-Real-IP wins over X-Forwarded-For.
	ctx.Request.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", string(extractRealIP(ctx)))
}

package middleware

import (
	"bytes"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

var (
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
	userIDHeader    = []byte("X-User-ID")
	commaBytes      = []byte(",")
)

const rateLimitedBody = `{"error":{"code":"RATE_LIMITED","message":"Too many requests, please try again later"}}`

// RateLimiter is a fasthttp middleware enforcing fixed-window limits
// through the cache service. Counters live in the shared store, so the
// limit holds across all processes pointing at the same backend. When
// the store is unreachable the limiter is permissive: requests pass.
type RateLimiter struct {
	logger types.Logger
	cache  types.CacheService
	config *types.RateLimitConfig
}

func NewRateLimiter(logger types.Logger, cache types.CacheService, config *types.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		logger: logger,
		cache:  cache,
		config: config,
	}
}

// Wrap returns next guarded by the rate limit. Disabled config returns
// next untouched.
func (rl *RateLimiter) Wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if rl.config == nil || !rl.config.Enabled {
		return next
	}

	return func(ctx *fasthttp.RequestCtx) {
		identifier := rl.identify(ctx)

		result := rl.cache.CheckRateLimit(ctx, identifier, rl.config.Limit, rl.config.Window)
		if !result.Allowed {
			rl.logger.Debug("Rate limit exceeded",
				zap.String("identifier", identifier),
				zap.Int64("limit", result.Limit))
			rl.reject(ctx, result)
			return
		}

		setLimitHeaders(ctx, result)
		next(ctx)
	}
}

// identify builds the window key for a request. Authenticated requests
// are limited per user, anonymous ones per client IP; both are scoped
// to the request path so a hot endpoint cannot starve the rest.
func (rl *RateLimiter) identify(ctx *fasthttp.RequestCtx) string {
	var buf bytes.Buffer

	if rl.config.IncludeMethod {
		buf.Write(ctx.Method())
		buf.WriteByte(':')
	}

	if userID := ctx.Request.Header.PeekBytes(userIDHeader); len(userID) > 0 {
		buf.WriteString("user:")
		buf.Write(userID)
	} else {
		buf.WriteString("ip:")
		buf.Write(extractRealIP(ctx))
	}

	buf.WriteByte(':')
	buf.Write(ctx.Path())

	return buf.String()
}

func (rl *RateLimiter) reject(ctx *fasthttp.RequestCtx, result types.RateLimitResult) {
	retryAfter := int(result.ResetIn.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.Response.Header.SetContentType("application/json")
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	setLimitHeaders(ctx, result)

	ctx.SetBodyString(rateLimitedBody)
}

func setLimitHeaders(ctx *fasthttp.RequestCtx, result types.RateLimitResult) {
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// extractRealIP prefers proxy headers over the socket peer so limits
// follow the actual client behind a load balancer.
func extractRealIP(ctx *fasthttp.RequestCtx) []byte {
	if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
		return realIP
	}

	if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
		if comma := bytes.Index(forwarded, commaBytes); comma > 0 {
			return bytes.TrimSpace(forwarded[:comma])
		}
		return bytes.TrimSpace(forwarded)
	}

	return []byte(ctx.RemoteIP().String())
}

// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// strategyKey is the context key for propagating the strategy to background goroutines.
	strategyKey contextKey = "strategy"
)

// CacheResult represents how a response was produced relative to the cache.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheBypass   CacheResult = "bypass"
	CacheFallback CacheResult = "fallback"
	CacheNA       CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Strategy    string
	CacheResult CacheResult
	Route       string
	Version     string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetStrategy sets the fetch strategy tag for metrics and logging.
func SetStrategy(ctx context.Context, strategy string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Strategy = strategy
	}
}

// SetRoute sets the server route for logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetVersion records which worker version handled the request.
func SetVersion(ctx context.Context, version string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Version = version
	}
}

// StrategyFromContext retrieves the strategy from a context.
// It checks both background contexts (set by WithStrategyContext) and
// request contexts (set by SetStrategy via InjectTags).
func StrategyFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(strategyKey).(string); ok && s != "" {
		return s
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Strategy
	}
	return ""
}

// WithStrategyContext returns a context with the strategy stored.
// Use this to propagate the strategy into goroutines that outlive the request context.
func WithStrategyContext(ctx context.Context, strategy string) context.Context {
	return context.WithValue(ctx, strategyKey, strategy)
}

package proxy

import (
	"context"
	"net/url"

	"github.com/apibuddy/api-buddy/internal/cache"
	"github.com/apibuddy/api-buddy/internal/database"
	"github.com/apibuddy/api-buddy/internal/throttle"
)

// ResponseCache is what the pipeline needs from the cache engine.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (*cache.Response, bool, error)
	Store(ctx context.Context, key string, resp *cache.Response, domain string) error
}

// Throttler is what the pipeline needs from the throttle manager.
type Throttler interface {
	RecordRequest(domain string)
	ShouldThrottle(domain string) bool
	Delay(domain string) int
	Info(domain string) throttle.RateInfo
}

// KeyGate is what the pipeline needs from the security gate.
type KeyGate interface {
	Enabled() bool
	Extract(path string, header func(string) string, query url.Values) (secret, sanitizedPath string)
	Validate(secret string) bool
}

// MetricsLog receives one row per handled request.
type MetricsLog interface {
	InsertMetric(ctx context.Context, row database.MetricRow) error
}

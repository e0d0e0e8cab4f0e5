package resilience

import (
	"context"
)

// RateLimiter bounds the request rate toward a single webhook destination.
// This allows swapping between in-memory and Redis-backed implementations.
type RateLimiter interface {
	// Allow reports whether a request to the webhook is currently allowed.
	// Returns false when the destination's rate limit has been exhausted.
	Allow(ctx context.Context, webhookID string, limit int) (bool, error)
}

// InMemoryRateLimiterAdapter adapts RateLimiterManager to the RateLimiter
// interface for single-instance deployments.
type InMemoryRateLimiterAdapter struct {
	manager *RateLimiterManager
}

func NewInMemoryRateLimiterAdapter(config RateLimiterConfig) *InMemoryRateLimiterAdapter {
	return &InMemoryRateLimiterAdapter{
		manager: NewRateLimiterManager(config),
	}
}

// Allow implements RateLimiter.
func (a *InMemoryRateLimiterAdapter) Allow(ctx context.Context, webhookID string, limit int) (bool, error) {
	a.manager.SetRateIfNotExists(webhookID, float64(limit), limit/10+1)
	return a.manager.Allow(webhookID), nil
}

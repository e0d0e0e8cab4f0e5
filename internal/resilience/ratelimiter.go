package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// RateLimiterManager maintains per-webhook token bucket limiters.
// It uses lazy initialization with double-checked locking for thread safety.
// Each webhook gets its own independent limiter so one slow destination
// cannot starve deliveries to others.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the rate limiter for a webhook, creating one if needed.
// Uses double-checked locking pattern for optimal concurrent performance.
func (m *RateLimiterManager) GetLimiter(webhookID string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[webhookID]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[webhookID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[webhookID] = limiter
	return limiter
}

// Allow reports whether a request to the webhook is allowed right now.
// Returns false if the rate limit has been exceeded.
func (m *RateLimiterManager) Allow(webhookID string) bool {
	return m.GetLimiter(webhookID).Allow()
}

// Wait returns how long the caller would need to wait before the next request
// would be allowed. Useful for choosing a deferral delay.
func (m *RateLimiterManager) Wait(webhookID string) time.Duration {
	limiter := m.GetLimiter(webhookID)
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return 0
	}
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}

// SetRate configures a custom rate limit for a specific webhook.
func (m *RateLimiterManager) SetRate(webhookID string, requestsPerSecond float64, burstSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
	m.limiters[webhookID] = limiter
}

// SetRateIfNotExists configures a rate limit only if one doesn't already exist.
// Used to lazily initialize limiters with per-webhook settings.
func (m *RateLimiterManager) SetRateIfNotExists(webhookID string, requestsPerSecond float64, burstSize int) {
	m.mu.RLock()
	_, exists := m.limiters[webhookID]
	m.mu.RUnlock()

	if exists {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists = m.limiters[webhookID]; exists {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
	m.limiters[webhookID] = limiter
}

// Remove deletes the rate limiter for a webhook, freeing memory.
// Should be called when a webhook is deleted.
func (m *RateLimiterManager) Remove(webhookID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, webhookID)
}

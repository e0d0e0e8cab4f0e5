package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Semaphore caps concurrent in-flight requests to a single destination.
type Semaphore interface {
	// Acquire attempts to acquire a slot. Returns true if acquired, false if
	// the destination is already at its concurrency limit. The caller must
	// call Release when done if Acquire returns true.
	Acquire(ctx context.Context, webhookID string) (bool, error)
	// Release releases a previously acquired slot.
	Release(ctx context.Context, webhookID string) error
}

// RedisSemaphore implements a distributed semaphore using Redis.
// It uses a counter with TTL to track concurrent usage across instances, so a
// fleet of workers retrying against the same webhook cannot pile more than
// the configured number of simultaneous requests onto it.
type RedisSemaphore struct {
	client   *redis.Client
	limit    int
	ttl      time.Duration
	fallback *LocalSemaphoreManager
	logger   *slog.Logger
}

// RedisSemaphoreConfig holds configuration for the Redis semaphore.
type RedisSemaphoreConfig struct {
	// Limit is the maximum concurrent acquisitions per webhook (default: 10)
	Limit int
	// TTL is how long an acquisition is valid before auto-release (default: 30s)
	// This prevents deadlocks if a worker crashes without releasing.
	TTL time.Duration
}

// DefaultRedisSemaphoreConfig returns sensible defaults.
func DefaultRedisSemaphoreConfig() RedisSemaphoreConfig {
	return RedisSemaphoreConfig{
		Limit: 10,
		TTL:   30 * time.Second,
	}
}

// NewRedisSemaphore creates a new Redis-backed distributed semaphore.
func NewRedisSemaphore(client *redis.Client, config RedisSemaphoreConfig, logger *slog.Logger) *RedisSemaphore {
	if config.Limit <= 0 {
		config.Limit = 10
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisSemaphore{
		client:   client,
		limit:    config.Limit,
		ttl:      config.TTL,
		fallback: NewLocalSemaphoreManager(config.Limit),
		logger:   logger,
	}
}

// acquireScript atomically checks and increments the semaphore counter.
// Returns 1 if acquired, 0 if limit reached.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])

local current = redis.call('GET', key)
if not current then
    current = 0
else
    current = tonumber(current)
end

if current < limit then
    redis.call('INCR', key)
    redis.call('PEXPIRE', key, ttl_ms)
    return 1
else
    return 0
end
`)

// Acquire attempts to acquire a semaphore slot for the given webhook.
// Returns true if acquired, false if the limit is reached.
func (s *RedisSemaphore) Acquire(ctx context.Context, webhookID string) (bool, error) {
	redisKey := fmt.Sprintf("sem:%s", webhookID)
	ttlMs := s.ttl.Milliseconds()

	result, err := acquireScript.Run(ctx, s.client, []string{redisKey}, s.limit, ttlMs).Int()
	if err != nil {
		s.logger.Warn("redis semaphore acquire failed, using fallback",
			"error", err,
			"webhook_id", webhookID,
		)
		return s.fallback.Acquire(webhookID), nil
	}

	return result == 1, nil
}

// Release releases a semaphore slot for the given webhook.
func (s *RedisSemaphore) Release(ctx context.Context, webhookID string) error {
	redisKey := fmt.Sprintf("sem:%s", webhookID)

	// Decrement but don't go below 0
	result, err := s.client.Decr(ctx, redisKey).Result()
	if err != nil {
		s.logger.Warn("redis semaphore release failed",
			"error", err,
			"webhook_id", webhookID,
		)
		s.fallback.Release(webhookID)
		return nil
	}

	// If we went negative, reset to 0 (shouldn't happen in normal operation)
	if result < 0 {
		s.client.Set(ctx, redisKey, 0, s.ttl)
	}

	return nil
}

// LocalSemaphoreManager provides in-memory semaphores as fallback.
type LocalSemaphoreManager struct {
	limit      int
	mu         sync.Mutex
	semaphores map[string]chan struct{}
}

// NewLocalSemaphoreManager creates a new local semaphore manager.
func NewLocalSemaphoreManager(limit int) *LocalSemaphoreManager {
	return &LocalSemaphoreManager{
		limit:      limit,
		semaphores: make(map[string]chan struct{}),
	}
}

func (m *LocalSemaphoreManager) get(webhookID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, exists := m.semaphores[webhookID]
	if !exists {
		sem = make(chan struct{}, m.limit)
		m.semaphores[webhookID] = sem
	}
	return sem
}

// Acquire attempts to acquire a local semaphore slot (non-blocking).
func (m *LocalSemaphoreManager) Acquire(webhookID string) bool {
	select {
	case m.get(webhookID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a local semaphore slot.
func (m *LocalSemaphoreManager) Release(webhookID string) {
	select {
	case <-m.get(webhookID):
	default:
	}
}

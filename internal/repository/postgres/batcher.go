package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/repository"
)

// BatcherConfig configures outcome-update coalescing.
type BatcherConfig struct {
	// MaxSize is the maximum number of updates to coalesce before flushing.
	MaxSize int
	// MaxWait is the maximum time to hold a partial batch before flushing.
	MaxWait time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

type pendingUpdate struct {
	rec  *domain.Delivery
	done chan error
}

// DeliveryBatcher decorates a DeliveryRepository so concurrent Update calls
// from the worker pool coalesce into UpdateBatch flushes, either when the
// batch fills or after MaxWait, whichever comes first. Each caller blocks
// until its record is persisted and receives the flush error, so update
// semantics are unchanged apart from latency. All other repository methods
// pass through.
type DeliveryBatcher struct {
	repository.DeliveryRepository

	config BatcherConfig

	mu      sync.Mutex
	pending []pendingUpdate
	timer   *time.Timer

	shutdown chan struct{}
	done     chan struct{}
}

func NewDeliveryBatcher(inner repository.DeliveryRepository, config BatcherConfig) *DeliveryBatcher {
	b := &DeliveryBatcher{
		DeliveryRepository: inner,
		config:             config,
		pending:            make([]pendingUpdate, 0, config.MaxSize),
		shutdown:           make(chan struct{}),
		done:               make(chan struct{}),
	}
	go b.run()
	return b
}

// Update queues the record and blocks until it is persisted.
func (b *DeliveryBatcher) Update(ctx context.Context, rec *domain.Delivery) error {
	done := make(chan error, 1)

	b.mu.Lock()
	b.pending = append(b.pending, pendingUpdate{rec: rec, done: done})
	shouldFlush := len(b.pending) >= b.config.MaxSize

	// Start the timer when the first update opens a batch.
	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}

	if shouldFlush {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes any pending updates and stops the batcher.
func (b *DeliveryBatcher) Shutdown(ctx context.Context) error {
	close(b.shutdown)

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.flushLocked()
	}
	return nil
}

func (b *DeliveryBatcher) run() {
	defer close(b.done)
	<-b.shutdown
}

// flushLocked hands the pending batch to a flush goroutine. Must be called
// with mu held.
func (b *DeliveryBatcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	toFlush := b.pending
	b.pending = make([]pendingUpdate, 0, b.config.MaxSize)

	go b.executeBatch(toFlush)
}

func (b *DeliveryBatcher) executeBatch(updates []pendingUpdate) {
	recs := make([]*domain.Delivery, len(updates))
	for i, pu := range updates {
		recs[i] = pu.rec
	}

	err := b.DeliveryRepository.UpdateBatch(context.Background(), recs)

	for _, pu := range updates {
		pu.done <- err
		close(pu.done)
	}
}

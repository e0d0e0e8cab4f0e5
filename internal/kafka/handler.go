package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/observability"
)

// Dispatcher fans a validated geofence event out to its webhooks and returns
// the delivery records it created. The handler only cares about the error;
// the records are for callers that track what a dispatch produced.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.GeofenceEvent) ([]*domain.Delivery, error)
}

// DispatchHandler adapts topic messages to the dispatcher. It decides which
// failures are worth a redelivery: malformed events are logged and dropped,
// persistence failures bubble up so the consumer withholds the commit.
type DispatchHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewDispatchHandler(dispatcher Dispatcher, logger *slog.Logger) *DispatchHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DispatchHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (h *DispatchHandler) WithMetrics(m *observability.Metrics) *DispatchHandler {
	h.metrics = m
	return h
}

// Handle dispatches one event. Events the dispatcher rejects as invalid
// return nil: redelivering a malformed event reproduces the same rejection
// forever, so the offset must move past it.
func (h *DispatchHandler) Handle(ctx context.Context, msg *EventMessage) error {
	_, err := h.dispatcher.Dispatch(ctx, msg.ToEvent())
	if err == nil {
		return nil
	}

	if errors.Is(err, domain.ErrInvalidInput) {
		h.logger.Warn("dropping invalid event",
			"error", err,
			"event_id", msg.ID,
			"event_type", msg.Type,
		)
		if h.metrics != nil {
			h.metrics.EventsInvalid.Inc()
		}
		return nil
	}

	return err
}

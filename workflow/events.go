package workflow

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is a typed domain event. Producers publish; the webhook dispatcher,
// batch aggregation and the optional Pub/Sub mirror subscribe independently.
type Event struct {
	Type          models.EventType `json:"event_type"`
	BusinessId    string           `json:"business_id"`
	Payload       map[string]any   `json:"payload"`
	OccurredAt    time.Time        `json:"occurred_at"`
	CorrelationId string           `json:"correlation_id"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type Subscriber func(ctx context.Context, event Event)

// EventBus fans events out to registered subscribers in-process. Subscribers
// run synchronously in registration order; a subscriber that needs durability
// writes a job row and returns.
type EventBus struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	mirrorPubSub bool
}

func NewEventBus(logger *logrus.Logger) *EventBus {
	return &EventBus{
		logger:       logger,
		mirrorPubSub: config.PubSubEnabled(),
	}
}

func (b *EventBus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

func (b *EventBus) Publish(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.CorrelationId == "" {
		event.CorrelationId = uuid.NewString()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		s(ctx, event)
	}

	if b.mirrorPubSub {
		if _, err := config.PublishDomainEvent(ctx, event); err != nil {
			b.logger.WithFields(logrus.Fields{
				"module":      "EventBus",
				"event_type":  event.Type,
				"business_id": event.BusinessId,
			}).Warn("failed to mirror event to pubsub: " + err.Error())
		}
	}
}

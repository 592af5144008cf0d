// Package broadcast fans order events out to connected event-channel
// subscribers. Delivery is best-effort and at most once; clients close the
// gap with a snapshot after reconnecting.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/google/uuid"
)

// CreatedPolicy decides which customer subscribers see order-created.
type CreatedPolicy string

const (
	// CreatedToKitchenAndOwner sends order-created to kitchen subscribers and
	// to customer subscribers whose identity matches the order.
	CreatedToKitchenAndOwner CreatedPolicy = "kitchen_and_owner"
	// CreatedToEveryone keeps the original broadcast-to-all behaviour.
	CreatedToEveryone CreatedPolicy = "everyone"
)

type Options struct {
	Buffer        int
	CreatedPolicy CreatedPolicy
}

type Subscription struct {
	ID       string
	Role     domain.Role
	Customer string

	events chan interfaces.OrderEvent
}

// Events is closed when the subscription ends, either by Unsubscribe or
// because the subscriber fell behind and was dropped.
func (s *Subscription) Events() <-chan interfaces.OrderEvent {
	return s.events
}

type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	opts   Options
	logger logger.Logger
	m      *metrics.Metrics
}

var _ interfaces.EventPublisher = (*Broadcaster)(nil)

func New(lgr logger.Logger, m *metrics.Metrics, opts Options) *Broadcaster {
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	if opts.CreatedPolicy == "" {
		opts.CreatedPolicy = CreatedToKitchenAndOwner
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		opts:   opts,
		logger: lgr,
		m:      m,
	}
}

func (b *Broadcaster) Subscribe(join interfaces.JoinRequest) (*Subscription, error) {
	if !join.Role.Valid() {
		return nil, domain.NewValidationError(domain.FieldError{
			Field:   "role",
			Message: fmt.Sprintf("role must be %s or %s", domain.RoleCustomer, domain.RoleKitchen),
		})
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		Role:     join.Role,
		Customer: strings.TrimSpace(join.Customer),
		events:   make(chan interfaces.OrderEvent, b.opts.Buffer),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.m.Subscribers.WithLabelValues(string(sub.Role)).Inc()
	b.logger.Debug("subscriber_joined", "Event channel subscriber joined", "", map[string]interface{}{
		"subscriber_id": sub.ID,
		"role":          sub.Role,
		"customer":      sub.Customer,
	})
	return sub, nil
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if b.remove(sub.ID) {
		b.logger.Debug("subscriber_left", "Event channel subscriber left", "", map[string]interface{}{
			"subscriber_id": sub.ID,
		})
	}
}

// remove closes the subscription channel under the write lock so no
// concurrent Publish can be sending on it.
func (b *Broadcaster) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	close(sub.events)
	b.m.Subscribers.WithLabelValues(string(sub.Role)).Dec()
	return true
}

// Publish never blocks on a subscriber. One whose buffer is full loses the
// event and is disconnected so it reconciles from a fresh snapshot.
func (b *Broadcaster) Publish(ctx context.Context, event interfaces.OrderEvent) error {
	var lagging []string

	b.mu.RLock()
	for id, sub := range b.subs {
		if !b.wants(sub, event) {
			continue
		}
		select {
		case sub.events <- event:
			b.m.EventsDelivered.WithLabelValues(string(event.Type)).Inc()
		default:
			b.m.EventsDropped.WithLabelValues(string(event.Type)).Inc()
			lagging = append(lagging, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range lagging {
		if b.remove(id) {
			b.logger.Warn("subscriber_dropped", "Subscriber fell behind and was disconnected", "", map[string]interface{}{
				"subscriber_id": id,
				"order_id":      event.Order.ID,
				"event":         event.Type,
			})
		}
	}
	return nil
}

// wants is the delivery-time subscription predicate.
func (b *Broadcaster) wants(sub *Subscription, event interfaces.OrderEvent) bool {
	if sub.Role == domain.RoleKitchen {
		return true
	}

	owner := sub.Customer != "" && strings.EqualFold(sub.Customer, strings.TrimSpace(event.Order.CustomerName))

	switch event.Type {
	case interfaces.EventOrderCreated:
		return b.opts.CreatedPolicy == CreatedToEveryone || owner
	case interfaces.EventOrderStatusChanged:
		return sub.Customer == "" || owner
	default:
		return false
	}
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.remove(id)
	}
}

package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/YelzhanWeb/pizzasync/internal/lock"
)

// OrderStore keeps orders in process memory. The map lock is held only for
// reads and copies; transitions are serialized per order id.
type OrderStore struct {
	mu      sync.RWMutex
	orders  map[string]*domain.Order
	history map[string][]*domain.StatusLog

	locks *lock.Keyed
}

var _ interfaces.OrderStore = (*OrderStore)(nil)

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:  make(map[string]*domain.Order),
		history: make(map[string][]*domain.StatusLog),
		locks:   lock.NewKeyed(),
	}
}

func (s *OrderStore) Create(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[order.ID] = order.Clone()
	s.history[order.ID] = []*domain.StatusLog{{
		OrderID:   order.ID,
		Status:    order.Status,
		ChangedBy: "order-service",
		ChangedAt: order.CreatedAt,
	}}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, domain.NewNotFoundError(id)
	}
	return order.Clone(), nil
}

func (s *OrderStore) List(ctx context.Context) ([]*domain.Order, error) {
	s.mu.RLock()
	out := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, domain.NewestFirst)
	return out, nil
}

func (s *OrderStore) ApplyTransition(ctx context.Context, id string, t domain.Transition, changedBy string) (*domain.Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := current.Apply(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.orders[id] = current.Clone()
	s.history[id] = append(s.history[id], &domain.StatusLog{
		OrderID:   id,
		Status:    t.To,
		ChangedBy: changedBy,
		ChangedAt: current.UpdatedAt,
	})
	s.mu.Unlock()

	return current, nil
}

func (s *OrderStore) GetStatusHistory(ctx context.Context, id string) ([]*domain.StatusLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs, ok := s.history[id]
	if !ok {
		return nil, domain.NewNotFoundError(id)
	}
	out := make([]*domain.StatusLog, len(logs))
	for i, l := range logs {
		c := *l
		out[i] = &c
	}
	return out, nil
}

// IdempotencyStore is the in-process fallback used when no Redis is configured.
type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]idemEntry
	now  func() time.Time
}

type idemEntry struct {
	orderID   string
	expiresAt time.Time
}

var _ interfaces.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{keys: make(map[string]idemEntry), now: time.Now}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.keys[key]; ok && s.now().Before(e.expiresAt) {
		return e.orderID, false, nil
	}
	s.keys[key] = idemEntry{expiresAt: s.now().Add(ttl)}
	return "", true, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, orderID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = idemEntry{orderID: orderID, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	return nil
}

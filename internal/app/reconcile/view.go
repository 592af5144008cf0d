package reconcile

import (
	"slices"
	"sync"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
)

// Change describes one accepted upsert. Previous is empty for an order
// the view had not seen before.
type Change struct {
	Order    domain.Order
	Previous domain.Status
}

// View is a client's local copy of the orders it can see. Status never
// moves backwards through Upsert; only a snapshot Replace may do that.
type View struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	ready    bool
	onChange func(Change)
}

func NewView() *View {
	return &View{orders: make(map[string]*domain.Order)}
}

// OnChange registers fn for every upsert that changes the view. It is
// called without the view lock held.
func (v *View) OnChange(fn func(Change)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

// Upsert inserts an unknown order or replaces a known one unless the
// incoming status is earlier than the local one. It reports whether the
// view changed; re-applying the same event is a no-op.
func (v *View) Upsert(order domain.Order) bool {
	v.mu.Lock()
	local, ok := v.orders[order.ID]
	if ok && order.Status.Before(local.Status) {
		v.mu.Unlock()
		return false
	}
	v.orders[order.ID] = order.Clone()
	if ok && local.Status == order.Status {
		v.mu.Unlock()
		return false
	}

	change := Change{Order: *order.Clone()}
	if ok {
		change.Previous = local.Status
	}
	fn := v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn(change)
	}
	return true
}

// Replace swaps the whole view for a snapshot and marks it ready.
func (v *View) Replace(orders []*domain.Order) {
	v.ReplaceIf(nil, orders)
}

// ReplaceIf is Replace guarded by cond, which runs under the view lock.
func (v *View) ReplaceIf(cond func() bool, orders []*domain.Order) bool {
	next := make(map[string]*domain.Order, len(orders))
	for _, o := range orders {
		next[o.ID] = o.Clone()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cond != nil && !cond() {
		return false
	}
	v.orders = next
	v.ready = true
	return true
}

// MarkStale keeps the orders but records that the view may be behind.
func (v *View) MarkStale() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ready = false
}

func (v *View) Ready() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ready
}

func (v *View) Get(id string) (domain.Order, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	o, ok := v.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o.Clone(), true
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.orders)
}

// Snapshot returns copies of every order, newest first.
func (v *View) Snapshot() []*domain.Order {
	v.mu.RLock()
	out := make([]*domain.Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o.Clone())
	}
	v.mu.RUnlock()

	slices.SortFunc(out, domain.NewestFirst)
	return out
}

// ByStatus groups the view into one column per status, each newest first.
// Every status has an entry, possibly empty.
func (v *View) ByStatus() map[domain.Status][]*domain.Order {
	groups := make(map[domain.Status][]*domain.Order, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		groups[s] = []*domain.Order{}
	}
	for _, o := range v.Snapshot() {
		groups[o.Status] = append(groups[o.Status], o)
	}
	return groups
}

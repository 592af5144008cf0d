package reconcile

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/apiclient"
	httpadapter "github.com/YelzhanWeb/pizzasync/internal/adapter/http"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/memory"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/ws"
	"github.com/YelzhanWeb/pizzasync/internal/app/broadcast"
	"github.com/YelzhanWeb/pizzasync/internal/app/kitchen"
	ordersvc "github.com/YelzhanWeb/pizzasync/internal/app/order"
	"github.com/YelzhanWeb/pizzasync/internal/app/tracking"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream delivers whatever is pushed on events; closing it drops the
// connection.
type fakeStream struct {
	events chan interfaces.OrderEvent
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan interfaces.OrderEvent, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Recv() (interfaces.OrderEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return interfaces.OrderEvent{}, domain.NewConnectionLost(nil)
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	streams chan *fakeStream
	dials   atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, join interfaces.JoinRequest) (interfaces.EventStream, error) {
	d.dials.Add(1)
	select {
	case s := <-d.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeSource struct {
	calls atomic.Int32
	fn    func(call int32) ([]*domain.Order, error)
}

func (s *fakeSource) ListOrders(ctx context.Context) ([]*domain.Order, error) {
	return s.fn(s.calls.Add(1))
}

func fastOpts() Options {
	return Options{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
}

func run(t *testing.T, r *Reconciler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func statusOf(v *View, id string) domain.Status {
	o, ok := v.Get(id)
	if !ok {
		return ""
	}
	return o.Status
}

func TestReconciler_BufferedEventsApplyAfterSnapshot(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: make(chan *fakeStream, 1)}
	dialer.streams <- stream

	release := make(chan struct{})
	stale := order("a", domain.StatusPending, 0)
	source := &fakeSource{fn: func(int32) ([]*domain.Order, error) {
		<-release
		return []*domain.Order{&stale}, nil
	}}

	view := NewView()
	r := New(dialer, source, view, interfaces.JoinRequest{Role: domain.RoleKitchen}, fastOpts(), logger.Nop())
	run(t, r)

	// the event overtakes the snapshot; it must survive the Replace
	stream.events <- interfaces.OrderEvent{Type: interfaces.EventOrderStatusChanged, Order: order("a", domain.StatusPreparing, 0)}
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return view.Ready() && statusOf(view, "a") == domain.StatusPreparing
	}, time.Second, time.Millisecond)
}

func TestReconciler_SnapshotRetriedWithoutRedial(t *testing.T) {
	dialer := &fakeDialer{streams: make(chan *fakeStream, 1)}
	dialer.streams <- newFakeStream()

	a := order("a", domain.StatusReady, 0)
	source := &fakeSource{fn: func(call int32) ([]*domain.Order, error) {
		if call < 3 {
			return nil, domain.NewNetworkError("GET /orders", errors.New("connection refused"))
		}
		return []*domain.Order{&a}, nil
	}}

	view := NewView()
	r := New(dialer, source, view, interfaces.JoinRequest{Role: domain.RoleKitchen}, fastOpts(), logger.Nop())
	run(t, r)

	require.Eventually(t, view.Ready, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), source.calls.Load())
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, domain.StatusReady, statusOf(view, "a"))
}

func TestReconciler_StaleSnapshotDiscarded(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	dialer := &fakeDialer{streams: make(chan *fakeStream, 2)}
	dialer.streams <- first
	dialer.streams <- second

	release := make(chan struct{})
	oldA := order("a", domain.StatusPending, 0)
	newA := order("a", domain.StatusDelivered, 0)
	source := &fakeSource{fn: func(call int32) ([]*domain.Order, error) {
		if call == 1 {
			<-release
			return []*domain.Order{&oldA}, nil
		}
		return []*domain.Order{&newA}, nil
	}}

	view := NewView()
	r := New(dialer, source, view, interfaces.JoinRequest{Role: domain.RoleKitchen}, fastOpts(), logger.Nop())
	run(t, r)

	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)
	first.Close()

	require.Eventually(t, func() bool {
		return view.Ready() && statusOf(view, "a") == domain.StatusDelivered
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), r.Epoch())

	close(release)
	assert.Never(t, func() bool {
		return statusOf(view, "a") != domain.StatusDelivered
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestReconciler_DuplicateEventsConverge(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: make(chan *fakeStream, 1)}
	dialer.streams <- stream

	a := order("a", domain.StatusPending, 0)
	source := &fakeSource{fn: func(int32) ([]*domain.Order, error) { return []*domain.Order{&a}, nil }}

	view := NewView()
	var changes atomic.Int32
	view.OnChange(func(Change) { changes.Add(1) })

	r := New(dialer, source, view, interfaces.JoinRequest{Role: domain.RoleKitchen}, fastOpts(), logger.Nop())
	run(t, r)
	require.Eventually(t, view.Ready, time.Second, time.Millisecond)

	ev := interfaces.OrderEvent{Type: interfaces.EventOrderStatusChanged, Order: order("a", domain.StatusPreparing, 0)}
	stream.events <- ev
	stream.events <- ev
	stale := interfaces.OrderEvent{Type: interfaces.EventOrderStatusChanged, Order: order("a", domain.StatusPending, 0)}
	stream.events <- stale

	require.Eventually(t, func() bool { return len(stream.events) == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return statusOf(view, "a") == domain.StatusPreparing }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return changes.Load() != 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

// gatedDialer holds reconnects until the test opens the gate.
type gatedDialer struct {
	inner interfaces.EventDialer
	mu    sync.Mutex
	gate  chan struct{}
}

func (d *gatedDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

func (d *gatedDialer) open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.gate)
}

func (d *gatedDialer) Dial(ctx context.Context, join interfaces.JoinRequest) (interfaces.EventStream, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.inner.Dial(ctx, join)
}

func TestReconciler_ConvergesAfterMissedTransitions(t *testing.T) {
	lgr := logger.Nop()
	m := metrics.NewUnregistered()
	store := memory.NewOrderStore()
	bus := broadcast.New(lgr, m, broadcast.Options{})
	orders := ordersvc.NewService(store, memory.NewIdempotencyStore(), bus, lgr, m)
	kitchenSvc := kitchen.NewService(store, bus, lgr, m)

	srv := httptest.NewServer(httpadapter.NewRouter(httpadapter.RouterConfig{
		Orders:   httpadapter.NewOrderHandler(orders, kitchenSvc, lgr),
		Tracking: httpadapter.NewTrackingHandler(tracking.NewService(store, lgr), lgr),
		Events:   ws.NewServer(bus, orders, kitchenSvc, lgr),
		Logger:   lgr,
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)

	ctx := context.Background()
	create := func(name string) string {
		res, err := orders.CreateOrder(ctx, interfaces.CreateOrderCommand{
			CustomerName: name,
			Pizzas:       []interfaces.CreateOrderItemCommand{{PizzaType: "Supreme", Size: "Medium", Quantity: 1}},
		})
		require.NoError(t, err)
		return res.Order.ID
	}
	advance := func(id, status string) {
		_, err := kitchenSvc.AdvanceStatus(ctx, interfaces.AdvanceStatusCommand{OrderID: id, Status: status})
		require.NoError(t, err)
	}

	first := create("Alice")
	second := create("Bob")

	api := apiclient.New(srv.URL+"/api", time.Second, "kitchen", lgr)
	dialer := &gatedDialer{inner: ws.NewDialer("ws" + strings.TrimPrefix(srv.URL, "http") + "/events")}
	view := NewView()
	r := New(dialer, api, view, interfaces.JoinRequest{Role: domain.RoleKitchen}, fastOpts(), lgr)
	run(t, r)

	require.Eventually(t, func() bool { return view.Ready() && view.Len() == 2 }, 5*time.Second, 5*time.Millisecond)

	// live event while connected
	advance(first, "Preparing")
	require.Eventually(t, func() bool { return statusOf(view, first) == domain.StatusPreparing }, 5*time.Second, 5*time.Millisecond)

	// drop the channel and change things while the client cannot reconnect
	dialer.close()
	bus.Close()
	require.Eventually(t, func() bool { return !view.Ready() }, 5*time.Second, 5*time.Millisecond)

	advance(first, "Ready")
	advance(first, "Delivered")
	advance(second, "Preparing")
	third := create("Carol")

	dialer.open()

	expected, err := store.List(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if !view.Ready() || view.Len() != len(expected) {
			return false
		}
		for _, o := range expected {
			if statusOf(view, o.ID) != o.Status {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.StatusDelivered, statusOf(view, first))
	assert.Equal(t, domain.StatusPreparing, statusOf(view, second))
	assert.Equal(t, domain.StatusPending, statusOf(view, third))

	var ids []string
	for _, o := range view.Snapshot() {
		ids = append(ids, o.ID)
	}
	var want []string
	for _, o := range expected {
		want = append(want, o.ID)
	}
	assert.Equal(t, want, ids)
}

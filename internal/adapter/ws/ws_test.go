package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/memory"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/YelzhanWeb/pizzasync/internal/app/broadcast"
	"github.com/YelzhanWeb/pizzasync/internal/app/kitchen"
	"github.com/YelzhanWeb/pizzasync/internal/app/order"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	url     string
	bus     *broadcast.Broadcaster
	orders  *order.Service
	kitchen *kitchen.Service
}

func setup(t *testing.T) fixture {
	lgr := logger.Nop()
	m := metrics.NewUnregistered()
	store := memory.NewOrderStore()
	bus := broadcast.New(lgr, m, broadcast.Options{})

	f := fixture{
		bus:     bus,
		orders:  order.NewService(store, memory.NewIdempotencyStore(), bus, lgr, m),
		kitchen: kitchen.NewService(store, bus, lgr, m),
	}
	srv := httptest.NewServer(NewServer(bus, f.orders, f.kitchen, lgr))
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)

	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f fixture) dial(t *testing.T, join interfaces.JoinRequest) *Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewDialer(f.url).Dial(ctx, join)
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })

	s := stream.(*Stream)
	require.NotEmpty(t, s.SubscriberID())
	return s
}

func (f fixture) createOrder(t *testing.T, customer string) *domain.Order {
	t.Helper()
	res, err := f.orders.CreateOrder(context.Background(), interfaces.CreateOrderCommand{
		CustomerName: customer,
		Pizzas:       []interfaces.CreateOrderItemCommand{{PizzaType: "Pepperoni", Size: "Large", Quantity: 1}},
	})
	require.NoError(t, err)
	return res.Order
}

func waitSubscribers(t *testing.T, bus *broadcast.Broadcaster, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Count() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestDial_KitchenReceivesLifecycle(t *testing.T) {
	f := setup(t)
	stream := f.dial(t, interfaces.JoinRequest{Role: domain.RoleKitchen})
	waitSubscribers(t, f.bus, 1)

	created := f.createOrder(t, "Alice")
	_, err := f.kitchen.AdvanceStatus(context.Background(), interfaces.AdvanceStatusCommand{
		OrderID: created.ID,
		Status:  "Preparing",
	})
	require.NoError(t, err)

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, interfaces.EventOrderCreated, ev.Type)
	assert.Equal(t, created.ID, ev.Order.ID)
	assert.True(t, created.TotalPrice.Equal(ev.Order.TotalPrice))

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, interfaces.EventOrderStatusChanged, ev.Type)
	assert.Equal(t, domain.StatusPreparing, ev.Order.Status)
	assert.Equal(t, domain.StatusPending, ev.PreviousStatus)
}

func TestDial_CustomerOnlySeesOwnOrders(t *testing.T) {
	f := setup(t)
	stream := f.dial(t, interfaces.JoinRequest{Role: domain.RoleCustomer, Customer: "Bob"})
	waitSubscribers(t, f.bus, 1)

	f.createOrder(t, "Alice")
	own := f.createOrder(t, "bob")

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, own.ID, ev.Order.ID)
}

func TestDial_InvalidRoleRejected(t *testing.T) {
	f := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewDialer(f.url).Dial(ctx, interfaces.JoinRequest{Role: "chef"})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, f.bus.Count())
}

func TestStream_DroppedSubscriberIsConnectionLost(t *testing.T) {
	f := setup(t)
	stream := f.dial(t, interfaces.JoinRequest{Role: domain.RoleKitchen})
	waitSubscribers(t, f.bus, 1)

	f.bus.Close()

	_, err := stream.Recv()
	require.ErrorIs(t, err, domain.ErrConnectionLost)
}

func rawJoin(t *testing.T, url string, role domain.Role) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	join, err := newFrame(FrameJoin, interfaces.JoinRequest{Role: role})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(join))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, FrameJoined, reply.Type)
	return conn
}

// readUntil skips broadcast frames and returns the first frame of type want.
func readUntil(t *testing.T, conn *websocket.Conn, want FrameType) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == want {
			return f
		}
	}
}

func TestSession_RequestCreateAndTransition(t *testing.T) {
	f := setup(t)
	conn := rawJoin(t, f.url, domain.RoleKitchen)

	create, err := newFrame(FrameRequestCreate, CreatePayload{
		RequestID:    "req-1",
		CustomerName: "Carol",
		Pizzas:       []PizzaItem{{PizzaType: "Hawaiian", Size: "Small", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(create))

	var ack AckPayload
	require.NoError(t, jsonDecode(readUntil(t, conn, FrameAck), &ack))
	assert.Equal(t, "req-1", ack.RequestID)
	require.NotNil(t, ack.Order)
	assert.Equal(t, domain.StatusPending, ack.Order.Status)

	// stale From is rejected with the order's real state
	bad, err := newFrame(FrameRequestTransition, TransitionPayload{
		RequestID: "req-2",
		OrderID:   ack.Order.ID,
		Status:    "Ready",
		From:      "Preparing",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(bad))

	var failure ErrorPayload
	require.NoError(t, jsonDecode(readUntil(t, conn, FrameError), &failure))
	assert.Equal(t, "req-2", failure.RequestID)
	assert.Equal(t, domain.KindInvalidTransition, failure.Error)
	assert.Equal(t, ack.Order.ID, failure.OrderID)
}

func TestSession_UnknownFrameType(t *testing.T) {
	f := setup(t)
	conn := rawJoin(t, f.url, domain.RoleCustomer)

	require.NoError(t, conn.WriteJSON(Frame{Type: "dance"}))

	var failure ErrorPayload
	require.NoError(t, jsonDecode(readUntil(t, conn, FrameError), &failure))
	assert.Equal(t, domain.KindValidation, failure.Error)
}

func TestSession_FirstFrameMustBeJoin(t *testing.T) {
	f := setup(t)
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameRequestCreate}))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, FrameError, reply.Type)

	var failure ErrorPayload
	require.NoError(t, jsonDecode(reply, &failure))
	assert.Equal(t, domain.KindValidation, failure.Error)
}

func TestDial_MalformedJoinedIsNetworkError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join Frame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"joined","payload":"not-an-object"}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http")).Dial(ctx, interfaces.JoinRequest{Role: domain.RoleKitchen})
	require.ErrorIs(t, err, domain.ErrNetwork)
}

func TestServer_AllowedOrigins(t *testing.T) {
	lgr := logger.Nop()
	m := metrics.NewUnregistered()
	store := memory.NewOrderStore()
	bus := broadcast.New(lgr, m, broadcast.Options{})
	t.Cleanup(bus.Close)

	handler := NewServer(bus, order.NewService(store, memory.NewIdempotencyStore(), bus, lgr, m), kitchen.NewService(store, bus, lgr, m), lgr).
		WithAllowedOrigins([]string{"https://dashboard.pizza.local/"})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin header", "", true},
		{"listed origin", "https://Dashboard.pizza.local", true},
		{"foreign origin", "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func jsonDecode(f Frame, v interface{}) error {
	return json.Unmarshal(f.Payload, v)
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/app/broadcast"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	joinTimeout    = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Server upgrades GET /events and runs one session per connection. A
// session starts with a join frame; after that it receives the events its
// subscription predicate allows and may send create/transition requests.
type Server struct {
	bus      *broadcast.Broadcaster
	orders   interfaces.OrderService
	kitchen  interfaces.KitchenService
	logger   logger.Logger
	upgrader websocket.Upgrader
	origins  map[string]struct{}
}

func NewServer(bus *broadcast.Broadcaster, orders interfaces.OrderService, kitchen interfaces.KitchenService, logger logger.Logger) *Server {
	s := &Server{
		bus:     bus,
		orders:  orders,
		kitchen: kitchen,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// WithAllowedOrigins limits browser handshakes to the listed origins.
// Requests without an Origin header (kitchen and customer clients) are
// always accepted; an empty list accepts every origin.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	s.origins = make(map[string]struct{}, len(origins))
	for _, o := range origins {
		s.origins[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	_, ok := s.origins[strings.TrimRight(strings.ToLower(origin), "/")]
	if !ok {
		s.logger.Warn("ws_origin_rejected", "Websocket origin not allowed", "", map[string]interface{}{"origin": origin})
	}
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", "Websocket upgrade failed", "", map[string]interface{}{"error": err.Error()})
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := &session{
		srv:        s,
		conn:       conn,
		out:        make(chan Frame, 16),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	sess.run(r.Context())
}

type session struct {
	srv  *Server
	conn *websocket.Conn
	sub  *broadcast.Subscription
	out  chan Frame
	// done is closed when the read loop ends, writerDone when the writer does.
	done       chan struct{}
	writerDone chan struct{}
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	join, err := s.readJoin()
	if err != nil {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteJSON(mustFrame(FrameError, errorPayload("", err)))
		return
	}

	sub, err := s.srv.bus.Subscribe(join)
	if err != nil {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteJSON(mustFrame(FrameError, errorPayload("", err)))
		return
	}
	s.sub = sub
	defer s.srv.bus.Unsubscribe(sub)

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(mustFrame(FrameJoined, JoinedPayload{SubscriberID: sub.ID, Role: sub.Role})); err != nil {
		return
	}

	go func() {
		defer close(s.writerDone)
		s.writeLoop()
	}()

	s.readLoop(context.WithoutCancel(ctx), join)
	close(s.done)
	<-s.writerDone
}

func (s *session) readJoin() (interfaces.JoinRequest, error) {
	var join interfaces.JoinRequest

	s.conn.SetReadDeadline(time.Now().Add(joinTimeout))
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return join, domain.NewValidationError(domain.FieldError{Field: "join", Message: "expected a join frame"})
	}
	if f.Type != FrameJoin {
		return join, domain.NewValidationError(domain.FieldError{Field: "type", Message: "first frame must be join"})
	}
	if err := json.Unmarshal(f.Payload, &join); err != nil {
		return join, domain.NewValidationError(domain.FieldError{Field: "payload", Message: "invalid join payload"})
	}
	return join, nil
}

// writeLoop is the only goroutine writing to the connection after join.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Unblocks readLoop when the writer gives up first.
	defer s.conn.Close()

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				// dropped as a slow subscriber or unsubscribed
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
				return
			}
			if !s.write(mustFrame(FrameType(ev.Type), ev)) {
				return
			}
		case f := <-s.out:
			if !s.write(f) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) write(f Frame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f) == nil
}

func (s *session) readLoop(ctx context.Context, join interfaces.JoinRequest) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	actor := string(join.Role)
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.send(mustFrame(FrameError, errorPayload("", domain.NewValidationError(
					domain.FieldError{Field: "frame", Message: "invalid JSON frame"}))))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.srv.logger.Debug("ws_closed", "Event channel closed unexpectedly", "", map[string]interface{}{
					"subscriber_id": s.sub.ID,
					"error":         err.Error(),
				})
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameRequestCreate:
			s.handleCreate(ctx, f.Payload, actor)
		case FrameRequestTransition:
			s.handleTransition(ctx, f.Payload, actor)
		default:
			s.send(mustFrame(FrameError, errorPayload("", domain.NewValidationError(
				domain.FieldError{Field: "type", Message: "unsupported frame type " + string(f.Type)}))))
		}
	}
}

func (s *session) handleCreate(ctx context.Context, payload json.RawMessage, actor string) {
	var req CreatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		s.send(mustFrame(FrameError, errorPayload("", domain.NewValidationError(
			domain.FieldError{Field: "payload", Message: "invalid request-create payload"}))))
		return
	}

	items := make([]interfaces.CreateOrderItemCommand, len(req.Pizzas))
	for i, p := range req.Pizzas {
		items[i] = interfaces.CreateOrderItemCommand{PizzaType: p.PizzaType, Size: p.Size, Quantity: p.Quantity}
	}

	res, err := s.srv.orders.CreateOrder(ctx, interfaces.CreateOrderCommand{
		CustomerName:   req.CustomerName,
		Pizzas:         items,
		ClientTotal:    req.TotalPrice,
		IdempotencyKey: req.RequestID,
		Actor:          actor,
	})
	if err != nil {
		s.send(mustFrame(FrameError, errorPayload(req.RequestID, err)))
		return
	}
	s.send(mustFrame(FrameAck, AckPayload{RequestID: req.RequestID, Order: res.Order}))
}

func (s *session) handleTransition(ctx context.Context, payload json.RawMessage, actor string) {
	var req TransitionPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		s.send(mustFrame(FrameError, errorPayload("", domain.NewValidationError(
			domain.FieldError{Field: "payload", Message: "invalid request-transition payload"}))))
		return
	}

	order, err := s.srv.kitchen.AdvanceStatus(ctx, interfaces.AdvanceStatusCommand{
		OrderID: req.OrderID,
		Status:  req.Status,
		From:    req.From,
		Actor:   actor,
	})
	if err != nil {
		s.send(mustFrame(FrameError, errorPayload(req.RequestID, err)))
		return
	}
	s.send(mustFrame(FrameAck, AckPayload{RequestID: req.RequestID, Order: order}))
}

func (s *session) send(f Frame) {
	select {
	case s.out <- f:
	case <-s.writerDone:
	}
}

// mustFrame only fails for payloads that cannot be marshalled, which none
// of the payload types here can produce.
func mustFrame(t FrameType, payload interface{}) Frame {
	f, err := newFrame(t, payload)
	if err != nil {
		panic(err)
	}
	return f
}

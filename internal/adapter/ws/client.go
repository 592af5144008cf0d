package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/gorilla/websocket"
)

// Dialer opens client-side event channels against Server.
type Dialer struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

func NewDialer(url string) *Dialer {
	return &Dialer{
		URL: url,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, join interfaces.JoinRequest) (interfaces.EventStream, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, domain.NewNetworkError("dial event channel", err)
	}

	// 1. join, затем ждём подтверждения
	f, err := newFrame(FrameJoin, join)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.SetReadDeadline(time.Now().Add(joinTimeout))
	}
	if err := conn.WriteJSON(f); err != nil {
		conn.Close()
		return nil, domain.NewNetworkError("send join", err)
	}

	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, domain.NewNetworkError("await joined", err)
	}
	switch reply.Type {
	case FrameJoined:
	case FrameError:
		conn.Close()
		var p ErrorPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			return nil, domain.NewNetworkError("decode join error", err)
		}
		return nil, p.toError()
	default:
		conn.Close()
		return nil, domain.NewNetworkError("join", fmt.Errorf("unexpected frame %q", reply.Type))
	}

	var joined JoinedPayload
	if err := json.Unmarshal(reply.Payload, &joined); err != nil {
		conn.Close()
		return nil, domain.NewNetworkError("decode joined", err)
	}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	return &Stream{conn: conn, subscriberID: joined.SubscriberID}, nil
}

// Stream is a joined event channel. Recv and Close may be called from
// different goroutines.
type Stream struct {
	conn         *websocket.Conn
	subscriberID string

	closeOnce sync.Once
}

func (s *Stream) SubscriberID() string {
	return s.subscriberID
}

// Recv returns the next order event. Ack and error frames for requests
// sent over the channel are skipped.
func (s *Stream) Recv() (interfaces.OrderEvent, error) {
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return interfaces.OrderEvent{}, domain.NewConnectionLost(err)
		}
		// any server traffic proves the channel is alive
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameOrderCreated, FrameOrderStatusChanged:
			var ev interfaces.OrderEvent
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				return interfaces.OrderEvent{}, domain.NewConnectionLost(fmt.Errorf("decode %s: %w", f.Type, err))
			}
			return ev, nil
		default:
			continue
		}
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketmind/marketmind-gateway/broker/tick"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// Session is one downstream WebSocket client. It is the ticker.Listener for
// every instrument the client subscribes to.
type Session struct {
	id      string
	subject string
	srv     *Server
	conn    *websocket.Conn

	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	mu      sync.Mutex
	handles map[int64]heldSub
}

// heldSub is a relay registration owned by a session.
type heldSub struct {
	handle ticker.Handle
	sub    ticker.Subscription
}

var _ ticker.Listener = (*Session)(nil)

func newSession(id string, srv *Server, conn *websocket.Conn, subject string) *Session {
	return &Session{
		id:      id,
		subject: subject,
		srv:     srv,
		conn:    conn,
		send:    make(chan []byte, srv.cfg.SendBuffer),
		done:    make(chan struct{}),
		handles: make(map[int64]heldSub),
	}
}

// Accept queues a stock_update for the client. A full queue marks the
// client as too slow and disconnects it.
func (s *Session) Accept(t tick.Tick) error {
	if err := s.enqueue(EventStockUpdate, t); err != nil {
		if errors.Is(err, ErrSlowConsumer) {
			go s.close(websocket.CloseTryAgainLater)
		}
		return err
	}
	return nil
}

func (s *Session) enqueue(event string, data any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	msg, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSlowConsumer
	}
}

func (s *Session) reply(event string, data any) {
	if err := s.enqueue(event, data); err != nil {
		s.srv.logger.Debug("Reply dropped", "session_id", s.id, "event", event, "error", err)
	}
}

func (s *Session) replyError(err error) {
	s.reply(EventError, errorReply{Message: err.Error()})
}

// readPump handles client events and watches for dead connections.
func (s *Session) readPump() {
	defer s.close(websocket.CloseNormalClosure)

	s.conn.SetReadLimit(s.srv.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.srv.logger.Debug("WebSocket read error", "session_id", s.id, "error", err)
			}
			return
		}
		s.handle(data)
	}
}

// writePump is the only writer of data frames on the connection. close
// owns the connection teardown.
func (s *Session) writePump() {
	ping := time.NewTicker(s.srv.pingPeriod())
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.srv.logger.Debug("WebSocket write failed", "session_id", s.id, "error", err)
				go s.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go s.close(websocket.CloseAbnormalClosure)
				return
			}
		}
	}
}

func (s *Session) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.replyError(fmt.Errorf("invalid message: %w", err))
		return
	}
	var req StockRequest
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.replyError(fmt.Errorf("invalid %s payload: %w", env.Event, err))
			return
		}
	}

	switch env.Event {
	case EventSubscribe:
		s.subscribe(req)
	case EventUnsubscribe:
		s.unsubscribe(req)
	default:
		s.replyError(fmt.Errorf("unknown event %q", env.Event))
	}
}

func (s *Session) subscribe(req StockRequest) {
	sub, err := req.subscription(s.srv.cfg.Resolver)
	if err != nil {
		s.replyError(err)
		return
	}

	s.mu.Lock()
	prev, held := s.handles[sub.InstrumentID]
	s.mu.Unlock()
	if held && prev.sub == sub {
		s.reply(EventSubscribed, scripReply{ScripCode: sub.InstrumentID})
		return
	}

	h, err := s.srv.cfg.Relay.Subscribe(sub, s)
	if err != nil {
		s.replyError(err)
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		s.srv.cfg.Relay.Unsubscribe(h)
		return
	}
	s.handles[sub.InstrumentID] = heldSub{handle: h, sub: sub}
	s.mu.Unlock()

	// Release the old exchange only once the new one is registered.
	if held {
		s.srv.cfg.Relay.Unsubscribe(prev.handle)
	}

	s.srv.logger.Info("Client subscribed", "session_id", s.id, "scrip_code", sub.InstrumentID, "exchange", sub.Exchange, "segment", sub.Segment)
	s.reply(EventSubscribed, scripReply{ScripCode: sub.InstrumentID})
}

func (s *Session) unsubscribe(req StockRequest) {
	id, err := req.ScripCode.Int64()
	if err != nil || id <= 0 {
		s.replyError(fmt.Errorf("invalid scrip_code %q", req.ScripCode))
		return
	}

	s.mu.Lock()
	held, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if ok {
		s.srv.cfg.Relay.Unsubscribe(held.handle)
		s.srv.logger.Info("Client unsubscribed", "session_id", s.id, "scrip_code", id)
	}
	s.reply(EventUnsubscribed, scripReply{ScripCode: id})
}

// close releases every subscription and tears down the connection. Only
// the first call has any effect.
func (s *Session) close(code int) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		handles := s.handles
		s.handles = make(map[int64]heldSub)
		s.mu.Unlock()

		for _, held := range handles {
			s.srv.cfg.Relay.Unsubscribe(held.handle)
		}
		s.srv.forget(s.id)

		// The close frame goes out before done releases the write pump.
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		close(s.done)
		s.srv.logger.Info("Client disconnected", "session_id", s.id, "released", len(handles))
	})
}

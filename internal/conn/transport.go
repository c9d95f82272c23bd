package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"icinema/internal/loop"
)

var (
	ErrSocketClosed   = errors.New("socket closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Events are delivered on the scheduler's loop.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Socket is one duplex connection attempt.
type Socket interface {
	// Send queues a frame without blocking.
	Send(data []byte) error
	// Close tears the socket down. No events are delivered afterwards.
	Close() error
}

// Transport opens sockets. Open must not block.
type Transport interface {
	Open(url string, ev Events) Socket
}

// WSTransport dials websocket endpoints with gorilla/websocket.
type WSTransport struct {
	Sched      loop.Scheduler
	Dialer     *websocket.Dialer
	Header     http.Header
	SendBuffer int
}

func NewWSTransport(sched loop.Scheduler) *WSTransport {
	return &WSTransport{
		Sched:      sched,
		Dialer:     websocket.DefaultDialer,
		SendBuffer: 16,
	}
}

type wsSocket struct {
	t      *WSTransport
	ev     Events
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	once   sync.Once
}

func (t *WSTransport) Open(url string, ev Events) Socket {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := t.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	s := &wsSocket{
		t:      t,
		ev:     ev,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, buffer),
	}
	go s.run(url)
	return s
}

func (s *wsSocket) run(url string) {
	dialer := s.t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, _, err := dialer.DialContext(s.ctx, url, s.t.Header)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.conn = c
	s.mu.Unlock()

	s.post(func() {
		if s.ev.OnOpen != nil {
			s.ev.OnOpen()
		}
	})

	go s.sendLoop(c)
	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.post(func() {
			if s.ev.OnMessage != nil {
				s.ev.OnMessage(data)
			}
		})
	}
}

func (s *wsSocket) sendLoop(c *websocket.Conn) {
	for {
		select {
		case msg := <-s.send:
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.fail(err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// fail reports the first error once and releases the connection.
func (s *wsSocket) fail(err error) {
	s.once.Do(func() {
		s.shutdown()
		s.post(func() {
			if s.ev.OnClose != nil {
				s.ev.OnClose(err)
			}
		})
	})
}

// post drops events once the owner closed the socket.
func (s *wsSocket) post(fn func()) {
	s.t.Sched.Post(func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
}

func (s *wsSocket) shutdown() {
	s.cancel()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.mu.Unlock()

	s.once.Do(func() {})
	s.cancel()
	if c != nil {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline())
		return c.Close()
	}
	return nil
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}

package conn

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/RanFeng/ilog"

	"icinema/internal/auth"
	"icinema/internal/loop"
	"icinema/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
)

// Status is what the UI shows for the channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// State is the channel lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Handlers struct {
	OnStatusChange func(Status)
	OnAuthError    func()
}

type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	DebugCapacity     int
}

// Channel is a single connection attempt owned by a Manager.
type Channel struct {
	id     uint64
	state  State
	socket Socket
}

func (c *Channel) ID() uint64 {
	return c.id
}

func (c *Channel) State() State {
	return c.state
}

// Manager owns the channel and its timers. Every method must run on the
// scheduler's loop.
type Manager struct {
	cfg       Config
	sched     loop.Scheduler
	transport Transport
	creds     auth.Source
	handlers  Handlers

	ch        *Channel
	nextID    uint64
	status    Status
	heartbeat loop.Timer
	reconnect loop.Timer

	debug     *Ring
	consumers map[uint64]func(protocol.Message)
	nextSub   uint64
}

func NewManager(cfg Config, sched loop.Scheduler, transport Transport, creds auth.Source) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Manager{
		cfg:       cfg,
		sched:     sched,
		transport: transport,
		creds:     creds,
		status:    StatusDisconnected,
		debug:     NewRing(cfg.DebugCapacity),
		consumers: make(map[uint64]func(protocol.Message)),
	}
}

// Connect returns the live channel when one is open or connecting. Without a
// credential it reports disconnected and returns nil.
func (m *Manager) Connect(h Handlers) *Channel {
	m.handlers = h
	if m.ch != nil && (m.ch.state == StateOpen || m.ch.state == StateConnecting) {
		return m.ch
	}
	token, ok := m.creds.Token()
	if !ok {
		m.setStatus(StatusDisconnected)
		return nil
	}

	m.setStatus(StatusConnecting)
	m.nextID++
	ch := &Channel{id: m.nextID, state: StateConnecting}
	m.ch = ch
	ilog.EventInfo(context.Background(), "channel_connecting", "channel", ch.id, "url", m.cfg.URL)

	ch.socket = m.transport.Open(m.cfg.URL, Events{
		OnOpen:    func() { m.handleOpen(ch, token) },
		OnMessage: func(data []byte) { m.handleFrame(ch, data) },
		OnClose:   func(err error) { m.handleDrop(ch, err) },
	})
	return ch
}

func (m *Manager) handleOpen(ch *Channel, token string) {
	if ch != m.ch || ch.state != StateConnecting {
		return
	}
	ch.state = StateOpen
	m.setStatus(StatusConnected)
	ilog.EventInfo(context.Background(), "channel_open", "channel", ch.id)

	m.sendOn(ch, &protocol.Authorization{Token: token})

	m.stopHeartbeat()
	m.heartbeat = m.sched.Every(m.cfg.HeartbeatInterval, func() {
		if ch.state != StateOpen {
			return
		}
		m.sendOn(ch, &protocol.Ping{Timestamp: protocol.Millis(m.sched.Now())})
	})
	m.cancelReconnect()
}

func (m *Manager) handleFrame(ch *Channel, data []byte) {
	if ch != m.ch {
		return
	}
	m.debug.Append(string(data))

	msg, err := protocol.Decode(data)
	if err != nil {
		ilog.EventInfo(context.Background(), "channel_frame_dropped", "channel", ch.id, "err", err.Error())
		return
	}
	if _, ok := msg.(*protocol.AuthError); ok && m.handlers.OnAuthError != nil {
		m.handlers.OnAuthError()
	}
	for _, id := range sortedKeys(m.consumers) {
		if fn, ok := m.consumers[id]; ok {
			fn(msg)
		}
	}
}

// handleDrop covers both close and error; repeated drops of the same channel
// never stack reconnect timers.
func (m *Manager) handleDrop(ch *Channel, err error) {
	if ch != m.ch {
		return
	}
	ch.state = StateClosed
	m.setStatus(StatusDisconnected)
	m.stopHeartbeat()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if _, ok := m.creds.Token(); !ok {
		m.cancelReconnect()
		ilog.EventInfo(context.Background(), "channel_closed", "channel", ch.id, "reason", reason, "reconnect", false)
		return
	}
	if m.reconnect == nil {
		m.reconnect = m.sched.AfterFunc(m.cfg.ReconnectDelay, func() {
			m.reconnect = nil
			m.Connect(m.handlers)
		})
	}
	ilog.EventInfo(context.Background(), "channel_closed", "channel", ch.id, "reason", reason, "reconnect", true)
}

// Send delivers msg when the channel is open and drops it otherwise.
func (m *Manager) Send(msg protocol.Message) bool {
	if m.ch == nil || m.ch.state != StateOpen {
		return false
	}
	return m.sendOn(m.ch, msg)
}

func (m *Manager) sendOn(ch *Channel, msg protocol.Message) bool {
	if ch.socket == nil {
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		ilog.EventInfo(context.Background(), "channel_encode_failed", "type", string(msg.Type()), "err", err.Error())
		return false
	}
	if err := ch.socket.Send(data); err != nil {
		if !errors.Is(err, ErrSocketClosed) {
			ilog.EventInfo(context.Background(), "channel_send_failed", "channel", ch.id, "err", err.Error())
		}
		return false
	}
	return true
}

// Close tears down the channel and cancels every timer. It is safe to call
// more than once.
func (m *Manager) Close() {
	m.stopHeartbeat()
	m.cancelReconnect()
	if m.ch == nil {
		return
	}
	ch := m.ch
	m.ch = nil
	ch.state = StateClosed
	if ch.socket != nil {
		_ = ch.socket.Close()
	}
	m.setStatus(StatusDisconnected)
	ilog.EventInfo(context.Background(), "channel_shutdown", "channel", ch.id)
}

// Subscribe registers a consumer for decoded inbound messages.
func (m *Manager) Subscribe(fn func(protocol.Message)) (unsubscribe func()) {
	m.nextSub++
	id := m.nextSub
	m.consumers[id] = fn
	return func() { delete(m.consumers, id) }
}

func (m *Manager) Channel() *Channel {
	return m.ch
}

func (m *Manager) Status() Status {
	return m.status
}

func (m *Manager) Debug() *Ring {
	return m.debug
}

func (m *Manager) ReconnectPending() bool {
	return m.reconnect != nil
}

func (m *Manager) setStatus(s Status) {
	m.status = s
	if m.handlers.OnStatusChange != nil {
		m.handlers.OnStatusChange(s)
	}
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func sortedKeys(in map[uint64]func(protocol.Message)) []uint64 {
	return slices.Sorted(maps.Keys(in))
}

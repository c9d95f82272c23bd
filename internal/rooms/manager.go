package rooms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/oklog/ulid/v2"

	"icinema/internal/protocol"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotInRoom           = errors.New("not in room")
	ErrMissingRoomID       = errors.New("missing room id")
	ErrUnsupported         = errors.New("unsupported operation")
)

const DefaultSendBuffer = 32

// Record is the persisted form of a room.
type Record struct {
	ID                    int64
	Name                  string
	CreatedAt             time.Time
	VideoURL              string
	VideoDuration         *float64
	LastOperationType     protocol.Operation
	LastOperationTime     time.Time
	LastOperationProgress float64
	LastOperationUser     *int64
}

// Store persists rooms across restarts.
type Store interface {
	CreateRoom(ctx context.Context, name string, createdAt time.Time) (int64, error)
	SaveRoom(ctx context.Context, rec Record) error
	ListRooms(ctx context.Context) ([]Record, error)
}

// Info is the REST view of a room.
type Info struct {
	ID        int64                 `json:"id"`
	Name      string                `json:"name"`
	CreatedAt time.Time             `json:"created_at"`
	State     protocol.RoomSnapshot `json:"state"`
}

type Option func(*Manager)

func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithSendBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

type Manager struct {
	mu     sync.RWMutex
	rooms  map[int64]*Room
	nextID int64

	connMu       sync.RWMutex
	participants map[string]*Participant

	store      Store
	now        func() time.Time
	sendBuffer int
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		rooms:        make(map[int64]*Room),
		participants: make(map[string]*Participant),
		now:          func() time.Time { return time.Now().UTC() },
		sendBuffer:   DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore loads every persisted room. It is a no-op without a store.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	recs, err := m.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("restore rooms: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.rooms[rec.ID] = newRoom(rec)
		m.nextID = max(m.nextID, rec.ID)
	}
	ilog.EventInfo(ctx, "rooms_restored", "count", len(recs))
	return nil
}

func (m *Manager) CreateRoom(ctx context.Context, name string) (Info, error) {
	now := m.now()
	var id int64
	if m.store != nil {
		var err error
		id, err = m.store.CreateRoom(ctx, name, now)
		if err != nil {
			return Info{}, fmt.Errorf("create room: %w", err)
		}
	}

	m.mu.Lock()
	if id == 0 {
		m.nextID++
		id = m.nextID
	} else {
		m.nextID = max(m.nextID, id)
	}
	room := newRoom(Record{ID: id, Name: name, CreatedAt: now})
	m.rooms[id] = room
	m.mu.Unlock()

	ilog.EventInfo(ctx, "room_created", "roomID", id, "name", name)
	return info(room), nil
}

func (m *Manager) Room(id int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (m *Manager) GetState(id int64) (Info, error) {
	room, err := m.Room(id)
	if err != nil {
		return Info{}, err
	}
	return info(room), nil
}

// ListRooms returns every room ordered by id.
func (m *Manager) ListRooms() []Info {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if room, err := m.Room(id); err == nil {
			out = append(out, info(room))
		}
	}
	return out
}

// Connect registers a fresh participant for an authenticated socket.
func (m *Manager) Connect(userID int64, name string) *Participant {
	now := m.now()
	p := newParticipant(ulid.Make().String(), userID, name, m.sendBuffer, now)
	m.connMu.Lock()
	m.participants[p.ID] = p
	m.connMu.Unlock()
	ilog.EventInfo(context.Background(), "participant_connected", "participant", p.ID, "userID", userID)
	return p
}

func (m *Manager) Participant(id string) (*Participant, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	return p, nil
}

// Disconnect removes p from its room and stops its send loop.
func (m *Manager) Disconnect(p *Participant) {
	if roomID := p.RoomID(); roomID != 0 {
		if room, err := m.Room(roomID); err == nil {
			room.detach(p)
		}
		p.setRoom(0)
	}
	m.connMu.Lock()
	delete(m.participants, p.ID)
	m.connMu.Unlock()
	p.Close()
	ilog.EventInfo(context.Background(), "participant_disconnected", "participant", p.ID, "userID", p.UserID)
}

// Enter moves p into roomID, leaving any previous room.
func (m *Manager) Enter(ctx context.Context, p *Participant, roomID int64) (protocol.RoomSnapshot, error) {
	if roomID == 0 {
		return protocol.RoomSnapshot{}, ErrMissingRoomID
	}
	room, err := m.Room(roomID)
	if err != nil {
		return protocol.RoomSnapshot{}, err
	}
	if prev := p.RoomID(); prev != 0 && prev != roomID {
		if old, err := m.Room(prev); err == nil {
			old.detach(p)
		}
	}
	room.attach(p)
	p.setRoom(roomID)
	ilog.EventInfo(ctx, "room_entered", "roomID", roomID, "userID", p.UserID, "online", room.OnlineUsers())
	return room.Snapshot(), nil
}

func (m *Manager) Leave(ctx context.Context, p *Participant, roomID int64) error {
	if roomID == 0 {
		return ErrMissingRoomID
	}
	if p.RoomID() != roomID {
		return ErrNotInRoom
	}
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	room.detach(p)
	p.setRoom(0)
	ilog.EventInfo(ctx, "room_left", "roomID", roomID, "userID", p.UserID)
	return nil
}

// Apply records a sync operation from p and returns the room together with
// the frame to relay to the other members. Relayed frames carry the server
// time, except jumps, which keep the sender's clock for compensation.
func (m *Manager) Apply(ctx context.Context, p *Participant, msg protocol.Message) (*Room, protocol.Message, error) {
	roomID := p.RoomID()
	if roomID == 0 {
		return nil, nil, ErrNotInRoom
	}
	room, err := m.Room(roomID)
	if err != nil {
		return nil, nil, err
	}
	now := m.now()
	header := protocol.Header{RoomID: roomID, SenderID: protocol.UserID(p.UserID), Timestamp: protocol.FromTime(now)}

	var out protocol.Message
	switch v := msg.(type) {
	case *protocol.SetVideoURL:
		if v.RoomID != 0 && v.RoomID != roomID {
			return nil, nil, ErrNotInRoom
		}
		if v.URL == "" {
			return nil, nil, fmt.Errorf("set video url: %w", ErrUnsupported)
		}
		room.setVideo(v.URL, v.Duration)
		room.apply(protocol.OperationSetURL, p.UserID, 0, now)
		out = &protocol.SetVideoURL{Header: header, URL: v.URL, Duration: v.Duration}

	case *protocol.SetVideoStart:
		if v.RoomID != 0 && v.RoomID != roomID {
			return nil, nil, ErrNotInRoom
		}
		progress := deref(v.Progress)
		room.apply(protocol.OperationPlay, p.UserID, progress, now)
		out = &protocol.SetVideoStart{Header: header, Progress: &progress}

	case *protocol.SetVideoPause:
		if v.RoomID != 0 && v.RoomID != roomID {
			return nil, nil, ErrNotInRoom
		}
		progress := deref(v.Progress)
		room.apply(protocol.OperationPause, p.UserID, progress, now)
		out = &protocol.SetVideoPause{Header: header, Progress: &progress}

	case *protocol.SetVideoJump:
		if v.RoomID != 0 && v.RoomID != roomID {
			return nil, nil, ErrNotInRoom
		}
		offset := deref(v.VideoTimeOffset)
		room.apply(protocol.OperationSeek, p.UserID, offset, now)
		header.Timestamp = v.Timestamp
		out = &protocol.SetVideoJump{Header: header, VideoTimeOffset: &offset, Playing: v.Playing}

	default:
		return nil, nil, fmt.Errorf("%s: %w", msg.Type(), ErrUnsupported)
	}

	m.persist(ctx, room)
	return room, out, nil
}

func (m *Manager) persist(ctx context.Context, room *Room) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRoom(ctx, room.record()); err != nil {
		ilog.EventInfo(ctx, "room_persist_failed", "roomID", room.ID(), "err", err.Error())
	}
}

func info(room *Room) Info {
	return Info{
		ID:        room.ID(),
		Name:      room.Name(),
		CreatedAt: room.createdAt,
		State:     room.Snapshot(),
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/gorilla/websocket"

	"icinema/internal/protocol"
)

// Room is a live watch room. Playback state is the last operation any
// member performed; clients extrapolate from it.
type Room struct {
	id        int64
	name      string
	createdAt time.Time

	mu            sync.RWMutex
	videoURL      string
	videoDuration *float64
	lastOp        protocol.Operation
	lastOpTime    time.Time
	lastProgress  float64
	lastUser      *int64
	participants  map[string]*Participant
}

// Participant is one authenticated socket. A user with two tabs open is two
// participants.
type Participant struct {
	ID     string
	UserID int64
	Name   string

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan []byte
	closed      bool
	roomID      int64
	connectedAt time.Time
}

func newRoom(rec Record) *Room {
	return &Room{
		id:            rec.ID,
		name:          rec.Name,
		createdAt:     rec.CreatedAt,
		videoURL:      rec.VideoURL,
		videoDuration: rec.VideoDuration,
		lastOp:        rec.LastOperationType,
		lastOpTime:    rec.LastOperationTime,
		lastProgress:  rec.LastOperationProgress,
		lastUser:      rec.LastOperationUser,
		participants:  make(map[string]*Participant),
	}
}

func (r *Room) ID() int64 {
	return r.id
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) attach(p *Participant) {
	r.mu.Lock()
	r.participants[p.ID] = p
	r.mu.Unlock()
}

func (r *Room) detach(p *Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[p.ID]; !ok {
		return false
	}
	delete(r.participants, p.ID)
	return true
}

// OnlineUsers counts distinct users, not sockets.
func (r *Room) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineUsersLocked()
}

func (r *Room) onlineUsersLocked() int {
	seen := make(map[int64]struct{}, len(r.participants))
	for _, p := range r.participants {
		seen[p.UserID] = struct{}{}
	}
	return len(seen)
}

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) Snapshot() protocol.RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := protocol.RoomSnapshot{
		VideoURL:              r.videoURL,
		VideoDuration:         r.videoDuration,
		OnlineUsersCount:      r.onlineUsersLocked(),
		LastOperationType:     r.lastOp,
		LastOperationProgress: r.lastProgress,
		LastOperationUser:     r.lastUser,
	}
	if !r.lastOpTime.IsZero() {
		snap.LastOperationTime = protocol.FromTime(r.lastOpTime)
	}
	return snap
}

func (r *Room) record() Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Record{
		ID:                    r.id,
		Name:                  r.name,
		CreatedAt:             r.createdAt,
		VideoURL:              r.videoURL,
		VideoDuration:         r.videoDuration,
		LastOperationType:     r.lastOp,
		LastOperationTime:     r.lastOpTime,
		LastOperationProgress: r.lastProgress,
		LastOperationUser:     r.lastUser,
	}
}

// apply records op as the room's last operation.
func (r *Room) apply(op protocol.Operation, userID int64, progress float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user := userID
	r.lastOp = op
	r.lastOpTime = at
	r.lastProgress = progress
	r.lastUser = &user
}

func (r *Room) setVideo(url string, duration *float64) {
	r.mu.Lock()
	r.videoURL = url
	r.videoDuration = duration
	r.mu.Unlock()
}

// Broadcast queues msg for every participant except those belonging to
// excludeUser. Slow participants drop frames rather than block the room.
func (r *Room) Broadcast(msg protocol.Message, excludeUser int64) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		ilog.EventInfo(context.Background(), "broadcast_encode_failed", "roomID", r.id, "err", err.Error())
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := 0
	for _, p := range r.participants {
		if p.UserID == excludeUser {
			continue
		}
		if p.enqueue(data) {
			sent++
		}
	}
	return sent
}

func newParticipant(id string, userID int64, name string, buffer int, now time.Time) *Participant {
	return &Participant{
		ID:          id,
		UserID:      userID,
		Name:        name,
		send:        make(chan []byte, buffer),
		connectedAt: now,
	}
}

// RoomID is the room the participant is currently in, or zero.
func (p *Participant) RoomID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Participant) setRoom(id int64) {
	p.mu.Lock()
	p.roomID = id
	p.mu.Unlock()
}

func (p *Participant) BindConnection(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *Participant) Connection() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// SendLoop is the only writer of the bound connection once started.
func (p *Participant) SendLoop() {
	conn := p.Connection()
	if conn == nil {
		return
	}
	defer conn.Close()
	for msg := range p.send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ilog.EventInfo(context.Background(), "participant_write_failed", "participant", p.ID, "err", err.Error())
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Send encodes and queues msg for this participant only.
func (p *Participant) Send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		return false
	}
	return p.enqueue(data)
}

func (p *Participant) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the send loop after it drains what is queued.
func (p *Participant) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// Package session assembles the client: one channel, one player, one room.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/RanFeng/ilog"

	"icinema/internal/auth"
	"icinema/internal/conn"
	"icinema/internal/health"
	"icinema/internal/loop"
	"icinema/internal/notify"
	"icinema/internal/player"
	"icinema/internal/protocol"
	"icinema/internal/userinfo"
	"icinema/internal/videosync"
)

const (
	msgAuthFailed = "authentication failed, please sign in again"
	msgEntered    = "joined room %d"
	msgLeft       = "left room %d"
)

type Config struct {
	UserID     int64
	Conn       conn.Config
	Health     health.Config
	Sync       videosync.Config
	ToastDelay time.Duration
}

// Deps are the collaborators an Agent drives. Element is required; Engine
// and Users may be nil.
type Deps struct {
	Sched     loop.Scheduler
	Transport conn.Transport
	Creds     *auth.Store
	Element   player.MediaElement
	Engine    player.Engine
	Users     userinfo.Resolver
}

// State is the aggregated view pushed to observers.
type State struct {
	Connection      conn.Status   `json:"connection"`
	Health          health.Status `json:"health"`
	Toast           notify.Toast  `json:"toast"`
	AutoplayBlocked bool          `json:"autoplay_blocked"`
	RoomID          int64         `json:"room_id,omitempty"`
	InRoom          bool          `json:"in_room"`
	Source          string        `json:"source,omitempty"`
	Position        float64       `json:"position"`
}

// gestureSink is implemented by elements that gate playback on a user gesture.
type gestureSink interface {
	Gesture()
}

// Agent must be driven from the scheduler's loop; Client wraps it for other
// goroutines.
type Agent struct {
	cfg   Config
	sched loop.Scheduler
	creds *auth.Store
	el    player.MediaElement

	conn    *conn.Manager
	monitor *health.Monitor
	facade  *player.Facade
	toasts  *notify.Notifier
	sync    *videosync.Coordinator

	roomID      int64
	inRoom      bool
	started     bool
	unsubscribe func()
	observers   []func(State)
}

func NewAgent(cfg Config, deps Deps) *Agent {
	a := &Agent{
		cfg:   cfg,
		sched: deps.Sched,
		creds: deps.Creds,
		el:    deps.Element,
	}
	a.monitor = health.NewMonitor(cfg.Health, deps.Sched)
	a.facade = player.NewFacade(deps.Sched, deps.Element, deps.Engine, a.monitor)
	a.toasts = notify.NewNotifier(deps.Sched, cfg.ToastDelay)
	a.conn = conn.NewManager(cfg.Conn, deps.Sched, deps.Transport, deps.Creds)
	a.sync = videosync.NewCoordinator(cfg.Sync, deps.Sched, a.conn, a.facade, deps.Users, a.toasts)

	a.monitor.OnChange(func(health.Status) { a.emit() })
	a.toasts.OnChange(func(notify.Toast) { a.emit() })
	a.sync.OnPendingChange(func(bool) { a.emit() })
	return a
}

// Start subscribes to the channel and connects when a credential exists.
func (a *Agent) Start() {
	if a.started {
		return
	}
	a.started = true
	a.unsubscribe = a.conn.Subscribe(a.handleMessage)
	a.connect()
}

// Stop closes the channel and cancels every session timer.
func (a *Agent) Stop() {
	if !a.started {
		return
	}
	a.started = false
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.conn.Close()
	a.sync.Reset()
	a.facade.Destroy()
}

func (a *Agent) OnChange(fn func(State)) {
	a.observers = append(a.observers, fn)
}

func (a *Agent) State() State {
	return State{
		Connection:      a.conn.Status(),
		Health:          a.monitor.Status(),
		Toast:           a.toasts.Current(),
		AutoplayBlocked: a.sync.AutoplayBlocked(),
		RoomID:          a.roomID,
		InRoom:          a.inRoom,
		Source:          a.facade.Source(),
		Position:        a.facade.CurrentTime(),
	}
}

func (a *Agent) DebugFrames() []string {
	return a.conn.Debug().Snapshot()
}

// SetCredential stores a new token and reconnects with it.
func (a *Agent) SetCredential(token string) {
	a.creds.Set(token)
	a.conn.Close()
	if a.started {
		a.connect()
	}
}

// ClearCredential is a logout: the channel closes and stays closed.
func (a *Agent) ClearCredential() {
	a.creds.Clear()
	a.conn.Close()
	a.inRoom = false
	a.emit()
}

// EnterRoom remembers roomID and asks the server to join it. The request is
// repeated on every reconnect.
func (a *Agent) EnterRoom(roomID int64) bool {
	if a.inRoom && a.roomID != roomID {
		a.conn.Send(&protocol.LeaveRoom{RoomID: a.roomID})
	}
	a.roomID = roomID
	a.inRoom = false
	a.sync.Reset()
	a.emit()
	return a.conn.Send(&protocol.EnterRoom{RoomID: roomID})
}

func (a *Agent) LeaveRoom() bool {
	if a.roomID == 0 {
		return false
	}
	sent := a.conn.Send(&protocol.LeaveRoom{RoomID: a.roomID})
	a.roomID = 0
	a.inRoom = false
	a.sync.Reset()
	a.emit()
	return sent
}

// Play starts the local player and, once it runs, tells the room. The
// result reports whether the intent reached the channel.
func (a *Agent) Play(done func(synced bool, err error)) {
	a.gesture()
	a.sync.Play(func(err error) {
		if err != nil {
			ilog.EventInfo(context.Background(), "local_play_failed", "err", err.Error())
			if done != nil {
				done(false, err)
			}
			return
		}
		synced := a.inRoom && a.sync.SyncPlay(a.roomID, a.cfg.UserID, a.facade.CurrentTime())
		a.emit()
		if done != nil {
			done(synced, nil)
		}
	})
}

func (a *Agent) Pause() bool {
	a.sync.Supersede()
	a.facade.Pause()
	a.emit()
	return a.inRoom && a.sync.SyncPause(a.roomID, a.cfg.UserID, a.facade.CurrentTime())
}

func (a *Agent) Seek(seconds float64) bool {
	seconds = max(0, seconds)
	a.facade.SeekTo(seconds)
	a.emit()
	return a.inRoom && a.sync.SyncSeek(a.roomID, a.cfg.UserID, seconds)
}

func (a *Agent) SetVideoURL(url string) bool {
	if url == "" {
		return false
	}
	a.sync.Supersede()
	a.facade.LoadVideo(url, player.LoadOptions{AutoPlay: false})
	a.emit()
	return a.inRoom && a.sync.SyncVideoURL(a.roomID, a.cfg.UserID, url)
}

// ResumePlayback is the user's answer to a blocked autoplay.
func (a *Agent) ResumePlayback() bool {
	a.gesture()
	return a.sync.ResumePlayback()
}

func (a *Agent) gesture() {
	if g, ok := a.el.(gestureSink); ok {
		g.Gesture()
	}
}

func (a *Agent) connect() {
	a.conn.Connect(conn.Handlers{
		OnStatusChange: a.onStatus,
		OnAuthError:    a.onAuthError,
	})
}

func (a *Agent) onStatus(s conn.Status) {
	if s != conn.StatusConnected {
		a.inRoom = false
	}
	if s == conn.StatusConnected && a.roomID != 0 {
		// The manager sends the authorization frame after reporting the
		// status, so the join has to queue behind it.
		roomID := a.roomID
		a.sched.Post(func() {
			if a.roomID == roomID {
				a.conn.Send(&protocol.EnterRoom{RoomID: roomID})
			}
		})
	}
	a.emit()
}

func (a *Agent) onAuthError() {
	a.toasts.Show(msgAuthFailed)
	a.ClearCredential()
}

func (a *Agent) handleMessage(msg protocol.Message) {
	ctx := context.Background()
	switch m := msg.(type) {
	case *protocol.RoomEntered:
		if a.roomID != 0 && m.RoomID != 0 && m.RoomID != a.roomID {
			ilog.EventInfo(ctx, "room_entered_ignored", "want", a.roomID, "got", m.RoomID)
			return
		}
		if m.RoomID != 0 {
			a.roomID = m.RoomID
		}
		a.inRoom = true
		a.sync.HandleRoomStateRestore(m.RoomInfo)
		a.toasts.Show(fmt.Sprintf(msgEntered, a.roomID))

	case *protocol.RoomEnterError:
		ilog.EventInfo(ctx, "room_enter_failed", "roomID", m.RoomID, "message", m.Message)
		a.inRoom = false
		a.toasts.Show(m.Message)

	case *protocol.RoomLeft:
		a.inRoom = false
		a.toasts.Show(fmt.Sprintf(msgLeft, m.RoomID))

	case *protocol.RoomLeaveError:
		ilog.EventInfo(ctx, "room_leave_failed", "roomID", m.RoomID, "message", m.Message)

	case *protocol.Error:
		ilog.EventInfo(ctx, "server_error", "message", m.Message)
		a.toasts.Show(m.Message)

	case *protocol.SetVideoURL, *protocol.SetVideoStart, *protocol.SetVideoPause, *protocol.SetVideoJump:
		if !a.inRoom {
			ilog.EventInfo(ctx, "sync_outside_room", "type", string(msg.Type()))
			return
		}
		a.sync.HandleMessage(msg, false)

	default:
		return
	}
	a.emit()
}

func (a *Agent) emit() {
	if len(a.observers) == 0 {
		return
	}
	s := a.State()
	for _, fn := range a.observers {
		fn(s)
	}
}

// Package ws is the relay side of the sync channel.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/gorilla/websocket"

	"icinema/internal/auth"
	"icinema/internal/protocol"
	"icinema/internal/rooms"
)

const DefaultAuthTimeout = 30 * time.Second

var errAuthFailed = errors.New("authentication failed")

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Verify(token string) (auth.User, error)
}

type Handler struct {
	manager     *rooms.Manager
	users       Authenticator
	upgrader    websocket.Upgrader
	authTimeout time.Duration
}

func NewHandler(manager *rooms.Manager, users Authenticator, authTimeout time.Duration) *Handler {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	return &Handler{
		manager:     manager,
		users:       users,
		authTimeout: authTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ilog.EventInfo(ctx, "ws_upgrade_failed", "err", err.Error())
		return
	}

	user, err := h.authenticate(ctx, conn, bearer(r.Header.Get("Authorization")))
	if err != nil {
		ilog.EventInfo(ctx, "ws_auth_failed", "remote", r.RemoteAddr, "err", err.Error())
		_ = conn.Close()
		return
	}

	participant := h.manager.Connect(user.ID, user.Username)
	participant.BindConnection(conn)
	go participant.SendLoop()

	participant.Send(&protocol.ConnectionEstablished{UserID: user.ID, Message: "connection established"})

	h.readLoop(ctx, conn, participant)
	h.manager.Disconnect(participant)
}

// authenticate accepts a valid Authorization header, or else asks for an
// authorization frame and waits up to authTimeout for it.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn, token string) (auth.User, error) {
	if token != "" {
		if user, err := h.users.Verify(token); err == nil {
			return user, nil
		}
	}

	if err := writeFrame(conn, &protocol.AuthRequired{
		Message: "send an authorization frame",
		Timeout: int(h.authTimeout / time.Second),
	}); err != nil {
		return auth.User{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.reject(conn, fmt.Sprintf("authorization timed out after %s", h.authTimeout))
		}
		return auth.User{}, fmt.Errorf("read authorization: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(data)
	if err != nil {
		h.reject(conn, "invalid authorization frame")
		return auth.User{}, fmt.Errorf("%w: %v", errAuthFailed, err)
	}
	authz, ok := msg.(*protocol.Authorization)
	if !ok || authz.Token == "" {
		h.reject(conn, "missing token")
		return auth.User{}, fmt.Errorf("%w: missing token", errAuthFailed)
	}
	user, err := h.users.Verify(authz.Token)
	if err != nil {
		h.reject(conn, "invalid token")
		return auth.User{}, fmt.Errorf("%w: %v", errAuthFailed, err)
	}
	if err := writeFrame(conn, &protocol.AuthSuccess{Message: "authenticated", UserID: user.ID}); err != nil {
		return auth.User{}, err
	}
	return user, nil
}

func (h *Handler) reject(conn *websocket.Conn, reason string) {
	_ = writeFrame(conn, &protocol.AuthError{Message: reason})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, p *rooms.Participant) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ilog.EventInfo(ctx, "ws_read_failed", "participant", p.ID, "err", err.Error())
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			p.Send(&protocol.Error{Message: fmt.Sprintf("invalid message: %v", err)})
			continue
		}
		h.dispatch(ctx, p, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, p *rooms.Participant, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		p.Send(&protocol.Pong{})

	case *protocol.Authorization:
		user, err := h.users.Verify(m.Token)
		if err != nil || user.ID != p.UserID {
			p.Send(&protocol.AuthError{Message: "invalid token"})
			return
		}
		p.Send(&protocol.AuthSuccess{Message: "authenticated", UserID: user.ID})

	case *protocol.EnterRoom:
		snap, err := h.manager.Enter(ctx, p, m.RoomID)
		if err != nil {
			p.Send(&protocol.RoomEnterError{RoomID: m.RoomID, Status: enterStatus(err), Message: err.Error()})
			return
		}
		p.Send(&protocol.RoomEntered{RoomID: m.RoomID, Status: "success", RoomInfo: &snap})

	case *protocol.LeaveRoom:
		if err := h.manager.Leave(ctx, p, m.RoomID); err != nil {
			p.Send(&protocol.RoomLeaveError{RoomID: m.RoomID, Status: "invalid", Message: err.Error()})
			return
		}
		p.Send(&protocol.RoomLeft{RoomID: m.RoomID, Status: "success"})

	case *protocol.SetVideoURL, *protocol.SetVideoStart, *protocol.SetVideoPause, *protocol.SetVideoJump:
		room, out, err := h.manager.Apply(ctx, p, msg)
		if err != nil {
			p.Send(&protocol.Error{Message: err.Error()})
			return
		}
		n := room.Broadcast(out, p.UserID)
		ilog.EventInfo(ctx, "sync_relayed", "type", string(msg.Type()), "roomID", room.ID(), "userID", p.UserID, "receivers", n)

	default:
		p.Send(&protocol.Error{Message: fmt.Sprintf("unsupported message type: %s", msg.Type())})
	}
}

func enterStatus(err error) string {
	switch {
	case errors.Is(err, rooms.ErrMissingRoomID):
		return "invalid"
	case errors.Is(err, rooms.ErrRoomNotFound):
		return "failed"
	default:
		return "error"
	}
}

func writeFrame(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.TextMessage, data)
}

func bearer(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

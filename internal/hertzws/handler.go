// Package hertzws pushes client state to local UIs over a websocket.
package hertzws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"

	"icinema/internal/session"
)

const writeWait = 10 * time.Second

// Watcher streams state updates until cancel is called.
type Watcher interface {
	Watch(buffer int) (<-chan session.State, func())
}

type Handler struct {
	watcher  Watcher
	upgrader websocket.HertzUpgrader
}

func NewHandler(watcher Watcher) *Handler {
	return &Handler{
		watcher: watcher,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(ctx *app.RequestContext) bool {
				return true
			},
		},
	}
}

// HandleWebSocket sends the current state, then every change, as JSON text
// frames. Inbound frames are read only to notice the peer going away.
func (h *Handler) HandleWebSocket(c context.Context, ctx *app.RequestContext) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		updates, cancel := h.watcher.Watch(32)
		defer cancel()

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-readDone:
				_ = conn.Close()
				return
			case state := <-updates:
				data, err := json.Marshal(state)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					ilog.EventInfo(c, "state_push_failed", "err", err.Error())
					_ = conn.Close()
					return
				}
			}
		}
	})
	if err != nil {
		ilog.EventInfo(c, "state_ws_upgrade_failed", "err", err.Error())
	}
}

// Package hertzapi is the client's local control API.
package hertzapi

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"icinema/internal/hertzws"
	"icinema/internal/session"
)

// Controller is the goroutine-safe surface of a running client.
type Controller interface {
	hertzws.Watcher
	State(ctx context.Context) (session.State, error)
	DebugFrames() []string
	Play(ctx context.Context) (bool, error)
	Pause(ctx context.Context) (bool, error)
	Seek(ctx context.Context, seconds float64) (bool, error)
	SetVideoURL(ctx context.Context, url string) (bool, error)
	ResumePlayback(ctx context.Context) (bool, error)
	EnterRoom(ctx context.Context, roomID int64) (bool, error)
	LeaveRoom(ctx context.Context) (bool, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

type seekRequest struct {
	Seconds *float64 `json:"seconds"`
}

type urlRequest struct {
	URL string `json:"url"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type actionResponse struct {
	Synced bool          `json:"synced"`
	State  session.State `json:"state"`
}

// NewRouter registers the control routes on h.
func NewRouter(h *server.Hertz, ctrl Controller) *server.Hertz {
	wsHandler := hertzws.NewHandler(ctrl)

	h.Use(recoveryMiddleware())
	h.Use(loggerMiddleware())

	h.GET("/healthz", func(c context.Context, ctx *app.RequestContext) {
		ctx.String(consts.StatusOK, "ok")
	})

	api := h.Group("/api")
	{
		api.GET("/state", handleState(ctrl))
		api.GET("/debug/frames", handleDebugFrames(ctrl))

		roomsGroup := api.Group("/rooms")
		{
			roomsGroup.POST("/:roomId/enter", handleEnterRoom(ctrl))
			roomsGroup.POST("/leave", handleAction(ctrl, ctrl.LeaveRoom))
		}

		playerGroup := api.Group("/player")
		{
			playerGroup.POST("/play", handleAction(ctrl, ctrl.Play))
			playerGroup.POST("/pause", handleAction(ctrl, ctrl.Pause))
			playerGroup.POST("/resume", handleAction(ctrl, ctrl.ResumePlayback))
			playerGroup.POST("/seek", handleSeek(ctrl))
			playerGroup.POST("/url", handleURL(ctrl))
		}

		api.PUT("/session/token", handleSetToken(ctrl))
		api.DELETE("/session/token", handleClearToken(ctrl))
	}

	h.GET("/ws/state", wsHandler.HandleWebSocket)

	return h
}

func recoveryMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				ilog.EventInfo(c, "control_api_panic", "path", string(ctx.Path()), "err", err)
				respondError(ctx, consts.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		ctx.Next(c)
	}
}

func loggerMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Next(c)
		ilog.EventInfo(c, "control_api", "method", string(ctx.Method()), "path", string(ctx.Path()), "status", ctx.Response.StatusCode())
	}
}

func handleState(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		state, err := ctrl.State(c)
		if err != nil {
			respondError(ctx, consts.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		ctx.JSON(consts.StatusOK, state)
	}
}

func handleDebugFrames(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		frames := ctrl.DebugFrames()
		if frames == nil {
			frames = []string{}
		}
		ctx.JSON(consts.StatusOK, map[string]interface{}{"frames": frames})
	}
}

func handleAction(ctrl Controller, action func(context.Context) (bool, error)) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		synced, err := action(c)
		respondAction(c, ctx, ctrl, synced, err)
	}
}

func handleEnterRoom(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		roomID, err := strconv.ParseInt(ctx.Param("roomId"), 10, 64)
		if err != nil || roomID <= 0 {
			respondError(ctx, consts.StatusBadRequest, "invalid_request", "room id must be a positive integer")
			return
		}
		synced, err := ctrl.EnterRoom(c, roomID)
		respondAction(c, ctx, ctrl, synced, err)
	}
}

func handleSeek(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		var payload seekRequest
		if err := ctx.Bind(&payload); err != nil || payload.Seconds == nil {
			respondError(ctx, consts.StatusBadRequest, "invalid_request", "seconds is required")
			return
		}
		synced, err := ctrl.Seek(c, *payload.Seconds)
		respondAction(c, ctx, ctrl, synced, err)
	}
}

func handleURL(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		var payload urlRequest
		if err := ctx.Bind(&payload); err != nil || strings.TrimSpace(payload.URL) == "" {
			respondError(ctx, consts.StatusBadRequest, "invalid_request", "url is required")
			return
		}
		synced, err := ctrl.SetVideoURL(c, strings.TrimSpace(payload.URL))
		respondAction(c, ctx, ctrl, synced, err)
	}
}

func handleSetToken(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		var payload tokenRequest
		if err := ctx.Bind(&payload); err != nil {
			respondError(ctx, consts.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
		if err := ctrl.SetToken(c, payload.Token); err != nil {
			if errors.Is(err, session.ErrEmptyToken) {
				respondError(ctx, consts.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			respondError(ctx, consts.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		ctx.SetStatusCode(consts.StatusNoContent)
	}
}

func handleClearToken(ctrl Controller) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if err := ctrl.ClearToken(c); err != nil {
			respondError(ctx, consts.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		ctx.SetStatusCode(consts.StatusNoContent)
	}
}

func respondAction(c context.Context, ctx *app.RequestContext, ctrl Controller, synced bool, err error) {
	if err != nil {
		respondError(ctx, consts.StatusConflict, "action_failed", err.Error())
		return
	}
	state, err := ctrl.State(c)
	if err != nil {
		respondError(ctx, consts.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	ctx.JSON(consts.StatusOK, actionResponse{Synced: synced, State: state})
}

func respondError(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, map[string]interface{}{
		"type": "error",
		"payload": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

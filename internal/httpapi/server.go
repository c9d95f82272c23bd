package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/RanFeng/ilog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"icinema/internal/auth"
	"icinema/internal/rooms"
	"icinema/internal/ws"
)

type Server struct {
	rooms  *rooms.Manager
	users  *auth.Table
	ws     *ws.Handler
	router *echo.Echo
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Type    string       `json:"type"`
	Payload errorPayload `json:"payload"`
}

func NewServer(manager *rooms.Manager, users *auth.Table, wsHandler *ws.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	server := &Server{
		rooms:  manager,
		users:  users,
		ws:     wsHandler,
		router: e,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("/api", server.requireUser)
	api.POST("/rooms", server.handleCreateRoom)
	api.GET("/rooms", server.handleListRooms)
	api.GET("/rooms/:roomId", server.handleGetRoom)

	e.GET("/users/:userId", server.handleGetUser, server.requireUser)
	e.GET("/ws", server.handleWebSocket)

	return server
}

func (s *Server) Router() http.Handler {
	return s.router
}

// requireUser checks the bearer token and stores the user under "user".
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || token == "" {
			return respondError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		}
		user, err := s.users.Verify(token)
		if err != nil {
			return respondError(c, http.StatusUnauthorized, "unauthorized", err.Error())
		}
		c.Set("user", user)
		return next(c)
	}
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var payload createRoomRequest
	if err := c.Bind(&payload); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request", "invalid request body")
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		return respondError(c, http.StatusBadRequest, "invalid_request", "name is required")
	}
	ctx := c.Request().Context()
	room, err := s.rooms.CreateRoom(ctx, payload.Name)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "create_failed", err.Error())
	}
	ilog.EventInfo(ctx, "CreateRoom", "roomID", room.ID, "user", c.Get("user"))
	return c.JSON(http.StatusCreated, room)
}

func (s *Server) handleListRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, s.rooms.ListRooms())
}

func (s *Server) handleGetRoom(c echo.Context) error {
	roomID, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request", "room id must be an integer")
	}
	state, err := s.rooms.GetState(roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return respondError(c, http.StatusNotFound, "room_not_found", err.Error())
		}
		return respondError(c, http.StatusInternalServerError, "state_fetch_failed", err.Error())
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleGetUser(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request", "user id must be an integer")
	}
	user, ok := s.users.Lookup(userID)
	if !ok {
		return respondError(c, http.StatusNotFound, "user_not_found", "user not found")
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	// The handler owns the connection from here; echo must not write.
	s.ws.ServeHTTP(c.Response(), c.Request())
	return nil
}

func respondError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorResponse{
		Type:    "error",
		Payload: errorPayload{Code: code, Message: message},
	})
}

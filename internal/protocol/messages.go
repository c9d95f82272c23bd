package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

type MessageType string

const (
	TypeAuthorization         MessageType = "authorization"
	TypeAuthRequired          MessageType = "auth_required"
	TypeAuthSuccess           MessageType = "auth_success"
	TypeAuthError             MessageType = "auth_error"
	TypeConnectionEstablished MessageType = "connection_established"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeEnterRoom             MessageType = "enter_room"
	TypeRoomEntered           MessageType = "room_entered"
	TypeRoomEnterError        MessageType = "room_enter_error"
	TypeLeaveRoom             MessageType = "leave_room"
	TypeRoomLeft              MessageType = "room_left"
	TypeRoomLeaveError        MessageType = "room_leave_error"
	TypeSetVideoURL           MessageType = "set_video_url"
	TypeSetVideoStart         MessageType = "set_video_start"
	TypeSetVideoPause         MessageType = "set_video_pause"
	TypeSetVideoJump          MessageType = "set_video_jump"
	TypeError                 MessageType = "error"
)

// legacyTypes maps the misspelled tags older servers still emit.
var legacyTypes = map[MessageType]MessageType{
	"set_vedio_url":   TypeSetVideoURL,
	"set_vedio_start": TypeSetVideoStart,
	"set_vedio_pause": TypeSetVideoPause,
	"set_vedio_jump":  TypeSetVideoJump,
}

// Operation is the kind of the last playback operation recorded for a room.
type Operation string

const (
	OperationPlay   Operation = "play"
	OperationPause  Operation = "pause"
	OperationSeek   Operation = "seek"
	OperationSetURL Operation = "set_url"
)

// Message is the closed set of frames exchanged over the channel.
type Message interface {
	Type() MessageType
	isMessage()
}

// Header carries the fields shared by every sync frame.
type Header struct {
	RoomID    int64     `json:"room_id"`
	SenderID  UserID    `json:"sender_id"`
	Timestamp Timestamp `json:"timestamp"`
}

// UserID is a sender id as peers send it. Numbers and numeric strings decode
// to their value; anything else decodes to 0 so the frame is still applied.
type UserID int64

func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			data = []byte(s)
		}
	}
	*u = 0
	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*u = UserID(n)
		return nil
	}
	if f, err := strconv.ParseFloat(string(data), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) &&
		f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		*u = UserID(f)
	}
	return nil
}

type Authorization struct {
	Token string `json:"token"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct{}

type AuthRequired struct {
	Message string `json:"message"`
	Timeout int    `json:"timeout"`
}

type AuthSuccess struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

type AuthError struct {
	Message string `json:"message"`
}

type ConnectionEstablished struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type EnterRoom struct {
	RoomID int64 `json:"room_id"`
}

type RoomEntered struct {
	RoomID   int64         `json:"room_id"`
	Status   string        `json:"status"`
	RoomInfo *RoomSnapshot `json:"room_info,omitempty"`
}

type RoomEnterError struct {
	RoomID  int64  `json:"room_id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type LeaveRoom struct {
	RoomID int64 `json:"room_id"`
}

type RoomLeft struct {
	RoomID int64  `json:"room_id"`
	Status string `json:"status"`
}

type RoomLeaveError struct {
	RoomID  int64  `json:"room_id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type SetVideoURL struct {
	Header
	URL      string   `json:"url"`
	Duration *float64 `json:"duration,omitempty"`
}

type SetVideoStart struct {
	Header
	Progress *float64 `json:"progress,omitempty"`
}

type SetVideoPause struct {
	Header
	Progress *float64 `json:"progress,omitempty"`
}

type SetVideoJump struct {
	Header
	VideoTimeOffset *float64 `json:"video_time_offset"`
	Playing         bool     `json:"playing,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

// RoomSnapshot is the server's authoritative view of a room's playback.
type RoomSnapshot struct {
	VideoURL              string    `json:"video_url,omitempty"`
	VideoDuration         *float64  `json:"video_duration,omitempty"`
	OnlineUsersCount      int       `json:"online_users_count"`
	LastOperationType     Operation `json:"last_operation_type,omitempty"`
	LastOperationProgress float64   `json:"last_operation_progress"`
	LastOperationTime     Timestamp `json:"last_operation_time"`
	LastOperationUser     *int64    `json:"last_operation_user,omitempty"`
}

func (*Authorization) Type() MessageType         { return TypeAuthorization }
func (*Ping) Type() MessageType                  { return TypePing }
func (*Pong) Type() MessageType                  { return TypePong }
func (*AuthRequired) Type() MessageType          { return TypeAuthRequired }
func (*AuthSuccess) Type() MessageType           { return TypeAuthSuccess }
func (*AuthError) Type() MessageType             { return TypeAuthError }
func (*ConnectionEstablished) Type() MessageType { return TypeConnectionEstablished }
func (*EnterRoom) Type() MessageType             { return TypeEnterRoom }
func (*RoomEntered) Type() MessageType           { return TypeRoomEntered }
func (*RoomEnterError) Type() MessageType        { return TypeRoomEnterError }
func (*LeaveRoom) Type() MessageType             { return TypeLeaveRoom }
func (*RoomLeft) Type() MessageType              { return TypeRoomLeft }
func (*RoomLeaveError) Type() MessageType        { return TypeRoomLeaveError }
func (*SetVideoURL) Type() MessageType           { return TypeSetVideoURL }
func (*SetVideoStart) Type() MessageType         { return TypeSetVideoStart }
func (*SetVideoPause) Type() MessageType         { return TypeSetVideoPause }
func (*SetVideoJump) Type() MessageType          { return TypeSetVideoJump }
func (*Error) Type() MessageType                 { return TypeError }

func (*Authorization) isMessage()         {}
func (*Ping) isMessage()                  {}
func (*Pong) isMessage()                  {}
func (*AuthRequired) isMessage()          {}
func (*AuthSuccess) isMessage()           {}
func (*AuthError) isMessage()             {}
func (*ConnectionEstablished) isMessage() {}
func (*EnterRoom) isMessage()             {}
func (*RoomEntered) isMessage()           {}
func (*RoomEnterError) isMessage()        {}
func (*LeaveRoom) isMessage()             {}
func (*RoomLeft) isMessage()              {}
func (*RoomLeaveError) isMessage()        {}
func (*SetVideoURL) isMessage()           {}
func (*SetVideoStart) isMessage()         {}
func (*SetVideoPause) isMessage()         {}
func (*SetVideoJump) isMessage()          {}
func (*Error) isMessage()                 {}

// Envelope is the wire shape of every frame. Authorization and ping carry
// their fields at the top level; everything else uses payload.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Token     string          `json:"token,omitempty"`
	Timestamp *int64          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

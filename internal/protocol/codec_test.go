package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeJump(t *testing.T) {
	data := []byte(`{"type":"set_video_jump","payload":{"room_id":7,"sender_id":3,"video_time_offset":42.5,"timestamp":1700000000000}}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	jump, ok := msg.(*SetVideoJump)
	if !ok {
		t.Fatalf("expected *SetVideoJump, got %T", msg)
	}
	if jump.RoomID != 7 || jump.SenderID != 3 {
		t.Errorf("header mismatch: %+v", jump.Header)
	}
	if jump.VideoTimeOffset == nil || *jump.VideoTimeOffset != 42.5 {
		t.Errorf("offset mismatch: %v", jump.VideoTimeOffset)
	}
	if !jump.Timestamp.Numeric || jump.Timestamp.Millis() != 1700000000000 {
		t.Errorf("timestamp mismatch: %+v", jump.Timestamp)
	}
}

func TestDecodeLegacyTag(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"set_vedio_pause","payload":{"room_id":1,"sender_id":2,"progress":3,"timestamp":"2025-01-02T03:04:05.123456+00:00"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	pause, ok := msg.(*SetVideoPause)
	if !ok {
		t.Fatalf("expected *SetVideoPause, got %T", msg)
	}
	if pause.Timestamp.Numeric {
		t.Error("string timestamp should not be numeric")
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC)
	if !pause.Timestamp.Time.Equal(want) {
		t.Errorf("expected %v, got %v", want, pause.Timestamp.Time)
	}
}

func TestDecodeLenientSenderID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"set_vedio_pause","payload":{"room_id":1,"sender_id":"u7","progress":12.5,"timestamp":1700000000000}}`))
	if err != nil {
		t.Fatalf("frame with a non-numeric sender must still decode: %v", err)
	}
	pause := msg.(*SetVideoPause)
	if pause.SenderID != 0 || pause.RoomID != 1 {
		t.Errorf("expected sender 0 in room 1, got %+v", pause.Header)
	}
	if pause.Progress == nil || *pause.Progress != 12.5 {
		t.Errorf("progress lost: %v", pause.Progress)
	}

	for raw, want := range map[string]UserID{`"42"`: 42, `7.0`: 7, `null`: 0, `true`: 0, `{"id":3}`: 0, `1.5`: 0} {
		var id UserID = 99
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
		}
		if id != want {
			t.Errorf("%s: got %d, want %d", raw, id, want)
		}
	}
}

func TestDecodeRoomEntered(t *testing.T) {
	data := []byte(`{"type":"room_entered","payload":{"room_id":5,"status":"success","room_info":{"video_url":"https://example.com/a.m3u8","last_operation_type":"play","last_operation_progress":10,"last_operation_time":"2025-01-02T03:04:05+00:00","online_users_count":2}}}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	entered := msg.(*RoomEntered)
	if entered.RoomInfo == nil {
		t.Fatal("room_info should be decoded")
	}
	if entered.RoomInfo.LastOperationType != OperationPlay {
		t.Errorf("unexpected operation %q", entered.RoomInfo.LastOperationType)
	}
	if entered.RoomInfo.LastOperationProgress != 10 {
		t.Errorf("unexpected progress %v", entered.RoomInfo.LastOperationProgress)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"not json", `hello`, ErrMalformed},
		{"unknown", `{"type":"dance","payload":{}}`, ErrUnknownType},
		{"missing payload", `{"type":"set_video_pause"}`, ErrMissingPayload},
		{"null payload", `{"type":"set_video_start","payload":null}`, ErrMissingPayload},
		{"string offset", `{"type":"set_video_jump","payload":{"video_time_offset":"12"}}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEncodeTopLevelFrames(t *testing.T) {
	data, err := Encode(&Authorization{Token: "secret"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if raw["type"] != "authorization" || raw["token"] != "secret" {
		t.Errorf("unexpected authorization frame %s", data)
	}
	if _, ok := raw["payload"]; ok {
		t.Errorf("authorization frame should not carry payload: %s", data)
	}

	data, err = Encode(&Ping{Timestamp: 1234})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	raw = nil
	_ = json.Unmarshal(data, &raw)
	if raw["type"] != "ping" || raw["timestamp"] != float64(1234) {
		t.Errorf("unexpected ping frame %s", data)
	}
}

func TestEncodeSyncFrame(t *testing.T) {
	progress := 12.5
	msg := &SetVideoStart{
		Header:   Header{RoomID: 1, SenderID: 2, Timestamp: FromMillis(1700000000000)},
		Progress: &progress,
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var raw struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if raw.Type != "set_video_start" {
		t.Errorf("unexpected type %q", raw.Type)
	}
	if raw.Payload["room_id"] != float64(1) || raw.Payload["sender_id"] != float64(2) {
		t.Errorf("unexpected header fields %v", raw.Payload)
	}
	if raw.Payload["timestamp"] != float64(1700000000000) {
		t.Errorf("timestamp should be epoch millis, got %v", raw.Payload["timestamp"])
	}
	if raw.Payload["progress"] != 12.5 {
		t.Errorf("unexpected progress %v", raw.Payload["progress"])
	}
}

func TestAuthErrorWithoutPayload(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"auth_error"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := msg.(*AuthError); !ok {
		t.Errorf("expected *AuthError, got %T", msg)
	}
}

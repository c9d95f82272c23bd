package session

import (
	"context"
	"testing"
	"time"

	"icinema/internal/auth"
	"icinema/internal/conn"
	"icinema/internal/loop"
	"icinema/internal/player"
	"icinema/internal/protocol"
	"icinema/internal/userinfo"
)

type fakeSocket struct {
	ev     conn.Events
	sent   []protocol.Message
	closed bool
}

func (s *fakeSocket) Send(data []byte) error {
	if s.closed {
		return conn.ErrSocketClosed
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSocket) types() []protocol.MessageType {
	out := make([]protocol.MessageType, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Type())
	}
	return out
}

type fakeTransport struct {
	sockets []*fakeSocket
}

func (t *fakeTransport) Open(_ string, ev conn.Events) conn.Socket {
	s := &fakeSocket{ev: ev}
	t.sockets = append(t.sockets, s)
	return s
}

func (t *fakeTransport) last() *fakeSocket {
	return t.sockets[len(t.sockets)-1]
}

type harness struct {
	agent     *Agent
	sched     *loop.Manual
	transport *fakeTransport
	creds     *auth.Store
	el        *player.VirtualElement
}

var start = time.UnixMilli(1_700_000_000_000)

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	sched := loop.NewManual(start)
	transport := &fakeTransport{}
	creds := auth.NewStore(token)
	el := player.NewVirtualElement(sched.Now, 600, false)
	agent := NewAgent(Config{UserID: 1, Conn: conn.Config{URL: "ws://relay.test/ws"}}, Deps{
		Sched:     sched,
		Transport: transport,
		Creds:     creds,
		Element:   el,
		Users:     userinfo.Static{2: {ID: 2, Username: "bob"}},
	})
	return &harness{agent: agent, sched: sched, transport: transport, creds: creds, el: el}
}

func (h *harness) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	h.transport.last().ev.OnMessage(data)
	h.sched.Flush()
}

func (h *harness) open() {
	h.transport.last().ev.OnOpen()
	h.sched.Flush()
}

func TestAgentJoinsAndRestoresRoom(t *testing.T) {
	h := newHarness(t, "tok")
	h.agent.Start()
	h.open()

	h.agent.EnterRoom(42)
	sock := h.transport.last()
	if got := sock.types(); len(got) != 2 || got[0] != protocol.TypeAuthorization || got[1] != protocol.TypeEnterRoom {
		t.Fatalf("unexpected frames %v", got)
	}

	h.deliver(t, &protocol.RoomEntered{RoomID: 42, Status: "success", RoomInfo: &protocol.RoomSnapshot{
		VideoURL:              "https://cdn.test/movie.mp4",
		LastOperationType:     protocol.OperationPlay,
		LastOperationProgress: 10,
		LastOperationTime:     protocol.FromTime(start.Add(-5 * time.Second)),
	}})
	if pos := h.el.CurrentTime(); pos < 14.99 || pos > 15.01 {
		t.Fatalf("expected restore to seek to 15, got %v", pos)
	}
	h.sched.Advance(500 * time.Millisecond)
	if h.el.Paused() {
		t.Error("restore should start playback after settling")
	}
	st := h.agent.State()
	if !st.InRoom || st.RoomID != 42 || st.Source != "https://cdn.test/movie.mp4" {
		t.Errorf("unexpected state %+v", st)
	}
	if st.Connection != conn.StatusConnected {
		t.Errorf("expected connected, got %s", st.Connection)
	}
}

func TestAgentReentersRoomAfterReconnect(t *testing.T) {
	h := newHarness(t, "tok")
	h.agent.Start()
	h.open()
	h.agent.EnterRoom(7)
	h.deliver(t, &protocol.RoomEntered{RoomID: 7, Status: "success"})

	h.transport.last().ev.OnClose(nil)
	h.sched.Flush()
	if h.agent.State().InRoom {
		t.Fatal("dropping the channel leaves the room")
	}
	h.sched.Advance(3 * time.Second)
	if len(h.transport.sockets) != 2 {
		t.Fatalf("expected a reconnect, got %d sockets", len(h.transport.sockets))
	}
	h.open()
	got := h.transport.last().sent
	if len(got) != 2 {
		t.Fatalf("expected authorization and enter_room, got %v", h.transport.last().types())
	}
	enter, ok := got[1].(*protocol.EnterRoom)
	if !ok || enter.RoomID != 7 {
		t.Errorf("expected enter_room for 7, got %#v", got[1])
	}
}

func TestAgentIgnoresSyncOutsideRoom(t *testing.T) {
	h := newHarness(t, "tok")
	h.agent.Start()
	h.open()
	h.deliver(t, &protocol.SetVideoURL{Header: protocol.Header{SenderID: 2}, URL: "https://cdn.test/a.mp4"})
	if h.el.Source() != "" {
		t.Fatal("sync outside a room must be ignored")
	}

	h.agent.EnterRoom(3)
	h.deliver(t, &protocol.RoomEntered{RoomID: 3, Status: "success"})
	h.deliver(t, &protocol.SetVideoURL{Header: protocol.Header{SenderID: 2}, URL: "https://cdn.test/a.mp4"})
	if h.el.Source() != "https://cdn.test/a.mp4" {
		t.Fatalf("expected url to load, got %q", h.el.Source())
	}
	h.sched.Advance(time.Second)
	if msg := h.agent.State().Toast.Message; msg != "bob set the video URL" {
		t.Errorf("unexpected toast %q", msg)
	}
}

func TestAgentAuthErrorLogsOut(t *testing.T) {
	h := newHarness(t, "tok")
	h.agent.Start()
	h.open()
	h.deliver(t, &protocol.AuthError{Message: "bad token"})
	if _, ok := h.creds.Token(); ok {
		t.Fatal("credential should be cleared")
	}
	if !h.transport.last().closed {
		t.Error("socket should be closed")
	}
	h.sched.Advance(10 * time.Second)
	if len(h.transport.sockets) != 1 {
		t.Errorf("no reconnect expected after auth error, got %d sockets", len(h.transport.sockets))
	}
}

func TestAgentLocalIntentsSyncOnlyInRoom(t *testing.T) {
	h := newHarness(t, "tok")
	h.agent.Start()
	h.open()
	h.agent.SetVideoURL("https://cdn.test/b.mp4")
	if h.agent.Seek(12) {
		t.Error("seek outside a room should not be sent")
	}
	if h.el.CurrentTime() != 12 {
		t.Errorf("seek should still apply locally, got %v", h.el.CurrentTime())
	}

	h.agent.EnterRoom(5)
	h.deliver(t, &protocol.RoomEntered{RoomID: 5, Status: "success"})
	if !h.agent.Seek(30) {
		t.Fatal("seek in a room should be sent")
	}
	sent := h.transport.last().sent
	jump, ok := sent[len(sent)-1].(*protocol.SetVideoJump)
	if !ok {
		t.Fatalf("expected set_video_jump, got %T", sent[len(sent)-1])
	}
	if jump.RoomID != 5 || jump.SenderID != 1 || *jump.VideoTimeOffset != 30 {
		t.Errorf("unexpected jump %+v", jump)
	}

	var synced bool
	h.agent.Play(func(s bool, err error) {
		if err != nil {
			t.Errorf("play failed: %v", err)
		}
		synced = s
	})
	h.sched.Flush()
	if !synced {
		t.Error("play in a room should be sent")
	}
	if !h.agent.Pause() {
		t.Error("pause in a room should be sent")
	}
}

func TestAgentLeaveRoom(t *testing.T) {
	h := newHarness(t, "tok")
	h.agent.Start()
	h.open()
	if h.agent.LeaveRoom() {
		t.Error("leave without a room should report false")
	}
	h.agent.EnterRoom(9)
	h.deliver(t, &protocol.RoomEntered{RoomID: 9, Status: "success"})
	if !h.agent.LeaveRoom() {
		t.Fatal("leave should be sent")
	}
	st := h.agent.State()
	if st.InRoom || st.RoomID != 0 {
		t.Errorf("unexpected state after leave %+v", st)
	}
}

func TestAgentWithoutCredentialStaysDisconnected(t *testing.T) {
	h := newHarness(t, "")
	h.agent.Start()
	if len(h.transport.sockets) != 0 {
		t.Fatal("no connection expected without a credential")
	}
	h.agent.SetCredential("fresh")
	if len(h.transport.sockets) != 1 {
		t.Fatal("setting a credential should connect")
	}
}

func TestClientPublishesState(t *testing.T) {
	h := newHarness(t, "tok")
	client := NewClient(h.agent, h.sched)
	updates, cancel := client.Watch(64)
	defer cancel()
	<-updates

	ctx := context.Background()
	if err := h.sched.Call(ctx, h.agent.Start); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.open()
	if _, err := client.EnterRoom(ctx, 4); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.deliver(t, &protocol.RoomEntered{RoomID: 4, Status: "success"})

	if got := client.Snapshot(); !got.InRoom || got.RoomID != 4 {
		t.Errorf("unexpected snapshot %+v", got)
	}
	st, err := client.State(ctx)
	if err != nil || st.Connection != conn.StatusConnected {
		t.Errorf("unexpected state %+v err=%v", st, err)
	}
	synced, err := client.Play(ctx)
	if err != nil || !synced {
		t.Errorf("play: synced=%v err=%v", synced, err)
	}
	if len(updates) == 0 {
		t.Error("watcher should have received updates")
	}
	if err := client.SetToken(ctx, ""); err != ErrEmptyToken {
		t.Errorf("expected ErrEmptyToken, got %v", err)
	}
	if frames := client.DebugFrames(); len(frames) == 0 {
		t.Error("debug frames should be recorded")
	}
}

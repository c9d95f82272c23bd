package hertzapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"icinema/internal/conn"
	"icinema/internal/session"
)

type fakeController struct {
	state   session.State
	calls   []string
	seeks   []float64
	urls    []string
	room    int64
	token   string
	fail    error
	watched int
}

func (f *fakeController) Watch(int) (<-chan session.State, func()) {
	f.watched++
	ch := make(chan session.State, 1)
	ch <- f.state
	return ch, func() {}
}

func (f *fakeController) State(context.Context) (session.State, error) { return f.state, nil }

func (f *fakeController) DebugFrames() []string { return []string{`{"type":"pong"}`} }

func (f *fakeController) record(name string) (bool, error) {
	f.calls = append(f.calls, name)
	return f.fail == nil, f.fail
}

func (f *fakeController) Play(context.Context) (bool, error)           { return f.record("play") }
func (f *fakeController) Pause(context.Context) (bool, error)          { return f.record("pause") }
func (f *fakeController) ResumePlayback(context.Context) (bool, error) { return f.record("resume") }
func (f *fakeController) LeaveRoom(context.Context) (bool, error)      { return f.record("leave") }

func (f *fakeController) Seek(_ context.Context, s float64) (bool, error) {
	f.seeks = append(f.seeks, s)
	return f.record("seek")
}

func (f *fakeController) SetVideoURL(_ context.Context, u string) (bool, error) {
	f.urls = append(f.urls, u)
	return f.record("url")
}

func (f *fakeController) EnterRoom(_ context.Context, id int64) (bool, error) {
	f.room = id
	return f.record("enter")
}

func (f *fakeController) SetToken(_ context.Context, token string) error {
	if token == "" {
		return session.ErrEmptyToken
	}
	f.token = token
	return nil
}

func (f *fakeController) ClearToken(context.Context) error {
	f.token = ""
	return nil
}

func newTestRouter() (*server.Hertz, *fakeController) {
	ctrl := &fakeController{state: session.State{Connection: conn.StatusConnected, RoomID: 3, InRoom: true}}
	h := server.Default()
	NewRouter(h, ctrl)
	return h, ctrl
}

func jsonBody(v string) *ut.Body {
	return &ut.Body{Body: bytes.NewBufferString(v), Len: len(v)}
}

var jsonHeader = ut.Header{Key: "Content-Type", Value: "application/json"}

func TestStateAndHealth(t *testing.T) {
	h, _ := newTestRouter()

	w := ut.PerformRequest(h.Engine, consts.MethodGet, "/healthz", jsonBody(""))
	if w.Result().StatusCode() != consts.StatusOK {
		t.Fatalf("healthz: %d", w.Result().StatusCode())
	}

	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/state", jsonBody(""))
	var state session.State
	if err := json.Unmarshal(w.Result().Body(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Connection != conn.StatusConnected || state.RoomID != 3 {
		t.Errorf("unexpected state %+v", state)
	}

	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/debug/frames", jsonBody(""))
	var frames struct {
		Frames []string `json:"frames"`
	}
	if err := json.Unmarshal(w.Result().Body(), &frames); err != nil || len(frames.Frames) != 1 {
		t.Errorf("unexpected frames %s err=%v", w.Result().Body(), err)
	}
}

func TestPlayerActions(t *testing.T) {
	h, ctrl := newTestRouter()

	for _, path := range []string{"/api/player/play", "/api/player/pause", "/api/player/resume", "/api/rooms/leave"} {
		w := ut.PerformRequest(h.Engine, consts.MethodPost, path, jsonBody(""))
		if w.Result().StatusCode() != consts.StatusOK {
			t.Errorf("%s: status %d", path, w.Result().StatusCode())
		}
		var resp actionResponse
		if err := json.Unmarshal(w.Result().Body(), &resp); err != nil || !resp.Synced {
			t.Errorf("%s: unexpected body %s", path, w.Result().Body())
		}
	}

	w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/player/seek", jsonBody(`{"seconds":42.5}`), jsonHeader)
	if w.Result().StatusCode() != consts.StatusOK || len(ctrl.seeks) != 1 || ctrl.seeks[0] != 42.5 {
		t.Errorf("seek: status %d seeks %v", w.Result().StatusCode(), ctrl.seeks)
	}

	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/player/seek", jsonBody(`{}`), jsonHeader)
	if w.Result().StatusCode() != consts.StatusBadRequest {
		t.Errorf("seek without seconds: status %d", w.Result().StatusCode())
	}

	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/player/url", jsonBody(`{"url":" https://cdn/a.m3u8 "}`), jsonHeader)
	if w.Result().StatusCode() != consts.StatusOK || len(ctrl.urls) != 1 || ctrl.urls[0] != "https://cdn/a.m3u8" {
		t.Errorf("url: status %d urls %v", w.Result().StatusCode(), ctrl.urls)
	}
}

func TestEnterRoom(t *testing.T) {
	h, ctrl := newTestRouter()
	w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/rooms/17/enter", jsonBody(""))
	if w.Result().StatusCode() != consts.StatusOK || ctrl.room != 17 {
		t.Errorf("enter: status %d room %d", w.Result().StatusCode(), ctrl.room)
	}
	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/rooms/abc/enter", jsonBody(""))
	if w.Result().StatusCode() != consts.StatusBadRequest {
		t.Errorf("bad room id: status %d", w.Result().StatusCode())
	}
}

func TestActionFailure(t *testing.T) {
	h, ctrl := newTestRouter()
	ctrl.fail = errors.New("autoplay blocked")
	w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/player/play", jsonBody(""))
	if w.Result().StatusCode() != consts.StatusConflict {
		t.Errorf("expected 409, got %d", w.Result().StatusCode())
	}
}

func TestSessionToken(t *testing.T) {
	h, ctrl := newTestRouter()
	w := ut.PerformRequest(h.Engine, consts.MethodPut, "/api/session/token", jsonBody(`{"token":"abc"}`), jsonHeader)
	if w.Result().StatusCode() != consts.StatusNoContent || ctrl.token != "abc" {
		t.Errorf("set token: status %d token %q", w.Result().StatusCode(), ctrl.token)
	}
	w = ut.PerformRequest(h.Engine, consts.MethodPut, "/api/session/token", jsonBody(`{"token":""}`), jsonHeader)
	if w.Result().StatusCode() != consts.StatusBadRequest {
		t.Errorf("empty token: status %d", w.Result().StatusCode())
	}
	w = ut.PerformRequest(h.Engine, consts.MethodDelete, "/api/session/token", jsonBody(""))
	if w.Result().StatusCode() != consts.StatusNoContent || ctrl.token != "" {
		t.Errorf("clear token: status %d token %q", w.Result().StatusCode(), ctrl.token)
	}
}

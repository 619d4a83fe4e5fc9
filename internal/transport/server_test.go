package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dokzlo13/shaded/internal/controller"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/protocol"
	"github.com/dokzlo13/shaded/internal/schedule"
)

// fakeController answers every command with an ok reply routed back
// through the server, like the real publisher does.
type fakeController struct {
	mu     sync.Mutex
	server *Server
	busy   bool
	inbox  []controller.Inbound
}

func (f *fakeController) Submit(in controller.Inbound) error {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return controller.ErrBusy
	}
	f.inbox = append(f.inbox, in)
	f.mu.Unlock()

	if in.Connect {
		f.server.Deliver(protocol.Outbound{Payload: protocol.ConfigSnapshot{Type: protocol.TypeConfig, Shade: 42}})
		return nil
	}
	cmd, err := protocol.Parse(in.Data)
	reply := protocol.NewReply(cmd, protocol.Result{}, err)
	if in.Reply != nil {
		in.Reply <- reply
		return nil
	}
	f.server.Deliver(protocol.Outbound{ClientID: in.ClientID, Payload: reply})
	return nil
}

func (f *fakeController) View() controller.View {
	return controller.View{
		Config:   protocol.ConfigSnapshot{Type: protocol.TypeConfig, Shade: 42},
		Schedule: protocol.ScheduleSnapshot{Type: protocol.TypeSchedule},
	}
}

func (f *fakeController) setBusy(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = b
}

type fakeHistory []*ledger.Entry

func (h fakeHistory) Recent(limit int) ([]*ledger.Entry, error) {
	if limit < len(h) {
		return h[:limit], nil
	}
	return h, nil
}

func (h fakeHistory) GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error) {
	var out fakeHistory
	for _, e := range h {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out.Recent(limit)
}

func newTestServer(t *testing.T, opts Options, history History) (*Server, *fakeController, *httptest.Server) {
	t.Helper()
	ctrl := &fakeController{}
	s := NewServer(opts, ctrl, history, nil)
	ctrl.server = s
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.closeClients()
		ts.Close()
	})
	return s, ctrl, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestWebSocketConnectAndCommand(t *testing.T) {
	s, ctrl, ts := newTestServer(t, Options{}, nil)
	conn := dial(t, ts)

	msg := readJSON(t, conn)
	if msg["type"] != "config" || msg["shade"] != float64(42) {
		t.Fatalf("initial message = %v", msg)
	}
	if s.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", s.Clients())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"stop","requestId":"r1"}`)); err != nil {
		t.Fatal(err)
	}
	reply := readJSON(t, conn)
	if reply["type"] != "reply" || reply["ok"] != true || reply["ack"] != "stop" || reply["requestId"] != "r1" {
		t.Errorf("reply = %v", reply)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.inbox) != 2 || !ctrl.inbox[0].Connect || ctrl.inbox[1].ClientID != ctrl.inbox[0].ClientID {
		t.Errorf("inbox = %+v", ctrl.inbox)
	}
}

func TestWebSocketBusyReply(t *testing.T) {
	_, ctrl, ts := newTestServer(t, Options{}, nil)
	conn := dial(t, ts)
	readJSON(t, conn)

	ctrl.setBusy(true)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"open"}`))
	reply := readJSON(t, conn)
	if reply["ok"] != false || reply["error"] != controller.ErrBusy.Error() || reply["ack"] != "open" {
		t.Errorf("reply = %v", reply)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	_, _, ts := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 1}, nil)
	conn := dial(t, ts)
	readJSON(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"stop"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"stop"}`))

	if first := readJSON(t, conn); first["ok"] != true {
		t.Errorf("first reply = %v", first)
	}
	if second := readJSON(t, conn); second["ok"] != false || second["error"] != ErrRateLimited.Error() {
		t.Errorf("second reply = %v", second)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	s, _, ts := newTestServer(t, Options{}, nil)
	a := dial(t, ts)
	readJSON(t, a)
	b := dial(t, ts)
	readJSON(t, b)
	readJSON(t, a) // b's connect broadcast

	s.Deliver(protocol.Outbound{Payload: protocol.NewScheduleSnapshot(schedule.Document{})})
	for _, conn := range []*websocket.Conn{a, b} {
		if msg := readJSON(t, conn); msg["type"] != "schedule" {
			t.Errorf("broadcast = %v", msg)
		}
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	s, _, ts := newTestServer(t, Options{}, nil)
	conn := dial(t, ts)
	readJSON(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Clients() != 0 {
		t.Errorf("Clients() = %d after disconnect", s.Clients())
	}
}

func TestHTTPCommand(t *testing.T) {
	_, ctrl, ts := newTestServer(t, Options{}, nil)

	resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(`{"cmd":"setShade","shade":30}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply protocol.Reply
	json.NewDecoder(resp.Body).Decode(&reply)
	if !reply.OK || reply.Ack != protocol.CmdSetShade {
		t.Errorf("reply = %+v", reply)
	}

	resp, err = http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(`{"cmd":"dance"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown command status = %d", resp.StatusCode)
	}

	ctrl.setBusy(true)
	resp, err = http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(`{"cmd":"open"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("busy status = %d", resp.StatusCode)
	}
}

func TestHTTPState(t *testing.T) {
	_, _, ts := newTestServer(t, Options{}, nil)

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Config   map[string]any `json:"config"`
		Schedule map[string]any `json:"schedule"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Config["shade"] != float64(42) || body.Schedule["type"] != "schedule" {
		t.Errorf("state = %+v", body)
	}
}

func TestHTTPHistory(t *testing.T) {
	history := fakeHistory{
		{ID: 2, EventType: ledger.EventTargetReached},
		{ID: 1, EventType: ledger.EventCommandApplied},
	}
	_, _, ts := newTestServer(t, Options{}, history)

	resp, err := http.Get(ts.URL + "/api/history?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []ledger.Entry
	json.NewDecoder(resp.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].ID != 2 {
		t.Errorf("entries = %+v", entries)
	}

	resp, err = http.Get(ts.URL + "/api/history/command_applied")
	if err != nil {
		t.Fatal(err)
	}
	entries = nil
	json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()
	if len(entries) != 1 || entries[0].ID != 1 {
		t.Errorf("entries by type = %+v", entries)
	}

	resp, err = http.Get(ts.URL + "/api/history?limit=zero")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d", resp.StatusCode)
	}
}

func TestHTTPHistoryDisabled(t *testing.T) {
	_, _, ts := newTestServer(t, Options{}, nil)
	resp, err := http.Get(ts.URL + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

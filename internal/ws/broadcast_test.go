package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wiretap-dev/wiretap/internal/config"
	"github.com/wiretap-dev/wiretap/internal/monitor"
	"github.com/wiretap-dev/wiretap/internal/session"
)

type testServer struct {
	*httptest.Server
	dir *session.Directory
	hub *Hub
}

// testClock hands out strictly increasing timestamps one second apart.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

var testBase = time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	clock := &testClock{now: testBase}
	dir := session.NewDirectory(cfg.Events.Capacity, session.WithClock(clock.Now))
	hub := NewHub(dir, cfg.Hub)
	srv := NewServer(cfg, dir, hub, monitor.NewHealth(0))
	ts := &testServer{Server: httptest.NewServer(srv.Handler(nil)), dir: dir, hub: hub}
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) emit(t *testing.T, sessionID, method string) session.Event {
	t.Helper()
	ev, err := ts.dir.GetOrCreateBus(sessionID).Emit(session.NewNotification(method, nil))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return ev
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// syncConn round-trips a list_sessions request. Messages are handled in order,
// so every earlier request has taken effect once the reply arrives, and
// anything queued before it has been read off the wire.
func syncConn(t *testing.T, conn *websocket.Conn) []ServerMessage {
	t.Helper()
	send(t, conn, ClientMessage{Type: MsgListSessions})
	var before []ServerMessage
	for {
		msg := readMsg(t, conn)
		if msg.Type == MsgSessions {
			return before
		}
		before = append(before, msg)
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, ids ...string) {
	t.Helper()
	for _, id := range ids {
		send(t, conn, ClientMessage{Type: MsgSubscribe, SessionID: id})
	}
	if extra := syncConn(t, conn); len(extra) != 0 {
		t.Fatalf("unexpected messages while subscribing: %+v", extra)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_SpecificSubscription(t *testing.T) {
	ts := newTestServer(t, nil)
	specific := ts.dial(t)
	subscribe(t, specific, "session-1")

	ts.emit(t, "session-1", "one")
	ts.emit(t, "session-2", "two")

	msg := readMsg(t, specific)
	if msg.Type != MsgEvent || msg.SessionID != "session-1" || msg.Event == nil || msg.Event.Method != "one" {
		t.Fatalf("got %+v", msg)
	}
	if extra := syncConn(t, specific); len(extra) != 0 {
		t.Errorf("received events for other sessions: %+v", extra)
	}
}

func TestHub_WildcardReceivesAllSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.emit(t, "existing", "before")

	all := ts.dial(t)
	subscribe(t, all, Wildcard)

	ts.emit(t, "existing", "a")
	ts.emit(t, "future", "b")

	first, second := readMsg(t, all), readMsg(t, all)
	if first.SessionID != "existing" || first.Event.Method != "a" {
		t.Errorf("first = %+v", first)
	}
	if second.SessionID != "future" || second.Event.Method != "b" {
		t.Errorf("second = %+v", second)
	}
}

func TestHub_EventWireShape(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	subscribe(t, conn, "s1")
	ts.emit(t, "s1", "notifications/progress")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var raw struct {
		Type      string                     `json:"type"`
		SessionID string                     `json:"sessionId"`
		Event     map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Type != "event" || raw.SessionID != "s1" {
		t.Errorf("envelope = %s", data)
	}
	for _, field := range []string{"type", "timestamp", "method"} {
		if _, ok := raw.Event[field]; !ok {
			t.Errorf("event missing %q: %s", field, data)
		}
	}
	if _, ok := raw.Event["id"]; ok {
		t.Errorf("notification carries id: %s", data)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	subscribe(t, conn, "s1")

	ts.emit(t, "s1", "kept")
	if msg := readMsg(t, conn); msg.Type != MsgEvent {
		t.Fatalf("got %+v", msg)
	}

	send(t, conn, ClientMessage{Type: MsgUnsubscribe, SessionID: "s1"})
	syncConn(t, conn)
	ts.emit(t, "s1", "dropped")

	if extra := syncConn(t, conn); len(extra) != 0 {
		t.Errorf("received after unsubscribe: %+v", extra)
	}
}

func TestHub_LifecycleOnlyToWildcard(t *testing.T) {
	ts := newTestServer(t, nil)
	specific := ts.dial(t)
	subscribe(t, specific, "s1")
	all := ts.dial(t)
	subscribe(t, all, Wildcard)

	ts.emit(t, "s1", "hello")
	ts.dir.SetSessionMetadata("s1", session.Metadata{ClientName: "inspector"})
	ts.dir.CloseSession("s1")

	want := []MessageType{MsgEvent, MsgSessionCreated, MsgSessionClosed}
	for _, w := range want {
		msg := readMsg(t, all)
		if msg.Type != w {
			t.Fatalf("wildcard got %s, want %s", msg.Type, w)
		}
		if w == MsgSessionCreated && (msg.Session == nil || msg.Session.ID != "s1" || msg.Session.Metadata == nil || msg.Session.Metadata.ClientName != "inspector") {
			t.Errorf("session_created = %+v", msg.Session)
		}
		if w == MsgSessionClosed && msg.SessionID != "s1" {
			t.Errorf("session_closed = %+v", msg)
		}
	}

	if msg := readMsg(t, specific); msg.Type != MsgEvent {
		t.Fatalf("specific got %+v", msg)
	}
	if extra := syncConn(t, specific); len(extra) != 0 {
		t.Errorf("specific subscriber received lifecycle: %+v", extra)
	}
}

func TestHub_Backfill(t *testing.T) {
	ts := newTestServer(t, nil)
	var emitted []session.Event
	for _, m := range []string{"m1", "m2", "m3", "m4", "m5"} {
		emitted = append(emitted, ts.emit(t, "s1", m))
	}
	conn := ts.dial(t)

	since := emitted[2].Timestamp
	tests := []struct {
		name string
		msg  ClientMessage
		want []string
	}{
		{"All", ClientMessage{SessionID: "s1"}, []string{"m1", "m2", "m3", "m4", "m5"}},
		{"LimitTail", ClientMessage{SessionID: "s1", Limit: 2}, []string{"m4", "m5"}},
		{"SinceInclusive", ClientMessage{SessionID: "s1", Since: &since}, []string{"m3", "m4", "m5"}},
		{"SinceAndLimit", ClientMessage{SessionID: "s1", Since: &since, Limit: 1}, []string{"m5"}},
		{"UnknownSession", ClientMessage{SessionID: "nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.Type = MsgBackfill
			send(t, conn, tt.msg)
			msg := readMsg(t, conn)
			if msg.Type != MsgBackfill || msg.SessionID != tt.msg.SessionID {
				t.Fatalf("got %+v", msg)
			}
			if len(msg.Events) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(msg.Events), len(tt.want))
			}
			for i, w := range tt.want {
				if msg.Events[i].Method != w {
					t.Errorf("events[%d] = %s, want %s", i, msg.Events[i].Method, w)
				}
			}
		})
	}
}

func TestHub_BackfillUnknownIsEmptyArray(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	send(t, conn, ClientMessage{Type: MsgBackfill, SessionID: "ghost"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"events":[]`) {
		t.Errorf("backfill = %s, want empty events array", data)
	}
}

func TestHub_ListSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.emit(t, "b", "x")
	ts.emit(t, "a", "x")
	ts.emit(t, "a", "y")
	ts.dir.SetSessionMetadata("a", session.Metadata{ClientName: "cli"})

	conn := ts.dial(t)
	send(t, conn, ClientMessage{Type: MsgListSessions})
	msg := readMsg(t, conn)
	if msg.Type != MsgSessions || len(msg.Sessions) != 2 {
		t.Fatalf("got %+v", msg)
	}
	a, b := msg.Sessions[0], msg.Sessions[1]
	if a.ID != "a" || a.EventCount != 2 || a.Metadata == nil || a.Metadata.ClientName != "cli" {
		t.Errorf("a = %+v", a)
	}
	if b.ID != "b" || b.EventCount != 1 || b.Metadata != nil {
		t.Errorf("b = %+v", b)
	}
}

func TestHub_MalformedMessagesKeepConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)

	inputs := []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"subscribe"}`,
		`{"type":"unsubscribe"}`,
		`{"type":"backfill"}`,
		`{"type":"backfill","sessionId":"s1","since":"yesterday"}`,
	}
	for _, in := range inputs {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(in)); err != nil {
			t.Fatal(err)
		}
		msg := readMsg(t, conn)
		if msg.Type != MsgError || msg.Message == "" {
			t.Errorf("%s: got %+v, want error", in, msg)
		}
	}

	subscribe(t, conn, "s1")
	ts.emit(t, "s1", "still-alive")
	if msg := readMsg(t, conn); msg.Type != MsgEvent {
		t.Errorf("got %+v after errors", msg)
	}
}

func TestHub_PerConnectionOrdering(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	subscribe(t, conn, Wildcard)

	const perSession = 40
	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2", "s3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			bus := ts.dir.GetOrCreateBus(id)
			for i := 0; i < perSession; i++ {
				bus.Emit(session.NewNotification("tick", nil))
			}
		}(id)
	}
	wg.Wait()

	lastSeq := make(map[string]uint64)
	for i := 0; i < 3*perSession; i++ {
		msg := readMsg(t, conn)
		if msg.Type != MsgEvent {
			t.Fatalf("got %+v", msg)
		}
		if msg.Event.Seq != lastSeq[msg.SessionID]+1 {
			t.Fatalf("%s: seq %d after %d", msg.SessionID, msg.Event.Seq, lastSeq[msg.SessionID])
		}
		lastSeq[msg.SessionID] = msg.Event.Seq
	}
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	subscribe(t, conn, Wildcard)
	if got := ts.hub.ClientCount(); got != 1 {
		t.Fatalf("ClientCount = %d", got)
	}

	conn.Close()
	waitFor(t, func() bool { return ts.hub.ClientCount() == 0 })

	// Emitting with no observers must not block or panic.
	ts.emit(t, "s1", "after")
}

func TestHub_CloseDetachesFromDirectory(t *testing.T) {
	dir := session.NewDirectory(10)
	h := NewHub(dir, config.HubConfig{})
	c := &client{id: "c", hub: h, send: make(chan []byte, 4), subs: map[string]bool{Wildcard: true}}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	h.Close()
	if h.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after Close", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send queue not closed")
	}
	dir.GetOrCreateBus("s1").Emit(session.NewNotification("late", nil))
}

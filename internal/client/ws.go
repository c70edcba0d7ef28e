// Package client is a reconnecting observer for the broadcast hub.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wiretap-dev/wiretap/internal/session"
	"github.com/wiretap-dev/wiretap/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// Handlers receive what the hub sends. Nil handlers are skipped. All of them
// run on the observer's read goroutine.
type Handlers struct {
	Event          func(sessionID string, ev session.Event)
	SessionCreated func(s session.Summary)
	SessionClosed  func(sessionID string)
	Sessions       func(sessions []session.Summary)
	Error          func(message string)
	// Connected fires once per connection, after subscriptions are sent.
	Connected func()
}

// Observer keeps a subscription to a hub alive across disconnects. After
// every (re)connect it backfills what it missed, so each event reaches
// Handlers.Event exactly once and in order per session.
type Observer struct {
	url      string
	sessions []string
	h        Handlers
	minDelay time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, requests)
	conn    *websocket.Conn
	pingCtx context.CancelFunc

	// Read goroutine only.
	last map[string]position
}

// position is the newest event delivered for a session.
type position struct {
	ts  time.Time
	seq uint64
}

func (p position) before(ev session.Event) bool {
	return ev.Timestamp.After(p.ts) || (ev.Timestamp.Equal(p.ts) && ev.Seq > p.seq)
}

// NewObserver creates an observer of the given sessions. No sessions means
// all of them.
func NewObserver(url string, sessions []string, h Handlers) *Observer {
	if len(sessions) == 0 {
		sessions = []string{ws.Wildcard}
	}
	return &Observer{
		url:      url,
		sessions: sessions,
		h:        h,
		minDelay: reconnectBaseDelay,
		maxDelay: reconnectMaxDelay,
		last:     make(map[string]position),
	}
}

// Run connects and reconnects until ctx is done, and returns ctx.Err().
func (o *Observer) Run(ctx context.Context) error {
	delay := o.minDelay
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("observer: dial error: %v (retry in %v)", err, delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, o.maxDelay)
			continue
		}
		delay = o.minDelay

		err = o.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("observer: disconnected: %v (reconnecting in %v)", err, delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// ListSessions asks the hub for its session summaries. The reply arrives on
// Handlers.Sessions.
func (o *Observer) ListSessions() error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return o.write(conn, ws.ClientMessage{Type: ws.MsgListSessions})
}

// resume is the catch-up state of one connection.
type resume struct {
	// holdAll buffers every live event until the session listing is known.
	holdAll bool
	// requested marks sessions with a backfill in flight.
	requested map[string]bool
	pending   map[string][]session.Event
	listing   bool
}

func (o *Observer) serve(ctx context.Context, conn *websocket.Conn) error {
	o.mu.Lock()
	if o.pingCtx != nil {
		o.pingCtx()
	}
	pingCtx, pingCancel := context.WithCancel(ctx)
	o.conn = conn
	o.pingCtx = pingCancel
	o.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		pingCancel()
		o.mu.Lock()
		if o.conn == conn {
			o.conn = nil
		}
		o.mu.Unlock()
		conn.Close()
	}()

	go o.pingLoop(pingCtx, conn)

	st := &resume{requested: make(map[string]bool), pending: make(map[string][]session.Event)}
	if err := o.start(conn, st); err != nil {
		return err
	}
	if o.h.Connected != nil {
		o.h.Connected()
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg ws.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if err := o.dispatch(conn, st, msg); err != nil {
			return err
		}
	}
}

// start subscribes and asks for everything missed since the last delivered
// event of each session.
func (o *Observer) start(conn *websocket.Conn, st *resume) error {
	for _, id := range o.sessions {
		if err := o.write(conn, ws.ClientMessage{Type: ws.MsgSubscribe, SessionID: id}); err != nil {
			return err
		}
	}
	for _, id := range o.sessions {
		if id == ws.Wildcard {
			st.holdAll = true
			st.listing = true
			return o.write(conn, ws.ClientMessage{Type: ws.MsgListSessions})
		}
	}
	for _, id := range o.sessions {
		if err := o.requestBackfill(conn, st, id); err != nil {
			return err
		}
	}
	return nil
}

func (o *Observer) requestBackfill(conn *websocket.Conn, st *resume, sessionID string) error {
	if st.requested[sessionID] {
		return nil
	}
	st.requested[sessionID] = true
	if _, ok := st.pending[sessionID]; !ok {
		st.pending[sessionID] = nil
	}
	msg := ws.ClientMessage{Type: ws.MsgBackfill, SessionID: sessionID}
	if p, ok := o.last[sessionID]; ok {
		since := p.ts
		msg.Since = &since
	}
	return o.write(conn, msg)
}

func (o *Observer) dispatch(conn *websocket.Conn, st *resume, msg ws.ServerMessage) error {
	switch msg.Type {
	case ws.MsgEvent:
		if msg.Event == nil {
			return nil
		}
		if _, held := st.pending[msg.SessionID]; held || st.holdAll {
			st.pending[msg.SessionID] = append(st.pending[msg.SessionID], *msg.Event)
			return nil
		}
		o.deliver(msg.SessionID, *msg.Event)

	case ws.MsgBackfill:
		for _, ev := range msg.Events {
			o.deliver(msg.SessionID, ev)
		}
		if st.requested[msg.SessionID] {
			for _, ev := range st.pending[msg.SessionID] {
				o.deliver(msg.SessionID, ev)
			}
			delete(st.pending, msg.SessionID)
			delete(st.requested, msg.SessionID)
		}

	case ws.MsgSessions:
		if st.listing {
			st.listing = false
			for _, s := range msg.Sessions {
				if err := o.requestBackfill(conn, st, s.ID); err != nil {
					return err
				}
			}
			// Sessions created after the listing have been seen live from
			// their first event.
			for id, held := range st.pending {
				if st.requested[id] {
					continue
				}
				for _, ev := range held {
					o.deliver(id, ev)
				}
				delete(st.pending, id)
			}
			st.holdAll = false
		}
		if o.h.Sessions != nil {
			o.h.Sessions(msg.Sessions)
		}

	case ws.MsgSessionCreated:
		if o.h.SessionCreated != nil && msg.Session != nil {
			o.h.SessionCreated(*msg.Session)
		}

	case ws.MsgSessionClosed:
		delete(o.last, msg.SessionID)
		if o.h.SessionClosed != nil {
			o.h.SessionClosed(msg.SessionID)
		}

	case ws.MsgError:
		log.Printf("observer: hub error: %s", msg.Message)
		if o.h.Error != nil {
			o.h.Error(msg.Message)
		}
	}
	return nil
}

// deliver hands ev to the handler unless an event at or after its position
// was already delivered.
func (o *Observer) deliver(sessionID string, ev session.Event) {
	if p, ok := o.last[sessionID]; ok && !p.before(ev) {
		return
	}
	o.last[sessionID] = position{ts: ev.Timestamp, seq: ev.Seq}
	if o.h.Event != nil {
		o.h.Event(sessionID, ev)
	}
}

func (o *Observer) write(conn *websocket.Conn, v any) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (o *Observer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			cc := o.conn
			o.mu.Unlock()
			if cc != conn {
				return
			}
			o.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			o.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

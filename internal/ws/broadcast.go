package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wiretap-dev/wiretap/internal/config"
	"github.com/wiretap-dev/wiretap/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the hub is full.
var ErrTooManyConnections = errors.New("too many connections")

const maxMessageSize = 64 << 10

type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sessionID] || c.subs[Wildcard]
}

func (c *client) wildcard() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[Wildcard]
}

func (c *client) subscribe(sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = true
	c.mu.Unlock()
}

func (c *client) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
}

// writePump is the only goroutine writing to conn. It exits when send is
// closed by RemoveClient or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.RemoveClient(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles observer messages until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
	}()

	pongWait := c.hub.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: client %s read error: %v", c.id, err)
			}
			return
		}
		c.hub.handleMessage(c, data)
	}
}

// Hub fans directory events out to observer connections according to each
// connection's subscription set and answers backfill and listing queries.
type Hub struct {
	dir *session.Directory
	cfg config.HubConfig

	mu      sync.RWMutex
	clients map[*client]bool

	detach []func()
}

// NewHub creates a hub following every session in dir.
func NewHub(dir *session.Directory, cfg config.HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	h := &Hub{
		dir:     dir,
		cfg:     cfg,
		clients: make(map[*client]bool),
	}
	h.detach = []func(){
		dir.OnEvent(h.relayEvent),
		dir.OnSessionCreated(h.relaySessionCreated),
		dir.OnSessionClosed(h.relaySessionClosed),
	}
	return h
}

// pongWait is how long a connection may stay silent before it is dropped.
func (h *Hub) pongWait() time.Duration {
	return h.cfg.PingInterval * 2
}

// Full reports whether a new connection would be rejected.
func (h *Hub) Full() bool {
	if h.cfg.MaxConnections <= 0 {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.cfg.MaxConnections
}

// AddClient registers conn with an empty subscription set and starts its
// pumps. The hub owns conn from here on.
func (h *Hub) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.cfg.SendBuffer),
		subs: make(map[string]bool),
	}

	h.mu.Lock()
	if h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c, nil
}

// RemoveClient drops c and closes its send queue. Safe to call repeatedly.
func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches the hub from the directory and disconnects every client.
func (h *Hub) Close() {
	for _, fn := range h.detach {
		fn()
	}
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) relayEvent(sessionID string, ev session.Event) {
	var data []byte
	h.fanOut(func(c *client) bool { return c.subscribed(sessionID) }, func() []byte {
		if data == nil {
			data = mustMarshal(EventMessage{Type: MsgEvent, SessionID: sessionID, Event: ev})
		}
		return data
	})
}

func (h *Hub) relaySessionCreated(s session.Summary) {
	data := mustMarshal(SessionCreatedMessage{Type: MsgSessionCreated, Session: s})
	h.fanOut((*client).wildcard, func() []byte { return data })
}

func (h *Hub) relaySessionClosed(sessionID string) {
	data := mustMarshal(SessionClosedMessage{Type: MsgSessionClosed, SessionID: sessionID})
	h.fanOut((*client).wildcard, func() []byte { return data })
}

// fanOut queues a message for every client match accepts. The payload is
// built lazily so events nobody follows are never encoded. Sends hold the
// read lock so a queue cannot be closed mid-send.
func (h *Hub) fanOut(match func(*client) bool, payload func() []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		if !match(c) {
			continue
		}
		data := payload()
		if data == nil {
			break
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// sendTo queues a reply for one client.
func (h *Hub) sendTo(c *client, msg any) {
	data := mustMarshal(msg)
	if data == nil {
		return
	}

	h.mu.RLock()
	if !h.clients[c] {
		h.mu.RUnlock()
		return
	}
	var slow []*client
	select {
	case c.send <- data:
	default:
		slow = append(slow, c)
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// dropSlow disconnects clients whose queue is full. A gap in an ordered
// stream would be silent, so they reconnect and backfill instead.
func (h *Hub) dropSlow(slow []*client) {
	for _, c := range slow {
		log.Printf("hub: client %s too slow, disconnecting", c.id)
		h.RemoveClient(c)
	}
}

func (h *Hub) handleMessage(c *client, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, fmt.Sprintf("invalid message: %v", err))
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		if msg.SessionID == "" {
			h.sendError(c, "subscribe requires sessionId")
			return
		}
		c.subscribe(msg.SessionID)
	case MsgUnsubscribe:
		if msg.SessionID == "" {
			h.sendError(c, "unsubscribe requires sessionId")
			return
		}
		c.unsubscribe(msg.SessionID)
	case MsgBackfill:
		if msg.SessionID == "" {
			h.sendError(c, "backfill requires sessionId")
			return
		}
		h.sendTo(c, BackfillMessage{
			Type:      MsgBackfill,
			SessionID: msg.SessionID,
			Events:    h.Backfill(msg.SessionID, backfillQuery(msg)),
		})
	case MsgListSessions:
		h.sendTo(c, SessionsMessage{Type: MsgSessions, Sessions: h.dir.GetSessionSummaries()})
	default:
		h.sendError(c, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func backfillQuery(msg ClientMessage) session.Query {
	q := session.Query{Limit: msg.Limit}
	if msg.Since != nil {
		q.Since = *msg.Since
	}
	return q
}

// Backfill returns the buffered events of sessionID matching q. An unknown
// session yields an empty slice.
func (h *Hub) Backfill(sessionID string, q session.Query) []session.Event {
	bus, ok := h.dir.GetBus(sessionID)
	if !ok {
		return []session.Event{}
	}
	return bus.Events(q)
}

func (h *Hub) sendError(c *client, message string) {
	h.sendTo(c, ErrorMessage{Type: MsgError, Message: message})
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: marshal error: %v", err)
		return nil
	}
	return data
}

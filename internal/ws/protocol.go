package ws

import (
	"time"

	"github.com/wiretap-dev/wiretap/internal/session"
)

// Wildcard subscribes to every session, including ones created later.
const Wildcard = "*"

type MessageType string

// Observer to hub.
const (
	MsgSubscribe    MessageType = "subscribe"
	MsgUnsubscribe  MessageType = "unsubscribe"
	MsgListSessions MessageType = "list_sessions"
)

// Hub to observer. MsgBackfill is used in both directions.
const (
	MsgEvent          MessageType = "event"
	MsgBackfill       MessageType = "backfill"
	MsgSessions       MessageType = "sessions"
	MsgSessionCreated MessageType = "session_created"
	MsgSessionClosed  MessageType = "session_closed"
	MsgError          MessageType = "error"
)

// ClientMessage is any message an observer sends.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Since     *time.Time  `json:"since,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

type EventMessage struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"sessionId"`
	Event     session.Event `json:"event"`
}

type BackfillMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Events    []session.Event `json:"events"`
}

type SessionsMessage struct {
	Type     MessageType       `json:"type"`
	Sessions []session.Summary `json:"sessions"`
}

type SessionCreatedMessage struct {
	Type    MessageType     `json:"type"`
	Session session.Summary `json:"session"`
}

type SessionClosedMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ServerMessage decodes any hub message. Only the fields of its Type are set.
type ServerMessage struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Event     *session.Event    `json:"event,omitempty"`
	Events    []session.Event   `json:"events,omitempty"`
	Sessions  []session.Summary `json:"sessions,omitempty"`
	Session   *session.Summary  `json:"session,omitempty"`
	Message   string            `json:"message,omitempty"`
}

package session

import "time"

// Metadata describes the client on the other end of a session. It is set
// once the protocol handshake reveals it; everything is optional.
type Metadata struct {
	ClientName    string    `json:"clientName,omitempty"`
	ClientVersion string    `json:"clientVersion,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Summary is the listing view of one session.
type Summary struct {
	ID         string    `json:"id"`
	EventCount int       `json:"eventCount"`
	Metadata   *Metadata `json:"metadata,omitempty"`
}

// Tagged pairs an event with the session it was emitted on.
type Tagged struct {
	SessionID string
	Event     Event
}

func (m *Metadata) clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

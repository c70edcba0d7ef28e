package tap

import (
	"context"
	"encoding/json"
)

// Sender is the send primitive of a duplex message channel.
type Sender interface {
	Send(ctx context.Context, msg json.RawMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg json.RawMessage) error

func (f SenderFunc) Send(ctx context.Context, msg json.RawMessage) error {
	return f(ctx, msg)
}

// WrapSender returns a Sender that reports each outbound notification or
// response before delegating to inner. sessionID is consulted per message
// because transports usually learn their session id after construction; it
// may be nil.
func (t *Tap) WrapSender(inner Sender, sessionID func() string) Sender {
	return &observedSender{inner: inner, sessionID: sessionID, tap: t}
}

type observedSender struct {
	inner     Sender
	sessionID func() string
	tap       *Tap
}

func (s *observedSender) Send(ctx context.Context, msg json.RawMessage) error {
	s.observe(msg)
	return s.inner.Send(ctx, msg)
}

func (s *observedSender) observe(msg json.RawMessage) {
	defer s.tap.guard(NameSender)

	events, valid := classify(msg, outbound)
	if !valid {
		s.tap.opts.Health.RecordSkipped(NameSender)
		return
	}
	if len(events) == 0 {
		return
	}
	var id string
	if s.sessionID != nil {
		id = s.sessionID()
	}
	for _, ev := range events {
		s.tap.emit(NameSender, id, ev)
	}
}

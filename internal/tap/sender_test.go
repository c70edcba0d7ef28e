package tap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/wiretap-dev/wiretap/internal/session"
)

func TestSenderReportsAndDelegates(t *testing.T) {
	tp, dir, _ := newTestTap(t)
	var sent []string
	inner := SenderFunc(func(_ context.Context, msg json.RawMessage) error {
		// The event is already buffered when the transport sees the message.
		if got := len(sessionEvents(t, dir, "s1")); got != len(sent)+1 {
			t.Errorf("at send %d: %d events buffered", len(sent), got)
		}
		sent = append(sent, string(msg))
		return nil
	})
	sender := tp.WrapSender(inner, func() string { return "s1" })

	msgs := []string{
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
		`{"jsonrpc":"2.0","id":7,"result":{"content":[]}}`,
	}
	for _, m := range msgs {
		if err := sender.Send(context.Background(), json.RawMessage(m)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if len(sent) != 2 || sent[0] != msgs[0] || sent[1] != msgs[1] {
		t.Errorf("inner received %q", sent)
	}
	events := sessionEvents(t, dir, "s1")
	if events[0].Type != session.EventNotification || events[0].Method != "notifications/progress" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Type != session.EventResponse || string(events[1].ID) != "7" {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestSenderErrorPassesThrough(t *testing.T) {
	tp, _, _ := newTestTap(t)
	closed := errors.New("transport closed")
	sender := tp.WrapSender(SenderFunc(func(context.Context, json.RawMessage) error { return closed }), nil)

	if err := sender.Send(context.Background(), json.RawMessage(`{"method":"n"}`)); !errors.Is(err, closed) {
		t.Errorf("Send error = %v, want %v", err, closed)
	}
}

func TestSenderUnparseableStillDelivered(t *testing.T) {
	tp, dir, health := newTestTap(t)
	delivered := 0
	sender := tp.WrapSender(SenderFunc(func(context.Context, json.RawMessage) error {
		delivered++
		return nil
	}), func() string { return "s1" })

	sender.Send(context.Background(), json.RawMessage(`{broken`))
	sender.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"roots/list"}`))

	if delivered != 2 {
		t.Errorf("delivered %d, want 2", delivered)
	}
	if events := sessionEvents(t, dir, "s1"); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
	if snap := health.Snapshot(); len(snap) != 1 || snap[0].Skipped != 1 {
		t.Errorf("health = %+v", snap)
	}
}

func TestSenderNilSessionUsesUnknownBucket(t *testing.T) {
	tp, dir, _ := newTestTap(t)
	sender := tp.WrapSender(SenderFunc(func(context.Context, json.RawMessage) error { return nil }), nil)
	sender.Send(context.Background(), json.RawMessage(`{"method":"notifications/message"}`))

	if got := len(sessionEvents(t, dir, DefaultUnknownSession)); got != 1 {
		t.Errorf("unknown bucket has %d events, want 1", got)
	}
}

func TestSenderSessionResolvedPerMessage(t *testing.T) {
	tp, dir, _ := newTestTap(t)
	id := ""
	sender := tp.WrapSender(SenderFunc(func(context.Context, json.RawMessage) error { return nil }), func() string { return id })

	sender.Send(context.Background(), json.RawMessage(`{"method":"a"}`))
	id = "late"
	sender.Send(context.Background(), json.RawMessage(`{"method":"b"}`))

	if got := sessionEvents(t, dir, DefaultUnknownSession); len(got) != 1 || got[0].Method != "a" {
		t.Errorf("unknown bucket = %+v", got)
	}
	if got := sessionEvents(t, dir, "late"); len(got) != 1 || got[0].Method != "b" {
		t.Errorf("late session = %+v", got)
	}
}

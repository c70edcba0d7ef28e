package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/wiretap-dev/wiretap/internal/client"
	"github.com/wiretap-dev/wiretap/internal/session"
)

// line is one printed record.
type line struct {
	Kind      string           `json:"kind"`
	SessionID string           `json:"sessionId,omitempty"`
	Event     *session.Event   `json:"event,omitempty"`
	Session   *session.Summary `json:"session,omitempty"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}

func main() {
	url := pflag.String("url", "ws://127.0.0.1:8080/ws", "Hub websocket URL")
	sessions := pflag.StringSlice("session", nil, "Session ids to follow (default: all)")
	lifecycle := pflag.Bool("lifecycle", true, "Print session created/closed records")
	pflag.Parse()

	enc := json.NewEncoder(os.Stdout)
	write := func(l line) {
		l.At = time.Now()
		if err := enc.Encode(l); err != nil {
			log.Printf("observe: write: %v", err)
		}
	}

	h := client.Handlers{
		Event: func(id string, ev session.Event) {
			write(line{Kind: "event", SessionID: id, Event: &ev})
		},
		Error: func(message string) {
			write(line{Kind: "error", Message: message})
		},
		Connected: func() {
			fmt.Fprintf(os.Stderr, "connected to %s\n", *url)
		},
	}
	if *lifecycle {
		h.SessionCreated = func(s session.Summary) {
			write(line{Kind: "session_created", SessionID: s.ID, Session: &s})
		}
		h.SessionClosed = func(id string) {
			write(line{Kind: "session_closed", SessionID: id})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.NewObserver(*url, *sessions, h).Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("observe: %v", err)
	}
}

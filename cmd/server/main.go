package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/wiretap-dev/wiretap/internal/config"
	"github.com/wiretap-dev/wiretap/internal/mock"
	"github.com/wiretap-dev/wiretap/internal/monitor"
	"github.com/wiretap-dev/wiretap/internal/session"
	"github.com/wiretap-dev/wiretap/internal/tap"
	"github.com/wiretap-dev/wiretap/internal/ws"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "Path to config file")
	port := pflag.Int("port", 0, "Override server port")
	mockMode := pflag.Bool("mock", false, "Serve a mock protocol server behind the taps")
	pflag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *mockMode {
		cfg.Mock.Enabled = true
	}

	dir := session.NewDirectory(cfg.Events.Capacity)
	health := monitor.NewHealth(cfg.Tap.HealthThreshold)
	hub := ws.NewHub(dir, cfg.Hub)
	defer hub.Close()
	server := ws.NewServer(cfg, dir, hub, health)

	var mount func(mux *http.ServeMux)
	if cfg.Mock.Enabled {
		tp := tap.New(dir, tap.Options{
			SessionHeader:  cfg.Tap.SessionHeader,
			UnknownSession: cfg.Tap.UnknownSession,
			MaxBodyBytes:   cfg.Tap.MaxBodyBytes,
			Health:         health,
			OnSessionClosed: func(id string, history []session.Event) {
				log.Printf("Session %s ended after %d events", id, len(history))
			},
		})
		m := mock.NewServer(mock.NewTaskStore(), mock.Options{
			SessionHeader: cfg.Tap.SessionHeader,
			TaskStep:      cfg.Mock.TaskStep,
			WrapTaskStore: tp.WrapTaskStore,
			WrapSender: func(id string, inner tap.Sender) tap.Sender {
				return tp.WrapSender(inner, func() string { return id })
			},
		})
		mount = func(mux *http.ServeMux) {
			mux.Handle(cfg.Mock.Path, m.Handler(tp.Middleware))
		}
		log.Printf("Starting in mock mode (protocol endpoint %s)", cfg.Mock.Path)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		hub.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, server.Handler(mount)); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

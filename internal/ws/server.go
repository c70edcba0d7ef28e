package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wiretap-dev/wiretap/internal/config"
	"github.com/wiretap-dev/wiretap/internal/monitor"
	"github.com/wiretap-dev/wiretap/internal/session"
)

type Server struct {
	config         *config.Config
	dir            *session.Directory
	hub            *Hub
	health         *monitor.Health
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg *config.Config, dir *session.Directory, hub *Hub, health *monitor.Health) *Server {
	s := &Server{
		config:         cfg,
		dir:            dir,
		hub:            hub,
		health:         health,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.Full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.hub.AddClient(conn)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrTooManyConnections) {
			code = websocket.CloseTryAgainLater
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("hub: client %s connected from %s", c.id, r.RemoteAddr)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.dir.GetSessionSummaries())
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse: /api/sessions/{id} or /api/sessions/{id}/events
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil || sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleSession(w, r, sessionID)
	case parts[1] == "events":
		s.handleEvents(w, r, sessionID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	history, ok := s.dir.CloseSession(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, BackfillMessage{Type: MsgBackfill, SessionID: sessionID, Events: history})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bus, ok := s.dir.GetBus(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bus.Events(q))
}

// parseQuery reads since (RFC 3339) and limit from the query string.
func parseQuery(v url.Values) (session.Query, error) {
	var q session.Query
	if raw := v.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, fmt.Errorf("invalid since: %w", err)
		}
		q.Since = since
	}
	if raw := v.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("invalid limit: %w", err)
		}
		q.Limit = limit
	}
	return q, nil
}

type healthResponse struct {
	Status    monitor.Status       `json:"status"`
	Taps      []monitor.TapHealth  `json:"taps"`
	Sessions  int                  `json:"sessions"`
	Observers int                  `json:"observers"`
	Process   *monitor.ProcessInfo `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    s.health.Overall(),
		Taps:      s.health.Snapshot(),
		Sessions:  len(s.dir.GetAllSessions()),
		Observers: s.hub.ClientCount(),
	}
	if info, err := monitor.SelfProcess(); err == nil {
		resp.Process = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// securityHeaders sets conservative browser security headers on every
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the full route table wrapped in the security headers.
func (s *Server) Handler(extra func(mux *http.ServeMux)) http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	if extra != nil {
		extra(mux)
	}
	return securityHeaders(mux)
}

func ListenAndServe(host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, handler)
}

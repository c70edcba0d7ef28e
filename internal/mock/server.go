package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wiretap-dev/wiretap/internal/tap"
)

const protocolVersion = "2025-06-18"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

const progressSteps = 3

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// mockSession holds the server-initiated message queue of one session.
type mockSession struct {
	outbox chan json.RawMessage
}

// Options configures a Server.
type Options struct {
	// SessionHeader carries the session id. Defaults to tap.DefaultSessionHeader.
	SessionHeader string
	// TaskStep is the pause between progress updates of a slow tool call.
	TaskStep time.Duration
	// WrapTaskStore lets the caller observe task state changes.
	WrapTaskStore func(inner tap.TaskStore) tap.TaskStore
	// WrapSender lets the caller observe server-initiated messages. The
	// function receives the session id and the raw sender.
	WrapSender func(sessionID string, inner tap.Sender) tap.Sender
}

// Server is a small stateful JSON-RPC server speaking the streamable HTTP
// transport: POST for requests (answered as JSON or as an event stream), GET
// for the server-initiated stream, DELETE to end the session. It exists to
// generate realistic traffic for the taps.
type Server struct {
	store *TaskStore
	tasks tap.TaskStore
	opts  Options

	mu       sync.Mutex
	sessions map[string]*mockSession
	senders  map[string]tap.Sender
}

// NewServer creates a server keeping task state in store.
func NewServer(store *TaskStore, opts Options) *Server {
	if opts.SessionHeader == "" {
		opts.SessionHeader = tap.DefaultSessionHeader
	}
	var tasks tap.TaskStore = store
	if opts.WrapTaskStore != nil {
		tasks = opts.WrapTaskStore(store)
	}
	return &Server{
		store:    store,
		tasks:    tasks,
		opts:     opts,
		sessions: make(map[string]*mockSession),
		senders:  make(map[string]tap.Sender),
	}
}

// Handler serves the protocol endpoint. observe wraps the POST and DELETE
// paths; the GET stream is left bare because everything on it already goes
// through the session's sender.
func (s *Server) Handler(observe func(http.Handler) http.Handler) http.Handler {
	var rpc http.Handler = http.HandlerFunc(s.serveRPC)
	if observe != nil {
		rpc = observe(rpc)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodDelete:
			rpc.ServeHTTP(w, r)
		case http.MethodGet:
			s.serveStream(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) newSession() string {
	id := uuid.NewString()
	sess := &mockSession{outbox: make(chan json.RawMessage, 64)}
	var sender tap.Sender = tap.SenderFunc(func(_ context.Context, msg json.RawMessage) error {
		select {
		case sess.outbox <- msg:
			return nil
		default:
			return errors.New("outbox full")
		}
	})
	if s.opts.WrapSender != nil {
		sender = s.opts.WrapSender(id, sender)
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.senders[id] = sender
	s.mu.Unlock()
	return id
}

func (s *Server) session(id string) (*mockSession, tap.Sender, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, s.senders[id], ok
}

func (s *Server) endSession(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	delete(s.senders, id)
	s.mu.Unlock()

	if ok {
		s.store.DropSession(id)
	}
	return ok
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(s.opts.SessionHeader)

	if r.Method == http.MethodDelete {
		if sessionID == "" || !s.endSession(sessionID) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Printf("mock: session %s ended", sessionID)
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure(json.RawMessage("null"), codeParseError, "parse error"))
		return
	}
	if req.Method == "" && req.Result == nil && req.Error == nil {
		writeJSON(w, http.StatusBadRequest, failure(json.RawMessage("null"), codeInvalidRequest, "invalid request"))
		return
	}

	if req.Method == "initialize" {
		id := s.newSession()
		log.Printf("mock: session %s initialized", id)
		w.Header().Set(s.opts.SessionHeader, id)
		writeJSON(w, http.StatusOK, result(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": "wiretap-mock", "version": "0.1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}, "tasks": map[string]any{}},
		}))
		return
	}

	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	_, sender, ok := s.session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	// Client notifications and responses need no answer.
	if req.Method == "" || len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx := r.Context()
	switch req.Method {
	case "ping":
		writeJSON(w, http.StatusOK, result(req.ID, map[string]any{}))
	case "tools/list":
		writeJSON(w, http.StatusOK, result(req.ID, map[string]any{"tools": toolList}))
	case "tools/call":
		s.callTool(ctx, w, sessionID, sender, req, body)
	case "tasks/get":
		s.getTask(ctx, w, sessionID, req)
	case "tasks/result":
		s.taskResult(ctx, w, sessionID, req)
	case "tasks/list":
		s.listTasks(ctx, w, sessionID, req)
	case "tasks/cancel":
		s.cancelTask(ctx, w, sessionID, sender, req)
	default:
		writeJSON(w, http.StatusOK, failure(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

var toolList = []map[string]any{
	{"name": "echo", "description": "Returns its text argument."},
	{"name": "slow_echo", "description": "Returns its text argument after reporting progress as a task."},
	{"name": "fail", "description": "Always fails, as a task."},
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Task      *struct {
		TTL int64 `json:"ttl,omitempty"`
	} `json:"task,omitempty"`
}

func textContent(text string) map[string]any {
	return map[string]any{"content": []map[string]string{{"type": "text", "text": text}}}
}

func (s *Server) callTool(ctx context.Context, w http.ResponseWriter, sessionID string, sender tap.Sender, req rpcRequest, raw []byte) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, "tools/call requires a tool name"))
		return
	}
	var args struct {
		Text string `json:"text"`
	}
	if len(params.Arguments) > 0 {
		json.Unmarshal(params.Arguments, &args)
	}

	switch params.Name {
	case "echo":
		writeJSON(w, http.StatusOK, result(req.ID, textContent(args.Text)))
	case "slow_echo", "fail":
		var tp tap.TaskParams
		if params.Task != nil {
			tp.TTL = time.Duration(params.Task.TTL) * time.Millisecond
		}
		task, err := s.tasks.CreateTask(ctx, sessionID, tp, req.ID, raw)
		if err != nil {
			writeJSON(w, http.StatusOK, failure(req.ID, codeInternal, err.Error()))
			return
		}
		s.runTask(ctx, w, sessionID, sender, req.ID, task, params.Name == "fail", args.Text)
	default:
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name)))
	}
}

// runTask answers a tool call over an event stream: progress notifications
// while the task works, then the final response. Status changes are also
// announced on the session's server-initiated stream. A task cancelled
// while it runs stops at its next status change.
func (s *Server) runTask(ctx context.Context, w http.ResponseWriter, sessionID string, sender tap.Sender, id json.RawMessage, task tap.Task, fail bool, text string) {
	stream := newSSEWriter(w)
	s.announce(ctx, sender, task.TaskID, tap.TaskWorking, "")

	for i := 1; i <= progressSteps; i++ {
		if err := sleepCtx(ctx, s.opts.TaskStep); err != nil {
			s.tasks.UpdateTaskStatus(context.WithoutCancel(ctx), sessionID, task.TaskID, tap.TaskCancelled, "client went away")
			return
		}
		stream.send(rpcNotification{
			JSONRPC: "2.0",
			Method:  "notifications/progress",
			Params: map[string]any{
				"progressToken": task.TaskID,
				"progress":      i,
				"total":         progressSteps,
			},
		})
		if i == 2 && !fail {
			if err := s.tasks.UpdateTaskStatus(ctx, sessionID, task.TaskID, tap.TaskWorking, "halfway"); err != nil {
				stream.send(failure(id, codeInternal, err.Error()))
				return
			}
		}
	}

	if fail {
		if err := s.tasks.UpdateTaskStatus(ctx, sessionID, task.TaskID, tap.TaskFailed, "tool failed"); err != nil {
			stream.send(failure(id, codeInternal, err.Error()))
			return
		}
		s.announce(ctx, sender, task.TaskID, tap.TaskFailed, "tool failed")
		stream.send(failure(id, codeInternal, "tool failed"))
		return
	}

	res := textContent(text)
	encoded, _ := json.Marshal(res)
	if err := s.tasks.StoreTaskResult(ctx, sessionID, task.TaskID, tap.TaskCompleted, encoded); err != nil {
		stream.send(failure(id, codeInternal, err.Error()))
		return
	}
	s.announce(ctx, sender, task.TaskID, tap.TaskCompleted, "")
	stream.send(result(id, res))
}

// announce sends a task status notification on the server-initiated stream.
func (s *Server) announce(ctx context.Context, sender tap.Sender, taskID string, status tap.TaskStatus, message string) {
	msg, _ := json.Marshal(rpcNotification{
		JSONRPC: "2.0",
		Method:  "notifications/tasks/status",
		Params: map[string]any{
			"taskId":        taskID,
			"status":        status,
			"statusMessage": message,
		},
	})
	if err := sender.Send(ctx, msg); err != nil {
		log.Printf("mock: dropped status notification for task %s: %v", taskID, err)
	}
}

type taskParams struct {
	TaskID string `json:"taskId"`
	Cursor string `json:"cursor,omitempty"`
}

func decodeTaskParams(req rpcRequest, needID bool) (taskParams, error) {
	var p taskParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return p, err
		}
	}
	if needID && p.TaskID == "" {
		return p, errors.New("taskId is required")
	}
	return p, nil
}

func (s *Server) getTask(ctx context.Context, w http.ResponseWriter, sessionID string, req rpcRequest) {
	p, err := decodeTaskParams(req, true)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, err.Error()))
		return
	}
	task, err := s.tasks.GetTask(ctx, sessionID, p.TaskID)
	if err != nil || task == nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, ErrTaskNotFound.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result(req.ID, task))
}

func (s *Server) taskResult(ctx context.Context, w http.ResponseWriter, sessionID string, req rpcRequest) {
	p, err := decodeTaskParams(req, true)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, err.Error()))
		return
	}
	res, err := s.tasks.GetTaskResult(ctx, sessionID, p.TaskID)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, err.Error()))
		return
	}
	if len(res) == 0 {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidRequest, "task has no result yet"))
		return
	}
	writeJSON(w, http.StatusOK, result(req.ID, res))
}

func (s *Server) listTasks(ctx context.Context, w http.ResponseWriter, sessionID string, req rpcRequest) {
	p, err := decodeTaskParams(req, false)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, err.Error()))
		return
	}
	page, err := s.tasks.ListTasks(ctx, sessionID, p.Cursor)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result(req.ID, page))
}

func (s *Server) cancelTask(ctx context.Context, w http.ResponseWriter, sessionID string, sender tap.Sender, req rpcRequest) {
	p, err := decodeTaskParams(req, true)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, err.Error()))
		return
	}
	task, err := s.tasks.GetTask(ctx, sessionID, p.TaskID)
	if err != nil || task == nil {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, ErrTaskNotFound.Error()))
		return
	}
	if task.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, failure(req.ID, codeInvalidParams, fmt.Sprintf("task already %s", task.Status)))
		return
	}
	if err := s.tasks.UpdateTaskStatus(ctx, sessionID, p.TaskID, tap.TaskCancelled, "cancelled by client"); err != nil {
		code := codeInternal
		if errors.Is(err, ErrTaskFinished) {
			code = codeInvalidParams
		}
		writeJSON(w, http.StatusOK, failure(req.ID, code, err.Error()))
		return
	}
	s.announce(ctx, sender, p.TaskID, tap.TaskCancelled, "cancelled by client")
	writeJSON(w, http.StatusOK, result(req.ID, map[string]any{}))
}

// serveStream relays the session's server-initiated messages as an event
// stream until the client disconnects or the session ends.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(s.opts.SessionHeader)
	sess, _, ok := s.session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	stream := newSSEWriter(w)
	stream.start()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-sess.outbox:
			stream.sendRaw(msg)
		case <-ticker.C:
			if _, _, live := s.session(sessionID); !live {
				return
			}
			stream.comment("keepalive")
		}
	}
}

func result(id json.RawMessage, v any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func failure(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("mock: write response: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sseWriter writes text/event-stream frames, flushing after each one.
type sseWriter struct {
	w       http.ResponseWriter
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

func (s *sseWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("mock: encode frame: %v", err)
		return
	}
	s.sendRaw(data)
}

func (s *sseWriter) sendRaw(data []byte) {
	s.start()
	var b strings.Builder
	b.WriteString("event: message\n")
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	io.WriteString(s.w, b.String())
	s.flush()
}

func (s *sseWriter) comment(text string) {
	s.start()
	io.WriteString(s.w, ": "+text+"\n\n")
	s.flush()
}

func (s *sseWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

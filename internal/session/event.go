package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned by Bus.Emit when an event is missing a field
// its type requires. Nothing is buffered or dispatched in that case.
var ErrInvalidEvent = errors.New("invalid event")

// EventType identifies the variant of an Event.
type EventType string

const (
	EventRequest      EventType = "request"
	EventResponse     EventType = "response"
	EventNotification EventType = "notification"
	EventTaskCreated  EventType = "task_created"
	EventTaskStatus   EventType = "task_status"
)

// UnknownTool is the tool name recorded when a task's originating request
// carries no extractable tool name.
const UnknownTool = "unknown"

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Event is one observed protocol occurrence. The Bus stamps Timestamp and
// Seq when the event is emitted; callers leave both zero. Events are treated
// as immutable once emitted, and snapshots hand out deep copies.
//
// Which fields are meaningful depends on Type:
//
//	request       ID, Method, Params
//	response      ID, Result or Error
//	notification  Method, Params
//	task_created  TaskID, ToolName, ToolArgs, RequestID
//	task_status   TaskID, PreviousStatus, NewStatus, StatusMessage
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`

	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`

	TaskID         string          `json:"taskId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	ToolArgs       json.RawMessage `json:"toolArgs,omitempty"`
	RequestID      json.RawMessage `json:"requestId,omitempty"`
	PreviousStatus *string         `json:"previousStatus,omitempty"`
	NewStatus      string          `json:"newStatus,omitempty"`
	StatusMessage  string          `json:"statusMessage,omitempty"`
}

// NewRequest builds a request event. id may be nil for requests posted
// without a correlation id.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) Event {
	return Event{Type: EventRequest, ID: id, Method: method, Params: params}
}

// NewResponse builds a response event carrying a result, an error, both or
// neither; the shape is recorded as observed.
func NewResponse(id json.RawMessage, result json.RawMessage, rpcErr *RPCError) Event {
	return Event{Type: EventResponse, ID: id, Result: result, Error: rpcErr}
}

func NewNotification(method string, params json.RawMessage) Event {
	return Event{Type: EventNotification, Method: method, Params: params}
}

// NewTaskCreated builds a task_created event, substituting UnknownTool for
// an empty tool name.
func NewTaskCreated(taskID, toolName string, toolArgs, requestID json.RawMessage) Event {
	if toolName == "" {
		toolName = UnknownTool
	}
	return Event{Type: EventTaskCreated, TaskID: taskID, ToolName: toolName, ToolArgs: toolArgs, RequestID: requestID}
}

// NewTaskStatus builds a task_status event. previous is nil when the task's
// prior status could not be read.
func NewTaskStatus(taskID string, previous *string, next, message string) Event {
	return Event{Type: EventTaskStatus, TaskID: taskID, PreviousStatus: previous, NewStatus: next, StatusMessage: message}
}

// Validate reports whether the event carries every field its type requires.
func (e Event) Validate() error {
	switch e.Type {
	case EventRequest, EventNotification:
		if e.Method == "" {
			return fmt.Errorf("%w: %s without method", ErrInvalidEvent, e.Type)
		}
	case EventResponse:
		if len(e.ID) == 0 {
			return fmt.Errorf("%w: response without id", ErrInvalidEvent)
		}
	case EventTaskCreated:
		if e.TaskID == "" {
			return fmt.Errorf("%w: task_created without taskId", ErrInvalidEvent)
		}
		if e.ToolName == "" {
			return fmt.Errorf("%w: task_created without toolName", ErrInvalidEvent)
		}
	case EventTaskStatus:
		if e.TaskID == "" {
			return fmt.Errorf("%w: task_status without taskId", ErrInvalidEvent)
		}
		if e.NewStatus == "" {
			return fmt.Errorf("%w: task_status without newStatus", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Clone returns a deep copy so the caller can hold the event without
// sharing backing arrays with the buffer.
func (e Event) Clone() Event {
	c := e
	c.ID = cloneRaw(e.ID)
	c.Params = cloneRaw(e.Params)
	c.Result = cloneRaw(e.Result)
	c.ToolArgs = cloneRaw(e.ToolArgs)
	c.RequestID = cloneRaw(e.RequestID)
	if e.Error != nil {
		errCopy := *e.Error
		errCopy.Data = cloneRaw(e.Error.Data)
		c.Error = &errCopy
	}
	if e.PreviousStatus != nil {
		prev := *e.PreviousStatus
		c.PreviousStatus = &prev
	}
	return c
}

// MarshalJSON writes only the fields of the event's variant, so that a
// task_status always carries previousStatus (null when unknown) and a
// response never leaks task fields.
func (e Event) MarshalJSON() ([]byte, error) {
	base := struct {
		Type      EventType `json:"type"`
		Timestamp time.Time `json:"timestamp"`
		Seq       uint64    `json:"seq"`
	}{e.Type, e.Timestamp, e.Seq}

	switch e.Type {
	case EventRequest:
		return json.Marshal(struct {
			Type      EventType       `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Seq       uint64          `json:"seq"`
			ID        json.RawMessage `json:"id,omitempty"`
			Method    string          `json:"method"`
			Params    json.RawMessage `json:"params,omitempty"`
		}{base.Type, base.Timestamp, base.Seq, e.ID, e.Method, e.Params})
	case EventResponse:
		return json.Marshal(struct {
			Type      EventType       `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Seq       uint64          `json:"seq"`
			ID        json.RawMessage `json:"id"`
			Result    json.RawMessage `json:"result,omitempty"`
			Error     *RPCError       `json:"error,omitempty"`
		}{base.Type, base.Timestamp, base.Seq, e.ID, e.Result, e.Error})
	case EventNotification:
		return json.Marshal(struct {
			Type      EventType       `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Seq       uint64          `json:"seq"`
			Method    string          `json:"method"`
			Params    json.RawMessage `json:"params,omitempty"`
		}{base.Type, base.Timestamp, base.Seq, e.Method, e.Params})
	case EventTaskCreated:
		return json.Marshal(struct {
			Type      EventType       `json:"type"`
			Timestamp time.Time       `json:"timestamp"`
			Seq       uint64          `json:"seq"`
			TaskID    string          `json:"taskId"`
			ToolName  string          `json:"toolName"`
			ToolArgs  json.RawMessage `json:"toolArgs,omitempty"`
			RequestID json.RawMessage `json:"requestId,omitempty"`
		}{base.Type, base.Timestamp, base.Seq, e.TaskID, e.ToolName, e.ToolArgs, e.RequestID})
	case EventTaskStatus:
		return json.Marshal(struct {
			Type           EventType `json:"type"`
			Timestamp      time.Time `json:"timestamp"`
			Seq            uint64    `json:"seq"`
			TaskID         string    `json:"taskId"`
			PreviousStatus *string   `json:"previousStatus"`
			NewStatus      string    `json:"newStatus"`
			StatusMessage  string    `json:"statusMessage,omitempty"`
		}{base.Type, base.Timestamp, base.Seq, e.TaskID, e.PreviousStatus, e.NewStatus, e.StatusMessage})
	}
	return json.Marshal(base)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

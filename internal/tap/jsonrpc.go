package tap

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/wiretap-dev/wiretap/internal/session"
)

// direction selects which shapes a payload may be classified as.
type direction int

const (
	// inbound payloads travel client → server: anything with a method is a
	// request. A client answering a server request is not reported.
	inbound direction = iota
	// outbound payloads travel server → client: method without id is a
	// notification, id+result/error is a response. Server-initiated requests
	// are not observed.
	outbound
)

// shape is the classification of one JSON-RPC message by field presence.
type shape int

const (
	shapeNone shape = iota
	shapeRequest
	shapeNotification
	shapeResponse
)

func classifyShape(msg gjson.Result, dir direction) shape {
	if !msg.IsObject() {
		return shapeNone
	}
	method := msg.Get("method")
	hasMethod := method.Exists() && method.Type == gjson.String
	hasID := msg.Get("id").Exists()
	hasOutcome := msg.Get("result").Exists() || msg.Get("error").Exists()

	switch {
	case dir == inbound && hasMethod:
		return shapeRequest
	case dir == outbound && hasMethod && !hasID:
		return shapeNotification
	case dir == outbound && hasID && hasOutcome:
		return shapeResponse
	}
	return shapeNone
}

// classify turns a raw payload into events. A JSON array is treated as a
// batch and each element is classified on its own. valid is false when the
// payload is not JSON at all; elements of the wrong shape are dropped
// silently.
func classify(raw []byte, dir direction) (events []session.Event, valid bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	root := gjson.ParseBytes(raw)
	if root.IsArray() {
		root.ForEach(func(_, msg gjson.Result) bool {
			if ev, ok := toEvent(msg, dir); ok {
				events = append(events, ev)
			}
			return true
		})
		return events, true
	}
	if ev, ok := toEvent(root, dir); ok {
		events = append(events, ev)
	}
	return events, true
}

func toEvent(msg gjson.Result, dir direction) (session.Event, bool) {
	switch classifyShape(msg, dir) {
	case shapeRequest:
		return session.NewRequest(rawOf(msg.Get("id")), msg.Get("method").String(), rawOf(msg.Get("params"))), true
	case shapeNotification:
		return session.NewNotification(msg.Get("method").String(), rawOf(msg.Get("params"))), true
	case shapeResponse:
		return session.NewResponse(rawOf(msg.Get("id")), rawOf(msg.Get("result")), rpcError(msg.Get("error"))), true
	}
	return session.Event{}, false
}

func rpcError(v gjson.Result) *session.RPCError {
	if !v.Exists() {
		return nil
	}
	if !v.IsObject() {
		return &session.RPCError{Message: v.String()}
	}
	return &session.RPCError{
		Code:    int(v.Get("code").Int()),
		Message: v.Get("message").String(),
		Data:    rawOf(v.Get("data")),
	}
}

// rawOf returns the JSON text of v, or nil when v is absent.
func rawOf(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// toolCall extracts the tool name and arguments from a tools/call request.
// Either may be empty when the request does not carry them.
func toolCall(request json.RawMessage) (name string, args json.RawMessage) {
	if len(request) == 0 || !gjson.ValidBytes(request) {
		return "", nil
	}
	root := gjson.ParseBytes(request)
	params := root.Get("params")
	if !params.Exists() {
		params = root
	}
	if n := params.Get("name"); n.Type == gjson.String {
		name = n.String()
	}
	return name, rawOf(params.Get("arguments"))
}

// clientInfo extracts the client name and version from an initialize
// request's params.
func clientInfo(params json.RawMessage) (name, version string, ok bool) {
	if len(params) == 0 || !gjson.ValidBytes(params) {
		return "", "", false
	}
	info := gjson.GetBytes(params, "clientInfo")
	if !info.IsObject() {
		return "", "", false
	}
	return info.Get("name").String(), info.Get("version").String(), true
}

package tap

import (
	"encoding/json"
	"testing"

	"github.com/wiretap-dev/wiretap/internal/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		dir       direction
		wantValid bool
		wantTypes []session.EventType
	}{
		{"OutboundNotification", `{"jsonrpc":"2.0","method":"notifications/progress","params":{"p":1}}`, outbound, true, []session.EventType{session.EventNotification}},
		{"OutboundResult", `{"jsonrpc":"2.0","id":1,"result":{}}`, outbound, true, []session.EventType{session.EventResponse}},
		{"OutboundError", `{"jsonrpc":"2.0","id":"x","error":{"code":-1,"message":"m"}}`, outbound, true, []session.EventType{session.EventResponse}},
		{"OutboundServerRequestIgnored", `{"jsonrpc":"2.0","id":4,"method":"sampling/createMessage"}`, outbound, true, nil},
		{"OutboundIDOnlyIgnored", `{"jsonrpc":"2.0","id":4}`, outbound, true, nil},
		{"InboundRequest", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, inbound, true, []session.EventType{session.EventRequest}},
		{"InboundClientNotification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, inbound, true, []session.EventType{session.EventRequest}},
		{"InboundClientResponseIgnored", `{"jsonrpc":"2.0","id":9,"result":{}}`, inbound, true, nil},
		{"InboundClientErrorIgnored", `{"jsonrpc":"2.0","id":9,"error":{"code":-1,"message":"no"}}`, inbound, true, nil},
		{"NonStringMethodIgnored", `{"jsonrpc":"2.0","method":5}`, outbound, true, nil},
		{"Batch", `[{"jsonrpc":"2.0","id":1,"result":1},{"jsonrpc":"2.0","method":"n"},42]`, outbound, true, []session.EventType{session.EventResponse, session.EventNotification}},
		{"Scalar", `"hello"`, outbound, true, nil},
		{"NotJSON", `{"jsonrpc":`, outbound, false, nil},
		{"Empty", ``, outbound, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, valid := classify([]byte(tt.raw), tt.dir)
			if valid != tt.wantValid {
				t.Fatalf("valid = %v, want %v", valid, tt.wantValid)
			}
			if len(events) != len(tt.wantTypes) {
				t.Fatalf("got %d events, want %d", len(events), len(tt.wantTypes))
			}
			for i, want := range tt.wantTypes {
				if events[i].Type != want {
					t.Errorf("events[%d].Type = %s, want %s", i, events[i].Type, want)
				}
				if err := events[i].Validate(); err != nil {
					t.Errorf("events[%d] invalid: %v", i, err)
				}
			}
		})
	}
}

func TestClassifyResponseFields(t *testing.T) {
	events, _ := classify([]byte(`{"jsonrpc":"2.0","id":"abc","error":{"code":-32602,"message":"bad","data":{"x":1}}}`), outbound)
	ev := events[0]
	if string(ev.ID) != `"abc"` {
		t.Errorf("ID = %s", ev.ID)
	}
	if ev.Result != nil {
		t.Errorf("Result = %s, want absent", ev.Result)
	}
	if ev.Error == nil || ev.Error.Code != -32602 || ev.Error.Message != "bad" || string(ev.Error.Data) != `{"x":1}` {
		t.Errorf("Error = %+v", ev.Error)
	}
}

func TestClassifyResponseWithBothResultAndError(t *testing.T) {
	events, _ := classify([]byte(`{"id":1,"result":true,"error":"odd"}`), outbound)
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if string(events[0].Result) != "true" || events[0].Error == nil || events[0].Error.Message != "odd" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestToolCall(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		wantName string
		wantArgs string
	}{
		{"Full", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`, "echo", `{"msg":"hi"}`},
		{"NoArguments", `{"method":"tools/call","params":{"name":"ping"}}`, "ping", ""},
		{"BareParams", `{"name":"echo","arguments":[1]}`, "echo", `[1]`},
		{"NoName", `{"method":"tools/call","params":{}}`, "", ""},
		{"NonStringName", `{"params":{"name":7}}`, "", ""},
		{"Garbage", `not json`, "", ""},
		{"Empty", ``, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args := toolCall(json.RawMessage(tt.request))
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if string(args) != tt.wantArgs {
				t.Errorf("args = %s, want %s", args, tt.wantArgs)
			}
		})
	}
}

func TestClientInfo(t *testing.T) {
	name, version, ok := clientInfo(json.RawMessage(`{"protocolVersion":"2025-06-18","clientInfo":{"name":"inspector","version":"0.9"}}`))
	if !ok || name != "inspector" || version != "0.9" {
		t.Errorf("clientInfo = %q %q %v", name, version, ok)
	}
	if _, _, ok := clientInfo(json.RawMessage(`{}`)); ok {
		t.Error("clientInfo ok for params without clientInfo")
	}
}

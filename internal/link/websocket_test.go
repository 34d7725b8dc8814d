package link

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type linkEvent struct {
	kind    string
	err     error
	domain  Domain
	payload string
}

type chanHandler struct {
	events chan linkEvent
}

func newChanHandler() *chanHandler {
	return &chanHandler{events: make(chan linkEvent, 16)}
}

func (h *chanHandler) LinkConnected(Link) {
	h.events <- linkEvent{kind: "connected"}
}

func (h *chanHandler) LinkDisconnected(_ Link, err error) {
	h.events <- linkEvent{kind: "disconnected", err: err}
}

func (h *chanHandler) LinkEvent(_ Link, domain Domain, payload json.RawMessage) {
	h.events <- linkEvent{kind: "event", domain: domain, payload: string(payload)}
}

func (h *chanHandler) next(t *testing.T) linkEvent {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for link callback")
		return linkEvent{}
	}
}

// newDeviceServer starts a websocket peer that answers requests and pushes an
// event whenever a request payload asks for one.
func newDeviceServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}

			var body struct {
				Op string `json:"op"`
			}
			_ = json.Unmarshal(msg.Payload, &body)

			switch body.Op {
			case "fail":
				_ = conn.WriteJSON(Message{ID: msg.ID, Domain: msg.Domain, Type: TypeReply,
					Error: &MessageError{Code: 7, Message: "refused"}})
			case "push":
				_ = conn.WriteJSON(Message{Domain: DomainSettings, Type: TypeEvent,
					Payload: json.RawMessage(`{"service":"public","volume":3}`)})
				_ = conn.WriteJSON(Message{ID: msg.ID, Domain: msg.Domain, Type: TypeReply,
					Payload: json.RawMessage(`{"ok":true}`)})
			case "drop":
				return
			default:
				_ = conn.WriteJSON(Message{ID: msg.ID, Domain: msg.Domain, Type: TypeReply,
					Payload: msg.Payload})
			}
		}
	}))

	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketLink_OpenRejectsInvalidEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"empty", ""},
		{"http scheme", "http://192.168.1.20:8009/channels"},
		{"missing host", "ws:///channels"},
		{"unparseable", "ws://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newChanHandler()
			l := NewWebSocketLink(tt.endpoint, h)
			if err := l.Open(); err == nil {
				t.Error("Open() expected error")
			}
			select {
			case e := <-h.events:
				t.Errorf("unexpected callback %q after synchronous failure", e.kind)
			case <-time.After(20 * time.Millisecond):
			}
		})
	}
}

func TestWebSocketLink_Lifecycle(t *testing.T) {
	server, endpoint := newDeviceServer(t)
	defer server.Close()

	h := newChanHandler()
	l := NewWebSocketLink(endpoint, h)

	if l.URL() != endpoint {
		t.Errorf("URL() = %q, want %q", l.URL(), endpoint)
	}
	if err := l.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Open(); !errors.Is(err, ErrAlreadyOpened) {
		t.Errorf("second Open() error = %v, want ErrAlreadyOpened", err)
	}
	if e := h.next(t); e.kind != "connected" {
		t.Fatalf("first callback = %q, want connected", e.kind)
	}

	ctx := context.Background()
	reply, err := l.Send(ctx, DomainApplication, json.RawMessage(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(reply) != `{"hello":"world"}` {
		t.Errorf("reply = %s", reply)
	}

	if _, err := l.Send(ctx, DomainApplication, json.RawMessage(`{"op":"push"}`)); err != nil {
		t.Fatalf("Send(push) error = %v", err)
	}
	e := h.next(t)
	if e.kind != "event" || e.domain != DomainSettings {
		t.Errorf("event = %+v, want settings event", e)
	}
	if !strings.Contains(e.payload, `"service":"public"`) {
		t.Errorf("event payload = %s", e.payload)
	}

	_, err = l.Send(ctx, DomainApplication, json.RawMessage(`{"op":"fail"}`))
	var msgErr *MessageError
	if !errors.As(err, &msgErr) || msgErr.Code != 7 {
		t.Errorf("Send(fail) error = %v, want MessageError code 7", err)
	}

	l.Close()
	if e := h.next(t); e.kind != "disconnected" || e.err != nil {
		t.Errorf("after Close got %+v, want disconnected(nil)", e)
	}

	if _, err := l.Send(ctx, DomainApplication, json.RawMessage(`{}`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send() after Close error = %v, want ErrNotOpen", err)
	}
}

func TestWebSocketLink_RemoteDropReportsError(t *testing.T) {
	server, endpoint := newDeviceServer(t)
	defer server.Close()

	h := newChanHandler()
	l := NewWebSocketLink(endpoint, h, WithRequestTimeout(time.Second))
	if err := l.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if e := h.next(t); e.kind != "connected" {
		t.Fatalf("first callback = %q, want connected", e.kind)
	}

	_, err := l.Send(context.Background(), DomainApplication, json.RawMessage(`{"op":"drop"}`))
	if err == nil {
		t.Error("Send() on dropped link expected error")
	}

	if e := h.next(t); e.kind != "disconnected" || e.err == nil {
		t.Errorf("got %+v, want disconnected with error", e)
	}
}

func TestWebSocketLink_DialFailure(t *testing.T) {
	server, endpoint := newDeviceServer(t)
	server.Close()

	h := newChanHandler()
	l := NewWebSocketLink(endpoint, h, WithHandshakeTimeout(time.Second))
	if err := l.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if e := h.next(t); e.kind != "disconnected" || e.err == nil {
		t.Errorf("got %+v, want disconnected with error", e)
	}
}

func TestWebSocketLink_SendBeforeOpen(t *testing.T) {
	l := NewWebSocketLink("ws://127.0.0.1:1/channels", newChanHandler())
	if _, err := l.Send(context.Background(), DomainApplication, nil); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send() error = %v, want ErrNotOpen", err)
	}
	// Closing an unopened link is a no-op
	l.Close()
}

func TestWebSocketBuilder(t *testing.T) {
	build := WebSocketBuilder(WithRequestTimeout(time.Second))
	l := build("ws://10.0.0.1:8009/channels", newChanHandler())
	ws, ok := l.(*WebSocketLink)
	if !ok {
		t.Fatalf("builder returned %T, want *WebSocketLink", l)
	}
	if ws.requestTimeout != time.Second {
		t.Errorf("requestTimeout = %v, want 1s", ws.requestTimeout)
	}
}

package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dorskfr/ratewatch/internal/stream"
	"github.com/gorilla/websocket"
)

type event struct {
	channel string
	payload string
}

type testHandler struct {
	connected chan struct{}
	events    chan event
}

func (h *testHandler) OnConnect(ctx context.Context, c *Client) error {
	h.connected <- struct{}{}
	return c.Subscribe("/public")
}

func (h *testHandler) OnEvent(ctx context.Context, c *Client, channel string, payload json.RawMessage) error {
	h.events <- event{channel, string(payload)}
	return nil
}

func TestSocketIOSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan string, 20)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc","upgrades":[],"pingInterval":20,"pingTimeout":60000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`40/public`))
		conn.WriteMessage(websocket.TextMessage, []byte(`2`))
		conn.WriteMessage(websocket.TextMessage, []byte(`9bogus`))
		conn.WriteMessage(websocket.TextMessage, []byte(`42/public,["stream",{"bids":[{"price":100}]}]`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case frames <- string(msg):
			default:
			}
		}
	}))
	defer server.Close()

	handler := &testHandler{connected: make(chan struct{}, 1), events: make(chan event, 1)}
	errs := make(chan error, 10)
	client := New("paymium", stream.Config{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		MinBackoff: 10 * time.Millisecond,
	}, handler, func(err error) { errs <- err })

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()
	defer func() {
		client.Close()
		<-done
	}()

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake was not completed")
	}

	select {
	case ev := <-handler.events:
		if ev.channel != "/public" || ev.payload != `["stream",{"bids":[{"price":100}]}]` {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	if got := client.PingInterval(); got != 20*time.Millisecond {
		t.Errorf("PingInterval = %v", got)
	}

	seen := map[string]int{}
	deadline := time.After(2 * time.Second)
	for seen["40/public"] == 0 || seen["3"] == 0 || seen[heartbeatFrame] < 2 {
		select {
		case f := <-frames:
			seen[f]++
		case <-deadline:
			t.Fatalf("missing frames from client, seen %v", seen)
		}
	}

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "unhandled SocketIO type 9") {
			t.Errorf("unexpected error %v", err)
		}
	default:
		t.Error("unknown frame type was not reported")
	}
	if client.Stream().Connects() != 1 {
		t.Errorf("connects = %d", client.Stream().Connects())
	}
}

func TestSplitEvent(t *testing.T) {
	tests := []struct {
		in, channel, payload string
	}{
		{`/public,["stream",{}]`, "/public", `["stream",{}]`},
		{`["stream",{"a":"b,c"}]`, "", `["stream",{"a":"b,c"}]`},
		{`/public`, "/public", ""},
	}
	for _, tt := range tests {
		channel, payload := splitEvent(tt.in)
		if channel != tt.channel || payload != tt.payload {
			t.Errorf("splitEvent(%q) = %q, %q", tt.in, channel, payload)
		}
	}
}

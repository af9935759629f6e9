package xchg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDecodeEventResolvesPriceFallbackOrder(t *testing.T) {
	tests := []struct {
		name string
		data string
		want float64
	}{
		{"execPrice preferred", `{"topic":"execution","data":[{"orderLinkId":"t1","execPrice":"100","price":"200","lastPrice":"300"}]}`, 100},
		{"falls back to price", `{"topic":"execution","data":[{"orderLinkId":"t1","price":"200","lastPrice":"300"}]}`, 200},
		{"falls back to lastPrice", `{"topic":"order","data":[{"orderLinkId":"t1","lastPrice":"300"}]}`, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := decodeEvent([]byte(tt.data))
			if !ok {
				t.Fatal("expected event to decode")
			}
			if ev.Price != tt.want {
				t.Errorf("expected price %v, got %v", tt.want, ev.Price)
			}
		})
	}
}

func TestDecodeEventRejectsMissingOrderLinkID(t *testing.T) {
	_, ok := decodeEvent([]byte(`{"topic":"execution","data":[{"symbol":"BTCUSDT"}]}`))
	if ok {
		t.Error("expected event without order_link_id to be rejected")
	}
}

func TestDecodeEventRejectsUnknownTopic(t *testing.T) {
	_, ok := decodeEvent([]byte(`{"op":"pong"}`))
	if ok {
		t.Error("expected non execution/order message to be rejected")
	}
}

func TestDecodeEventRejectsMalformedJSON(t *testing.T) {
	_, ok := decodeEvent([]byte(`not json`))
	if ok {
		t.Error("expected malformed payload to be rejected")
	}
}

// fakePrivateServer speaks just enough of the auth/subscribe/execution
// protocol to exercise WS.Stream end to end.
func fakePrivateServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var authMsg map[string]any
		if err := conn.ReadJSON(&authMsg); err != nil {
			return
		}
		if authMsg["op"] != "auth" {
			return
		}
		conn.WriteJSON(map[string]any{"success": true})

		var subMsg map[string]any
		if err := conn.ReadJSON(&subMsg); err != nil {
			return
		}

		conn.WriteJSON(map[string]any{
			"topic": "execution",
			"data": []map[string]any{
				{"orderLinkId": "trade-1", "symbol": "BTCUSDT", "execPrice": "60000"},
			},
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestStreamDeliversDecodedEvent(t *testing.T) {
	server := fakePrivateServer(t)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewWS(wsURL, "key", "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events := make(chan Event, 4)
	errs := make(chan error, 4)
	go client.Stream(ctx, events, errs)

	select {
	case ev := <-events:
		if ev.OrderLinkID != "trade-1" {
			t.Errorf("expected order_link_id trade-1, got %s", ev.OrderLinkID)
		}
		if ev.Price != 60000 {
			t.Errorf("expected price 60000, got %v", ev.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

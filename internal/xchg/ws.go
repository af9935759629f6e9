package xchg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsPingInterval   = 20 * time.Second
	wsPongTimeout    = 10 * time.Second
	wsReconnectFloor = 2 * time.Second
	wsAuthTimeout    = 10 * time.Second
)

// Event is a decoded execution or order message off the private topics.
// Price resolves the fill price per the engine's fallback order
// (execPrice, then price, then lastPrice) — the one a post-entry
// lay-down or reactive reduction actually needs.
type Event struct {
	Topic       string
	OrderLinkID string
	Symbol      string
	Price       float64
	Qty         float64
	Raw         json.RawMessage
}

// WS is the authenticated private WebSocket client subscribed to the
// execution and order topics. Unlike the teacher's public-feed client it
// has no connection pool or worker pool: this topic is low volume, so a
// single dedicated goroutine decodes and enqueues events directly. The
// atomic connection-health fields are kept in the same shape the teacher
// exposes for its public client.
type WS struct {
	url       string
	apiKey    string
	apiSecret string

	isConnected    int32
	lastMsgTime    int64
	reconnectCount int32

	// OnReconnect, if set, is called each time the stream drops and
	// begins reconnecting — a hook for callers that want to count
	// reconnects (e.g. into a metrics counter) without this package
	// depending on a metrics implementation.
	OnReconnect func()
}

// NewWS builds a private WS client for url, authenticating with apiKey/apiSecret.
func NewWS(url, apiKey, apiSecret string) *WS {
	return &WS{url: url, apiKey: apiKey, apiSecret: apiSecret}
}

// Alive reports whether the connection is believed healthy: connected,
// and traffic (data or a ping reply) has been seen within the combined
// ping-interval-plus-pong-timeout window.
func (w *WS) Alive() bool {
	if atomic.LoadInt32(&w.isConnected) == 0 {
		return false
	}
	last := atomic.LoadInt64(&w.lastMsgTime)
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) <= wsPingInterval+wsPongTimeout
}

// ConnectionStats reports the atomic connection-health counters for
// dashboards/health checks.
func (w *WS) ConnectionStats() map[string]any {
	return map[string]any{
		"connected":       atomic.LoadInt32(&w.isConnected) == 1,
		"reconnect_count": atomic.LoadInt32(&w.reconnectCount),
		"last_msg_time":   atomic.LoadInt64(&w.lastMsgTime),
	}
}

// Stream connects, authenticates, subscribes to execution/order, and
// decodes events onto the events channel indefinitely, reconnecting with
// a fixed floor backoff until ctx is cancelled. Each reconnect
// re-authenticates and re-subscribes, matching the spec's requirement
// that the private feed never gives up.
func (w *WS) Stream(ctx context.Context, events chan<- Event, errs chan<- error) error {
	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&w.isConnected, 0)
			return ctx.Err()
		default:
		}

		if err := w.streamOnce(ctx, events); err != nil {
			atomic.StoreInt32(&w.isConnected, 0)
			atomic.AddInt32(&w.reconnectCount, 1)
			if w.OnReconnect != nil {
				w.OnReconnect()
			}
			log.Warn().Err(err).Msg("private websocket disconnected, reconnecting")
			select {
			case errs <- fmt.Errorf("ws stream: %w", err):
			default:
			}
			select {
			case <-time.After(wsReconnectFloor):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
	}
}

func (w *WS) streamOnce(ctx context.Context, events chan<- Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := w.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": []string{"execution", "order"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	atomic.StoreInt32(&w.isConnected, 1)
	atomic.StoreInt64(&w.lastMsgTime, time.Now().UnixNano())
	log.Info().Str("url", w.url).Msg("private websocket connected, subscribed to execution/order")

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	msgCh := make(chan []byte, 64)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			msgCh <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return fmt.Errorf("read: %w", err)
		case <-pingTicker.C:
			if time.Since(time.Unix(0, atomic.LoadInt64(&w.lastMsgTime))) > wsPingInterval+wsPongTimeout {
				return fmt.Errorf("no traffic within ping+pong window")
			}
			if err := conn.WriteJSON(map[string]any{"op": "ping"}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case data := <-msgCh:
			atomic.StoreInt64(&w.lastMsgTime, time.Now().UnixNano())
			ev, ok := decodeEvent(data)
			if !ok {
				log.Debug().Str("payload", string(data)).Msg("dropping unrecognized websocket message")
				continue
			}
			events <- ev
		}
	}
}

func (w *WS) authenticate(conn *websocket.Conn) error {
	expires := strconv.FormatInt(time.Now().Add(wsAuthTimeout).UnixMilli(), 10)
	sig := SignWSAuth(w.apiSecret, expires)
	if err := conn.WriteJSON(map[string]any{
		"op":   "auth",
		"args": []string{w.apiKey, expires, sig},
	}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	var resp struct {
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s", resp.RetMsg)
	}
	conn.SetReadDeadline(time.Time{})
	return nil
}

// decodeEvent extracts the fields the engine's reactive handlers need
// from a raw execution/order message, applying the fallback order the
// spec names for the fill price. Malformed payloads and non-topic
// messages (auth acks, pong replies) are reported as !ok so the caller
// drops them without reaching the engine.
func decodeEvent(data []byte) (Event, bool) {
	var raw struct {
		Topic string `json:"topic"`
		Data  []struct {
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			ExecPrice   string `json:"execPrice"`
			Price       string `json:"price"`
			LastPrice   string `json:"lastPrice"`
			ExecQty     string `json:"execQty"`
			Qty         string `json:"qty"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false
	}
	if !strings.HasPrefix(raw.Topic, "execution") && !strings.HasPrefix(raw.Topic, "order") {
		return Event{}, false
	}
	if len(raw.Data) == 0 || raw.Data[0].OrderLinkID == "" {
		return Event{}, false
	}
	d := raw.Data[0]

	return Event{
		Topic:       raw.Topic,
		OrderLinkID: d.OrderLinkID,
		Symbol:      d.Symbol,
		Price:       firstNonZero(d.ExecPrice, d.Price, d.LastPrice),
		Qty:         firstNonZero(d.ExecQty, d.Qty),
		Raw:         json.RawMessage(data),
	}, true
}

func firstNonZero(candidates ...string) float64 {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if f, err := strconv.ParseFloat(c, 64); err == nil && f != 0 {
			return f
		}
	}
	return 0
}

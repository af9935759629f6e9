// Package xchg implements the signed REST and authenticated private
// WebSocket client the Trade Engine uses to talk to the exchange. It
// owns request signing, retry/backoff for transient transport failures,
// and the error classification the rest of the engine depends on.
package xchg

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	maxRetryAttempts = 5
	retryBackoffUnit = 750 * time.Millisecond
	maxRetryBackoff  = 6 * time.Second
)

// Client is the signed REST client. It is safe for concurrent use; the
// engine, its maintenance sweeps and the instrument cache all call it
// from the supervisor's single consumer goroutine.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow string
	rest       *resty.Client

	// OnRetry, if set, is called once per transient-error retry — a
	// hook for callers that want to count retries without this
	// package depending on a metrics implementation.
	OnRetry func()
}

// NewClient builds a Client with a pooled HTTP transport, matching the
// connection-reuse settings the teacher's REST client applies.
func NewClient(apiKey, apiSecret, baseURL, recvWindow string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	r := resty.New()
	r.SetTransport(transport)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r.SetTimeout(timeout)

	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		recvWindow: recvWindow,
		rest:       r,
	}
}

// envelope is the exchange's uniform response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// backoffFor returns the delay before retry attempt n (1-indexed):
// min(6s, 0.75*attempt).
func backoffFor(attempt int) time.Duration {
	d := retryBackoffUnit * time.Duration(attempt)
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// doGet issues a signed GET and retries the transient error classes.
func (c *Client) doGet(path string, query map[string]string) (json.RawMessage, error) {
	return c.do(http.MethodGet, path, query, nil)
}

// doPost issues a signed POST with a compact JSON body and retries the
// transient error classes.
func (c *Client) doPost(path string, body any) (json.RawMessage, error) {
	return c.do(http.MethodPost, path, nil, body)
}

func (c *Client) do(method, path string, query map[string]string, body any) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyBytes = b
	}

	payload := canonicalPayload(method, query, bodyBytes)

	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sig := Sign(c.apiSecret, ts, c.apiKey, c.recvWindow, payload)

		req := c.rest.R().
			SetHeader("X-BAPI-API-KEY", c.apiKey).
			SetHeader("X-BAPI-TIMESTAMP", ts).
			SetHeader("X-BAPI-RECV-WINDOW", c.recvWindow).
			SetHeader("X-BAPI-SIGN", sig)

		var resp *resty.Response
		var err error
		switch method {
		case http.MethodGet:
			if len(query) > 0 {
				req.SetQueryParams(query)
			}
			resp, err = req.Get(c.baseURL + path)
		default:
			req.SetHeader("Content-Type", "application/json")
			if bodyBytes != nil {
				req.SetBody(bodyBytes)
			}
			resp, err = req.Post(c.baseURL + path)
		}

		if err != nil {
			lastErr = &TransientError{Err: err}
			c.sleepBeforeRetry(attempt, lastErr)
			continue
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, fmt.Errorf("authentication failed: status %d: %s", resp.StatusCode(), resp.String())
		}
		if retryableStatus(resp.StatusCode()) {
			lastErr = &TransientError{StatusCode: resp.StatusCode(), Err: fmt.Errorf("http %d", resp.StatusCode())}
			c.sleepBeforeRetry(attempt, lastErr)
			continue
		}

		var env envelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, fmt.Errorf("decode response envelope: %w", err)
		}
		if env.RetCode != 0 {
			return nil, &ExchangeError{RetCode: env.RetCode, RetMsg: env.RetMsg}
		}
		return env.Result, nil
	}

	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", path, maxRetryAttempts, lastErr)
}

func (c *Client) sleepBeforeRetry(attempt int, err error) {
	if attempt >= maxRetryAttempts {
		return
	}
	delay := backoffFor(attempt)
	log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying exchange request")
	if c.OnRetry != nil {
		c.OnRetry()
	}
	time.Sleep(delay)
}

// canonicalPayload returns the bytes that get signed: the canonicalized
// query string for GET, or the literal JSON body for POST.
func canonicalPayload(method string, query map[string]string, body []byte) string {
	if method == http.MethodGet {
		if len(query) == 0 {
			return ""
		}
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := ""
		for i, k := range keys {
			if i > 0 {
				out += "&"
			}
			out += k + "=" + query[k]
		}
		return out
	}
	return string(body)
}

// LastPrice fetches the current last-traded price for symbol.
func (c *Client) LastPrice(category, symbol string) (float64, error) {
	raw, err := c.doGet("/v5/market/tickers", map[string]string{"category": category, "symbol": symbol})
	if err != nil {
		return 0, err
	}
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode tickers result: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no ticker data for %s", symbol)
	}
	p, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last price: %w", err)
	}
	return p, nil
}

// InstrumentInfo carries the quantization rules returned by
// instruments-info, ahead of conversion into tradestate.InstrumentRules.
type InstrumentInfo struct {
	TickSize float64
	QtyStep  float64
	MinQty   float64
}

// InstrumentsInfo fetches tick size / qty step / min qty for symbol.
func (c *Client) InstrumentsInfo(category, symbol string) (InstrumentInfo, error) {
	raw, err := c.doGet("/v5/market/instruments-info", map[string]string{"category": category, "symbol": symbol})
	if err != nil {
		return InstrumentInfo{}, err
	}
	var result struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
				MinQty  string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return InstrumentInfo{}, fmt.Errorf("decode instruments-info result: %w", err)
	}
	if len(result.List) == 0 {
		return InstrumentInfo{}, fmt.Errorf("no instrument data for %s", symbol)
	}
	item := result.List[0]
	tick, _ := strconv.ParseFloat(item.PriceFilter.TickSize, 64)
	step, _ := strconv.ParseFloat(item.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(item.LotSizeFilter.MinQty, 64)
	return InstrumentInfo{TickSize: tick, QtyStep: step, MinQty: minQty}, nil
}

// WalletEquity fetches account equity for accountType.
func (c *Client) WalletEquity(accountType string) (float64, error) {
	raw, err := c.doGet("/v5/account/wallet-balance", map[string]string{"accountType": accountType})
	if err != nil {
		return 0, err
	}
	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode wallet-balance result: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no wallet data for account type %s", accountType)
	}
	equity, err := strconv.ParseFloat(result.List[0].TotalEquity, 64)
	if err != nil {
		return 0, fmt.Errorf("parse total equity: %w", err)
	}
	return equity, nil
}

// SetLeverage applies leverage for symbol. Best-effort: callers log on
// failure and proceed per the admission path's tolerance for this call
// failing (leverage may already be set to the desired value).
func (c *Client) SetLeverage(category, symbol string, leverage int) error {
	body := map[string]any{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := c.doPost("/v5/position/set-leverage", body)
	return err
}

// OrderRequest is the body submitted to /v5/order/create. Fields are
// tagged omitempty so conditional-only fields don't appear on plain
// reduce-only limit orders.
type OrderRequest struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	Price            string `json:"price,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerBy        string `json:"triggerBy,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	OrderLinkID      string `json:"orderLinkId"`
	PositionIdx      int    `json:"positionIdx"`
}

// PlaceOrder submits an order and returns the exchange-assigned order id.
// order_link_id in body is the idempotency key the exchange itself
// de-duplicates against.
func (c *Client) PlaceOrder(body OrderRequest) (string, error) {
	raw, err := c.doPost("/v5/order/create", body)
	if err != nil {
		return "", err
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode order/create result: %w", err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels a resting order by exchange order id.
func (c *Client) CancelOrder(category, symbol, orderID string) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.doPost("/v5/order/cancel", body)
	return err
}

// Position is one entry from /v5/position/list.
type Position struct {
	Symbol string  `json:"symbol"`
	Size   float64 `json:"size,string"`
	Side   string  `json:"side"`
}

// Positions returns live positions for category/symbol.
func (c *Client) Positions(category, symbol string) ([]Position, error) {
	raw, err := c.doGet("/v5/position/list", map[string]string{"category": category, "symbol": symbol})
	if err != nil {
		return nil, err
	}
	var result struct {
		List []Position `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode position/list result: %w", err)
	}
	return result.List, nil
}

// TradingStopRequest is the body submitted to /v5/position/trading-stop,
// a position-level update of SL / TP / trailing stop in one call.
type TradingStopRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	TpslMode     string `json:"tpslMode"`
	PositionIdx  int    `json:"positionIdx"`
	StopLoss     string `json:"stopLoss,omitempty"`
	ActivePrice  string `json:"activePrice,omitempty"`
	TrailingStop string `json:"trailingStop,omitempty"`
}

// SetTradingStop applies a position-level SL/trailing-stop update.
func (c *Client) SetTradingStop(body TradingStopRequest) error {
	_, err := c.doPost("/v5/position/trading-stop", body)
	return err
}

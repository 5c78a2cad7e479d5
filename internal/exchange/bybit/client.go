// =================================
// File: internal/exchange/bybit/client.go
// =================================

// Package bybit implements the exchange.Gateway contract against the Bybit
// v5 REST API. Responses are parsed into typed structs at this boundary so
// the engine never inspects loosely-typed maps.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/config"
	"github.com/witthawin/signalbot/internal/exchange"
)

// Client is the Bybit v5 REST client.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	category   string
	settleCoin string
	maxRetries int
	httpClient *http.Client
	logger     *zap.Logger
}

var _ exchange.Gateway = (*Client)(nil)

// NewClient creates a Bybit gateway from the exchange configuration.
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: strconv.Itoa(cfg.RecvWindowMS),
		category:   cfg.Category,
		settleCoin: cfg.SettleCoin,
		maxRetries: retries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("bybit"),
	}
}

// GetBalance returns the unified-account balance.
func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")

	var result walletBalanceResult
	if err := c.get(ctx, "/v5/account/wallet-balance", q, &result); err != nil {
		return exchange.Balance{}, fmt.Errorf("bybit: get balance: %w", err)
	}
	if len(result.List) == 0 {
		return exchange.Balance{}, fmt.Errorf("bybit: wallet balance response empty")
	}
	acct := result.List[0]
	return exchange.Balance{
		Total:     parseDecimal(acct.TotalEquity),
		Available: parseDecimal(acct.TotalAvailableBalance),
		Used:      parseDecimal(acct.TotalInitialMargin),
	}, nil
}

// GetOpenOrders returns open orders for the symbol, or for the whole settle
// coin when symbol is empty.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	q := url.Values{}
	q.Set("category", c.category)
	if symbol != "" {
		q.Set("symbol", symbol)
	} else {
		q.Set("settleCoin", c.settleCoin)
	}

	var result openOrdersResult
	if err := c.get(ctx, "/v5/order/realtime", q, &result); err != nil {
		return nil, fmt.Errorf("bybit: get open orders: %w", err)
	}
	orders := make([]exchange.Order, 0, len(result.List))
	for _, o := range result.List {
		orders = append(orders, exchange.Order{
			OrderID:     o.OrderID,
			OrderLinkID: o.OrderLinkID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			OrderType:   o.OrderType,
			Status:      o.OrderStatus,
			Qty:         parseDecimal(o.Qty),
			Price:       parseDecimal(o.Price),
			ReduceOnly:  o.ReduceOnly,
			Slot:        o.PositionIdx,
		})
	}
	return orders, nil
}

// GetOpenPositions returns live positions for the symbol, or for the whole
// settle coin when symbol is empty.
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	q := url.Values{}
	q.Set("category", c.category)
	if symbol != "" {
		q.Set("symbol", symbol)
	} else {
		q.Set("settleCoin", c.settleCoin)
	}

	var result positionListResult
	if err := c.get(ctx, "/v5/position/list", q, &result); err != nil {
		return nil, fmt.Errorf("bybit: get open positions: %w", err)
	}
	positions := make([]exchange.Position, 0, len(result.List))
	for _, p := range result.List {
		positions = append(positions, exchange.Position{
			Symbol:        p.Symbol,
			Slot:          p.PositionIdx,
			Side:          p.Side,
			Size:          parseDecimal(p.Size),
			AvgPrice:      parseDecimal(p.AvgPrice),
			StopLoss:      parseOptDecimal(p.StopLoss),
			TakeProfit:    parseOptDecimal(p.TakeProfit),
			UnrealisedPnL: parseDecimal(p.UnrealisedPnl),
			Leverage:      parseDecimal(p.Leverage),
		})
	}
	return positions, nil
}

// PlaceOrder submits an order with optional attached TP/SL.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.PlaceOrderResult, error) {
	body := map[string]interface{}{
		"category":    c.category,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"qty":         req.Qty.String(),
		"positionIdx": req.Slot,
	}
	if req.Price != nil {
		body["price"] = req.Price.String()
	}
	if req.TakeProfit != nil {
		body["takeProfit"] = req.TakeProfit.String()
	}
	if req.StopLoss != nil {
		body["stopLoss"] = req.StopLoss.String()
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.OrderLinkID != "" {
		body["orderLinkId"] = req.OrderLinkID
	}

	var result orderCreateResult
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return exchange.PlaceOrderResult{}, fmt.Errorf("bybit: place order: %w", err)
	}
	return exchange.PlaceOrderResult{OrderID: result.OrderID, OrderLinkID: result.OrderLinkID}, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	var result orderCreateResult
	if err := c.post(ctx, "/v5/order/cancel", body, &result); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", orderID, err)
	}
	return nil
}

// SetLeverage sets buy and sell leverage. A "leverage not modified" response
// counts as success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]interface{}{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.post(ctx, "/v5/position/set-leverage", body, nil)
	if err != nil && exchange.IsNotModified(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bybit: set leverage %s x%d: %w", symbol, leverage, err)
	}
	return nil
}

// SetTradingStop replaces the position's TP/SL in full mode. "0" clears a side.
func (c *Client) SetTradingStop(ctx context.Context, req exchange.TradingStopRequest) error {
	body := map[string]interface{}{
		"category":    c.category,
		"symbol":      req.Symbol,
		"takeProfit":  req.TakeProfit,
		"stopLoss":    req.StopLoss,
		"tpslMode":    "Full",
		"positionIdx": req.Slot,
	}
	if err := c.post(ctx, "/v5/position/trading-stop", body, nil); err != nil {
		return fmt.Errorf("bybit: set trading stop %s: %w", req.Symbol, err)
	}
	return nil
}

// GetTicker returns the latest price for the symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)

	var result tickersResult
	if err := c.get(ctx, "/v5/market/tickers", q, &result); err != nil {
		return exchange.Ticker{}, fmt.Errorf("bybit: get ticker %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return exchange.Ticker{}, fmt.Errorf("bybit: ticker response empty for %s", symbol)
	}
	return exchange.Ticker{
		Symbol:    result.List[0].Symbol,
		LastPrice: parseDecimal(result.List[0].LastPrice),
	}, nil
}

// GetInstrumentInfo returns lot-size and price filters for the symbol.
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (exchange.InstrumentInfo, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)

	var result instrumentsInfoResult
	if err := c.get(ctx, "/v5/market/instruments-info", q, &result); err != nil {
		return exchange.InstrumentInfo{}, fmt.Errorf("bybit: get instrument info %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return exchange.InstrumentInfo{}, fmt.Errorf("bybit: no instrument info for %s", symbol)
	}
	ins := result.List[0]
	return exchange.InstrumentInfo{
		Symbol:      ins.Symbol,
		MinOrderQty: parseDecimal(ins.LotSizeFilter.MinOrderQty),
		QtyStep:     parseDecimal(ins.LotSizeFilter.QtyStep),
		TickSize:    parseDecimal(ins.PriceFilter.TickSize),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.call(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return c.call(ctx, http.MethodPost, path, nil, payload, out)
}

// call performs one signed request with exponential-backoff retry on
// transport failures, 5xx responses and rate-limit rejections. API errors
// are permanent and surface as *exchange.APIError.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	operation := func() (json.RawMessage, error) {
		return c.doOnce(ctx, method, path, query, body)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Retrying exchange request",
			zap.String("path", path),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries)),
		backoff.WithNotify(notify))
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte) (json.RawMessage, error) {
	fullURL := c.baseURL + path
	queryStr := ""
	if len(query) > 0 {
		queryStr = query.Encode()
		fullURL += "?" + queryStr
	}

	var reader io.Reader
	signPayload := queryStr
	if method == http.MethodPost {
		reader = bytes.NewReader(body)
		signPayload = string(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp + c.apiKey + c.recvWindow + signPayload))
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err // transport failure, retryable
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, respBody)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody))
	}

	var env struct {
		envelope
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode response envelope: %w", err))
	}
	if env.RetCode != 0 {
		apiErr := &exchange.APIError{Code: env.RetCode, Msg: env.RetMsg}
		if env.RetCode == 10006 { // rate limit, retryable
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}
	return env.Result, nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

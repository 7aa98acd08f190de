// Package alpaca implements broker.Gateway over the Alpaca trading REST API.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"signal-trader/pkg/broker"
)

// Config holds Alpaca credentials.
type Config struct {
	BaseURL     string
	DataBaseURL string // market data host; defaults to the public data API
	APIKey      string
	APISecret   string
}

// Client is an Alpaca trading API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca: %d %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// IsRateLimited reports whether err is a broker rate-limit rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// New creates a client. The limiter paces requests under Alpaca's published
// 200 requests/minute per credential.
func New(cfg Config) *Client {
	if cfg.DataBaseURL == "" {
		cfg.DataBaseURL = "https://data.alpaca.markets"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(3), 5),
	}
}

type orderPayload struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Qty            string    `json:"qty"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	LimitPrice     string    `json:"limit_price"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

// PlaceOrder submits an order via POST /v2/orders.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("alpaca: API key/secret required")
	}

	body := map[string]any{
		"symbol":        req.Symbol,
		"qty":           formatFloat(req.Qty),
		"side":          string(req.Side),
		"type":          string(req.Type),
		"time_in_force": string(req.TimeInForce),
	}
	if req.Type == broker.OrderTypeLimit {
		body["limit_price"] = formatFloat(req.LimitPrice)
	}
	if req.ClientOrderID != "" {
		body["client_order_id"] = req.ClientOrderID
	}

	raw, err := c.do(ctx, http.MethodPost, "/v2/orders", nil, body)
	if err != nil {
		return nil, err
	}

	var resp orderPayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return toOrder(resp, raw), nil
}

// GetOrder fetches one order via GET /v2/orders/{id}.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v2/orders/"+orderID, nil, nil)
	if err != nil {
		return nil, err
	}
	var resp orderPayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return toOrder(resp, raw), nil
}

// ListOrders fetches orders via GET /v2/orders?status=&limit=.
func (c *Client) ListOrders(ctx context.Context, status string, limit int) ([]broker.Order, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.do(ctx, http.MethodGet, "/v2/orders", params, nil)
	if err != nil {
		return nil, err
	}
	var resp []orderPayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode orders response: %w", err)
	}

	orders := make([]broker.Order, 0, len(resp))
	for _, p := range resp {
		// Each order keeps its own payload so the audit trail sees the
		// per-order event, not the full page.
		single, _ := json.Marshal(p)
		orders = append(orders, *toOrder(p, single))
	}
	return orders, nil
}

// CancelOrder cancels via DELETE /v2/orders/{id}.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil, nil)
	return err
}

// ListPositions fetches holdings via GET /v2/positions.
func (c *Client) ListPositions(ctx context.Context) ([]broker.Position, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v2/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp []positionPayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}

	positions := make([]broker.Position, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, broker.Position{
			Symbol:        p.Symbol,
			Qty:           parseFloat(p.Qty),
			Side:          p.Side,
			AvgEntryPrice: parseFloat(p.AvgEntryPrice),
			CurrentPrice:  parseFloat(p.CurrentPrice),
			MarketValue:   parseFloat(p.MarketValue),
			UnrealizedPL:  parseFloat(p.UnrealizedPL),
		})
	}
	return positions, nil
}

// LatestPrice returns the last trade price via the market data API.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	raw, err := c.doBase(ctx, c.cfg.DataBaseURL, http.MethodGet, "/v2/stocks/"+symbol+"/trades/latest", nil, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode latest trade: %w", err)
	}
	if resp.Trade.Price <= 0 {
		return 0, fmt.Errorf("alpaca: no trade price for %s", symbol)
	}
	return resp.Trade.Price, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	return c.doBase(ctx, c.cfg.BaseURL, method, path, params, body)
}

func (c *Client) doBase(ctx context.Context, base, method, path string, params url.Values, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return nil, apiErr
	}
	return data, nil
}

func toOrder(p orderPayload, raw []byte) *broker.Order {
	return &broker.Order{
		ID:             p.ID,
		ClientOrderID:  p.ClientOrderID,
		Symbol:         p.Symbol,
		Qty:            parseFloat(p.Qty),
		Side:           broker.Side(p.Side),
		Type:           broker.OrderType(p.Type),
		Status:         mapStatus(p.Status),
		FilledQty:      parseFloat(p.FilledQty),
		FilledAvgPrice: parseFloat(p.FilledAvgPrice),
		LimitPrice:     parseFloat(p.LimitPrice),
		SubmittedAt:    p.SubmittedAt,
		Raw:            string(raw),
	}
}

func mapStatus(s string) broker.Status {
	switch s {
	case "new":
		return broker.StatusNew
	case "pending_new":
		return broker.StatusPendingNew
	case "accepted", "accepted_for_bidding":
		return broker.StatusAccepted
	case "partially_filled":
		return broker.StatusPartiallyFilled
	case "filled":
		return broker.StatusFilled
	case "canceled", "pending_cancel", "done_for_day":
		return broker.StatusCanceled
	case "rejected":
		return broker.StatusRejected
	case "expired":
		return broker.StatusExpired
	default:
		return broker.StatusUnknown
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

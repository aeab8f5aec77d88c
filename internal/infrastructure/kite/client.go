package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultRESTEndpoint = "https://api.kite.trade"
	DefaultWSEndpoint   = "wss://ws.kite.trade"
	DefaultProduct      = "CNC"
	DefaultCallSpacing  = time.Second

	apiVersion    = "3"
	kiteTimestamp = "2006-01-02T15:04:05-0700"
	kiteDateTime  = "2006-01-02 15:04:05"
)

type Config struct {
	APIKey         string
	RESTEndpoint   string
	WSEndpoint     string
	Exchange       string
	Product        string
	MinCallSpacing time.Duration
	Timeout        time.Duration
	Clock          Clock
}

// Gateway is the process-wide entry point to Kite Connect. All sessions
// created from one gateway share its HTTP client and call spacing.
type Gateway struct {
	cfg    Config
	client *http.Client
	spacer *CallSpacer
	logger *zap.Logger

	mu     sync.RWMutex
	tokens map[string]uint32 // "EXCHANGE:SYMBOL" -> instrument token
}

func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.RESTEndpoint == "" {
		cfg.RESTEndpoint = DefaultRESTEndpoint
	}
	if cfg.WSEndpoint == "" {
		cfg.WSEndpoint = DefaultWSEndpoint
	}
	if cfg.Exchange == "" {
		cfg.Exchange = domain.DefaultExchange
	}
	if cfg.Product == "" {
		cfg.Product = DefaultProduct
	}
	if cfg.MinCallSpacing == 0 {
		cfg.MinCallSpacing = DefaultCallSpacing
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.RESTEndpoint = strings.TrimRight(cfg.RESTEndpoint, "/")

	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		spacer: NewCallSpacer(cfg.MinCallSpacing, cfg.Clock),
		logger: logger,
		tokens: make(map[string]uint32),
	}
}

// Session binds the gateway to one user's access token.
func (g *Gateway) Session(accessToken string) *Client {
	return &Client{gw: g, accessToken: accessToken}
}

// Client is an authenticated Kite session. It implements domain.Broker.
type Client struct {
	gw          *Gateway
	accessToken string
}

var (
	_ domain.Broker    = (*Client)(nil)
	_ domain.OrderBook = (*Client)(nil)
)

type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// call runs one rate-limited request. Failures are logged with the
// operation context and returned unchanged.
func (c *Client) call(ctx context.Context, op, method, path string, params url.Values, out interface{}, fields ...zap.Field) error {
	err := c.gw.spacer.Do(ctx, func() error {
		return c.do(ctx, op, method, path, params, out)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	kind, _ := domain.BrokerErrorKind(err)
	logFields := append([]zap.Field{
		zap.String("op", op),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}, fields...)
	c.gw.logger.Error("Kite API call failed", logFields...)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, out interface{}) error {
	endpoint := c.gw.cfg.RESTEndpoint + path

	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		body = strings.NewReader(params.Encode())
	} else if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return brokerError(domain.KindInvalidInput, op, "", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.gw.cfg.APIKey, c.accessToken))
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.gw.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return brokerError(domain.KindNetwork, op, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return brokerError(domain.KindNetwork, op, "", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return brokerError(classify("", resp.StatusCode), op, fmt.Sprintf("http %d", resp.StatusCode), nil)
		}
		return brokerError(domain.KindDataUnavailable, op, "malformed response", err)
	}
	if env.Status == "error" || resp.StatusCode >= 400 {
		return brokerError(classify(env.ErrorType, resp.StatusCode), op, env.Message, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return brokerError(domain.KindDataUnavailable, op, "unexpected response shape", err)
	}
	return nil
}

func (c *Client) instrument(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return c.gw.cfg.Exchange + ":" + symbol
}

// --- Orders ---

func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	const op = "place_order"
	fields := []zap.Field{
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("order_type", string(req.OrderType)),
		zap.Int("quantity", req.Quantity),
		zap.Float64("price", req.Price),
	}

	if req.Quantity <= 0 {
		err := brokerError(domain.KindInvalidInput, op, "quantity must be positive", nil)
		c.gw.logger.Error("Kite API call rejected locally", append(fields, zap.Error(err))...)
		return "", err
	}

	// tradingsymbol must be bare; a qualified "EXCH:SYM" carries its exchange.
	symbol, exchange := req.Symbol, req.Exchange
	if prefix, bare, ok := strings.Cut(req.Symbol, ":"); ok {
		if prefix == "" || bare == "" || (exchange != "" && exchange != prefix) {
			err := brokerError(domain.KindInvalidInput, op, "malformed or conflicting symbol "+req.Symbol, nil)
			c.gw.logger.Error("Kite API call rejected locally", append(fields, zap.Error(err))...)
			return "", err
		}
		symbol, exchange = bare, prefix
	}
	if exchange == "" {
		exchange = c.gw.cfg.Exchange
	}
	product := req.Product
	if product == "" {
		product = c.gw.cfg.Product
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}

	params := url.Values{}
	params.Set("tradingsymbol", symbol)
	params.Set("exchange", exchange)
	params.Set("transaction_type", string(req.Side))
	params.Set("order_type", string(orderType))
	params.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Set("product", product)
	params.Set("validity", "DAY")
	if orderType == domain.OrderTypeLimit && req.Price > 0 {
		params.Set("price", fmt.Sprintf("%.2f", req.Price))
	}
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.call(ctx, op, http.MethodPost, "/orders/regular", params, &data, fields...); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		err := brokerError(domain.KindDataUnavailable, op, "empty order id", nil)
		c.gw.logger.Error("Kite API call failed", append(fields, zap.Error(err))...)
		return "", err
	}

	c.gw.logger.Info("Order placed", append(fields, zap.String("order_id", data.OrderID))...)
	return data.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "cancel_order", http.MethodDelete, "/orders/regular/"+url.PathEscape(orderID), nil, nil,
		zap.String("order_id", orderID))
}

// ModifyOrder changes quantity, price or type of an open regular order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, mod domain.OrderModification) (string, error) {
	const op = "modify_order"
	fields := []zap.Field{
		zap.String("order_id", orderID),
		zap.Int("quantity", mod.Quantity),
		zap.Float64("price", mod.Price),
	}

	params := url.Values{}
	if mod.Quantity > 0 {
		params.Set("quantity", fmt.Sprintf("%d", mod.Quantity))
	}
	if mod.Price > 0 {
		params.Set("price", fmt.Sprintf("%.2f", mod.Price))
	}
	if mod.OrderType != "" {
		params.Set("order_type", string(mod.OrderType))
	}
	if len(params) == 0 {
		err := brokerError(domain.KindInvalidInput, op, "nothing to modify", nil)
		c.gw.logger.Error("Kite API call rejected locally", append(fields, zap.Error(err))...)
		return "", err
	}
	params.Set("validity", "DAY")

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.call(ctx, op, http.MethodPut, "/orders/regular/"+url.PathEscape(orderID), params, &data, fields...); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		data.OrderID = orderID
	}
	return data.OrderID, nil
}

// orderRow is an order as Kite reports it; timestamps are exchange local.
type orderRow struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	Price           float64 `json:"price"`
	AveragePrice    float64 `json:"average_price"`
	Tag             string  `json:"tag"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

func (o orderRow) toDomain() domain.BrokerOrder {
	placed, _ := time.Parse(kiteDateTime, o.OrderTimestamp)
	return domain.BrokerOrder{
		OrderID:        o.OrderID,
		Status:         o.Status,
		StatusMessage:  o.StatusMessage,
		Symbol:         o.TradingSymbol,
		Exchange:       o.Exchange,
		Side:           domain.OrderSide(o.TransactionType),
		OrderType:      domain.OrderType(o.OrderType),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Price:          o.Price,
		AveragePrice:   o.AveragePrice,
		Tag:            o.Tag,
		PlacedAt:       placed,
	}
}

// GetOrders returns the day's order book.
func (c *Client) GetOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	var rows []orderRow
	if err := c.call(ctx, "get_orders", http.MethodGet, "/orders", nil, &rows); err != nil {
		return nil, err
	}
	orders := make([]domain.BrokerOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toDomain())
	}
	return orders, nil
}

// GetOrderHistory returns every state an order went through, oldest
// first. The last entry is its current state.
func (c *Client) GetOrderHistory(ctx context.Context, orderID string) ([]domain.BrokerOrder, error) {
	const op = "get_order_history"
	var rows []orderRow
	if err := c.call(ctx, op, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &rows,
		zap.String("order_id", orderID)); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		err := brokerError(domain.KindDataUnavailable, op, "no history for order "+orderID, nil)
		c.gw.logger.Error("Kite API call failed", zap.String("op", op), zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	history := make([]domain.BrokerOrder, 0, len(rows))
	for _, row := range rows {
		history = append(history, row.toDomain())
	}
	return history, nil
}

// --- Portfolio ---

func (c *Client) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var data struct {
		Net []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Product       string  `json:"product"`
			Quantity      int     `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
			PnL           float64 `json:"pnl"`
		} `json:"net"`
	}
	if err := c.call(ctx, "get_positions", http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, err
	}

	positions := make([]domain.BrokerPosition, 0, len(data.Net))
	for _, p := range data.Net {
		if p.Quantity == 0 {
			continue
		}
		positions = append(positions, domain.BrokerPosition{
			Symbol:       p.TradingSymbol,
			Exchange:     p.Exchange,
			Product:      p.Product,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
			PnL:          p.PnL,
		})
	}
	return positions, nil
}

func (c *Client) GetMargins(ctx context.Context) (*domain.Margins, error) {
	type segment struct {
		Enabled   bool    `json:"enabled"`
		Net       float64 `json:"net"`
		Available struct {
			Cash       float64 `json:"cash"`
			Collateral float64 `json:"collateral"`
		} `json:"available"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
	}
	var data struct {
		Equity    segment `json:"equity"`
		Commodity segment `json:"commodity"`
	}
	if err := c.call(ctx, "get_margins", http.MethodGet, "/user/margins", nil, &data); err != nil {
		return nil, err
	}

	convert := func(s segment) domain.SegmentMargin {
		return domain.SegmentMargin{
			Enabled:    s.Enabled,
			Net:        s.Net,
			Cash:       s.Available.Cash,
			Collateral: s.Available.Collateral,
			Utilised:   s.Utilised.Debits,
		}
	}
	return &domain.Margins{Equity: convert(data.Equity), Commodity: convert(data.Commodity)}, nil
}

// --- Market data ---

func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	const op = "get_quote"
	key := c.instrument(symbol)

	var data map[string]struct {
		InstrumentToken uint32  `json:"instrument_token"`
		LastPrice       float64 `json:"last_price"`
		Volume          int64   `json:"volume"`
		NetChange       float64 `json:"net_change"`
		OHLC            struct {
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"ohlc"`
	}
	params := url.Values{}
	params.Set("i", key)
	if err := c.call(ctx, op, http.MethodGet, "/quote", params, &data, zap.String("symbol", symbol)); err != nil {
		return nil, err
	}

	raw, ok := data[key]
	if !ok {
		err := brokerError(domain.KindDataUnavailable, op, "no quote for "+key, nil)
		c.gw.logger.Error("Kite API call failed", zap.String("op", op), zap.String("symbol", symbol), zap.Error(err))
		return nil, err
	}
	c.gw.rememberToken(key, raw.InstrumentToken)

	return &domain.Quote{
		Symbol:          symbol,
		InstrumentToken: raw.InstrumentToken,
		LastPrice:       raw.LastPrice,
		Open:            raw.OHLC.Open,
		High:            raw.OHLC.High,
		Low:             raw.OHLC.Low,
		Close:           raw.OHLC.Close,
		Volume:          raw.Volume,
		NetChange:       raw.NetChange,
	}, nil
}

// InstrumentToken resolves a symbol to its instrument token, using the
// quote endpoint on a cache miss.
func (c *Client) InstrumentToken(ctx context.Context, symbol string) (uint32, error) {
	if token, ok := c.gw.lookupToken(c.instrument(symbol)); ok {
		return token, nil
	}
	q, err := c.GetQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return q.InstrumentToken, nil
}

func (c *Client) GetHistoricalCandles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]domain.Candle, error) {
	const op = "get_historical_candles"
	fields := []zap.Field{zap.String("symbol", symbol), zap.String("interval", interval)}

	token, err := c.InstrumentToken(ctx, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("from", from.Format(kiteDateTime))
	params.Set("to", to.Format(kiteDateTime))

	var data struct {
		Candles [][]interface{} `json:"candles"`
	}
	path := fmt.Sprintf("/instruments/historical/%d/%s", token, url.PathEscape(interval))
	if err := c.call(ctx, op, http.MethodGet, path, params, &data, fields...); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(data.Candles))
	for _, raw := range data.Candles {
		// Format: [timestamp, open, high, low, close, volume]
		if len(raw) < 6 {
			continue
		}
		tsStr, ok := raw[0].(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(kiteTimestamp, tsStr)
		if err != nil {
			if ts, err = time.Parse(time.RFC3339, tsStr); err != nil {
				continue
			}
		}
		values := make([]float64, 5)
		valid := true
		for i := range values {
			v, ok := raw[i+1].(float64)
			if !ok {
				valid = false
				break
			}
			values[i] = v
		}
		if !valid {
			continue
		}
		candles = append(candles, domain.Candle{
			Time:   ts,
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: values[4],
		})
	}

	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func (g *Gateway) rememberToken(key string, token uint32) {
	if token == 0 {
		return
	}
	g.mu.Lock()
	g.tokens[key] = token
	g.mu.Unlock()
}

func (g *Gateway) lookupToken(key string) (uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	token, ok := g.tokens[key]
	return token, ok
}

package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

type gttCondition struct {
	Exchange      string    `json:"exchange"`
	TradingSymbol string    `json:"tradingsymbol"`
	TriggerValues []float64 `json:"trigger_values"`
	LastPrice     float64   `json:"last_price"`
}

type gttLeg struct {
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Price           float64 `json:"price"`
}

type gttTrigger struct {
	ID        int64        `json:"id"`
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	Condition gttCondition `json:"condition"`
	Orders    []gttLeg     `json:"orders"`
}

func (t gttTrigger) toDomain() domain.GTTOrder {
	g := domain.GTTOrder{
		ID:            t.ID,
		Type:          t.Type,
		Symbol:        t.Condition.TradingSymbol,
		Exchange:      t.Condition.Exchange,
		TriggerValues: t.Condition.TriggerValues,
		LastPrice:     t.Condition.LastPrice,
		Status:        t.Status,
	}
	for _, leg := range t.Orders {
		g.Orders = append(g.Orders, domain.GTTLegSpec{
			Side:      domain.OrderSide(leg.TransactionType),
			Quantity:  leg.Quantity,
			OrderType: domain.OrderType(leg.OrderType),
			Product:   leg.Product,
			Price:     leg.Price,
		})
	}
	return g
}

func (c *Client) gttParams(order domain.GTTOrder) (url.Values, error) {
	exchange := order.Exchange
	if exchange == "" {
		exchange = c.gw.cfg.Exchange
	}
	switch order.Type {
	case "single":
		if len(order.TriggerValues) != 1 {
			return nil, fmt.Errorf("single GTT needs exactly one trigger value")
		}
	case "two-leg":
		if len(order.TriggerValues) != 2 {
			return nil, fmt.Errorf("two-leg GTT needs exactly two trigger values")
		}
	default:
		return nil, fmt.Errorf("unknown GTT type %q", order.Type)
	}

	condition, err := json.Marshal(gttCondition{
		Exchange:      exchange,
		TradingSymbol: order.Symbol,
		TriggerValues: order.TriggerValues,
		LastPrice:     order.LastPrice,
	})
	if err != nil {
		return nil, err
	}

	legs := make([]gttLeg, 0, len(order.Orders))
	for _, leg := range order.Orders {
		product := leg.Product
		if product == "" {
			product = c.gw.cfg.Product
		}
		legs = append(legs, gttLeg{
			Exchange:        exchange,
			TradingSymbol:   order.Symbol,
			TransactionType: string(leg.Side),
			Quantity:        leg.Quantity,
			OrderType:       string(leg.OrderType),
			Product:         product,
			Price:           leg.Price,
		})
	}
	orders, err := json.Marshal(legs)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("type", order.Type)
	params.Set("condition", string(condition))
	params.Set("orders", string(orders))
	return params, nil
}

// PlaceGTT creates a GTT trigger and returns its id.
func (c *Client) PlaceGTT(ctx context.Context, order domain.GTTOrder) (int64, error) {
	const op = "place_gtt"
	fields := []zap.Field{zap.String("symbol", order.Symbol), zap.String("gtt_type", order.Type)}

	params, err := c.gttParams(order)
	if err != nil {
		berr := brokerError(domain.KindInvalidInput, op, err.Error(), err)
		c.gw.logger.Error("Kite API call rejected locally", append(fields, zap.Error(berr))...)
		return 0, berr
	}

	var data struct {
		TriggerID int64 `json:"trigger_id"`
	}
	if err := c.call(ctx, op, http.MethodPost, "/gtt/triggers", params, &data, fields...); err != nil {
		return 0, err
	}
	return data.TriggerID, nil
}

func (c *Client) GetGTTs(ctx context.Context) ([]domain.GTTOrder, error) {
	var data []gttTrigger
	if err := c.call(ctx, "get_gtts", http.MethodGet, "/gtt/triggers", nil, &data); err != nil {
		return nil, err
	}
	orders := make([]domain.GTTOrder, 0, len(data))
	for _, t := range data {
		orders = append(orders, t.toDomain())
	}
	return orders, nil
}

func (c *Client) GetGTT(ctx context.Context, triggerID int64) (*domain.GTTOrder, error) {
	var data gttTrigger
	path := fmt.Sprintf("/gtt/triggers/%d", triggerID)
	if err := c.call(ctx, "get_gtt", http.MethodGet, path, nil, &data, zap.Int64("trigger_id", triggerID)); err != nil {
		return nil, err
	}
	g := data.toDomain()
	return &g, nil
}

func (c *Client) ModifyGTT(ctx context.Context, triggerID int64, order domain.GTTOrder) (int64, error) {
	const op = "modify_gtt"
	fields := []zap.Field{zap.Int64("trigger_id", triggerID), zap.String("symbol", order.Symbol)}

	params, err := c.gttParams(order)
	if err != nil {
		berr := brokerError(domain.KindInvalidInput, op, err.Error(), err)
		c.gw.logger.Error("Kite API call rejected locally", append(fields, zap.Error(berr))...)
		return 0, berr
	}

	var data struct {
		TriggerID int64 `json:"trigger_id"`
	}
	path := fmt.Sprintf("/gtt/triggers/%d", triggerID)
	if err := c.call(ctx, op, http.MethodPut, path, params, &data, fields...); err != nil {
		return 0, err
	}
	return data.TriggerID, nil
}

func (c *Client) DeleteGTT(ctx context.Context, triggerID int64) error {
	path := fmt.Sprintf("/gtt/triggers/%d", triggerID)
	return c.call(ctx, "delete_gtt", http.MethodDelete, path, nil, nil, zap.Int64("trigger_id", triggerID))
}

// Package connectors adapts trading venues to the three calls the engine needs: submit,
// cancel and status.
package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundengine/src/accounting"
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	// OrderStop sells once price trades at or below the trigger.
	OrderStop OrderType = "stop"
	// OrderTakeProfit sells once price trades at or above the trigger.
	OrderTakeProfit OrderType = "take_profit"
)

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	TriggerPrice  decimal.Decimal `json:"triggerPrice,omitempty"`
}

func (r OrderRequest) validate() error {
	switch {
	case r.Symbol == "":
		return &APIError{Code: CodeInvalidArgument, Msg: "symbol is required"}
	case r.Side != SideBuy && r.Side != SideSell:
		return &APIError{Code: CodeInvalidArgument, Msg: fmt.Sprintf("bad side %q", r.Side)}
	case !r.Quantity.IsPositive():
		return &APIError{Code: CodeInvalidArgument, Msg: "quantity must be positive"}
	case r.Type != OrderMarket && !r.TriggerPrice.IsPositive():
		return &APIError{Code: CodeInvalidArgument, Msg: "trigger price is required"}
	}
	return nil
}

// Order is the venue's view of one order.
type Order struct {
	ID             string          `json:"orderId"`
	ClientOrderID  string          `json:"clientOrderId"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           OrderType       `json:"type"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	TriggerPrice   decimal.Decimal `json:"triggerPrice"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AvgPrice       decimal.Decimal `json:"avgPrice"`
	Fee            decimal.Decimal `json:"fee"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCanceled || o.Status == StatusRejected
}

// Fill converts the executed part of the order for the ledger.
func (o Order) Fill() accounting.Fill {
	return accounting.Fill{Quantity: o.FilledQuantity, Price: o.AvgPrice, Fee: o.Fee}
}

// OrderRef addresses an order by venue id or, during recovery, by client id.
type OrderRef struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
}

// Exchange is the venue capability. CancelOrder of an order that already filled returns
// the filled order without error.
type Exchange interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, ref OrderRef) (*Order, error)
	GetOrderStatus(ctx context.Context, ref OrderRef) (*Order, error)
}

// PriceSource supplies the observed prices the paper venue fills against.
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// New builds the venue selected by cfg.
func New(cfg Config, prices PriceSource, feeRate, slippage decimal.Decimal) (Exchange, error) {
	switch cfg.Exchange {
	case VenuePaper, "":
		return NewPaperExchange(prices, feeRate, slippage), nil
	case VenueRest:
		if cfg.BaseURL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, fmt.Errorf("rest exchange needs EXCHANGE_BASE_URL, EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
		}
		return NewRestExchange(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.Timeout, cfg.StatusRetries), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange)
	}
}

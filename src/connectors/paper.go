package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/accounting"
)

// PaperExchange fills market orders immediately at the observed price moved against the
// taker by slippage. Stop and take-profit orders rest until a status or cancel call sees
// the price cross their trigger.
type PaperExchange struct {
	mu       sync.Mutex
	prices   PriceSource
	fee      decimal.Decimal
	slippage decimal.Decimal
	orders   map[string]*Order
	byClient map[string]string
	seq      int64
	now      func() time.Time
}

func NewPaperExchange(prices PriceSource, feeRate, slippage decimal.Decimal) *PaperExchange {
	return &PaperExchange{
		prices:   prices,
		fee:      feeRate,
		slippage: slippage,
		orders:   map[string]*Order{},
		byClient: map[string]string{},
		now:      time.Now,
	}
}

func (p *PaperExchange) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if _, dup := p.byClient[req.ClientOrderID]; dup {
			return nil, &APIError{Code: CodeDuplicateClientID, Msg: req.ClientOrderID}
		}
	}

	p.seq++
	o := &Order{
		ID:            fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusOpen,
		Quantity:      req.Quantity,
		TriggerPrice:  req.TriggerPrice,
		UpdatedAt:     p.now().UTC(),
	}

	if req.Type == OrderMarket {
		price, ok := p.price(req.Symbol)
		if !ok {
			return nil, &APIError{Code: CodeNoPrice, Msg: req.Symbol}
		}
		p.fill(o, price)
	}

	p.orders[o.ID] = o
	if o.ClientOrderID != "" {
		p.byClient[o.ClientOrderID] = o.ID
	}

	logger.WithFields(map[string]interface{}{
		"venue":  VenuePaper,
		"order":  o.ID,
		"symbol": o.Symbol,
		"side":   o.Side,
		"type":   o.Type,
		"status": o.Status,
	}).Debug("Paper order accepted")

	out := *o
	return &out, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, ref OrderRef) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, err := p.lookup(ref)
	if err != nil {
		return nil, err
	}
	p.evaluate(o)
	if o.Status == StatusOpen {
		o.Status = StatusCanceled
		o.UpdatedAt = p.now().UTC()
	}
	out := *o
	return &out, nil
}

func (p *PaperExchange) GetOrderStatus(_ context.Context, ref OrderRef) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, err := p.lookup(ref)
	if err != nil {
		return nil, err
	}
	p.evaluate(o)
	out := *o
	return &out, nil
}

func (p *PaperExchange) lookup(ref OrderRef) (*Order, error) {
	id := ref.OrderID
	if id == "" {
		id = p.byClient[ref.ClientOrderID]
	}
	o, ok := p.orders[id]
	if !ok {
		return nil, &APIError{Code: CodeOrderNotFound, Msg: id + ref.ClientOrderID}
	}
	return o, nil
}

// evaluate fires a resting trigger order whose level the current price has crossed.
func (p *PaperExchange) evaluate(o *Order) {
	if o.Status != StatusOpen || o.Type == OrderMarket {
		return
	}
	price, ok := p.price(o.Symbol)
	if !ok {
		return
	}
	switch o.Type {
	case OrderStop:
		if price.LessThanOrEqual(o.TriggerPrice) {
			p.fill(o, price)
		}
	case OrderTakeProfit:
		if price.GreaterThanOrEqual(o.TriggerPrice) {
			p.fill(o, o.TriggerPrice)
		}
	}
}

func (p *PaperExchange) fill(o *Order, price decimal.Decimal) {
	exec := accounting.Slip(price, p.slippage, o.Side == SideBuy)
	o.Status = StatusFilled
	o.FilledQuantity = o.Quantity
	o.AvgPrice = exec
	o.Fee = accounting.Fee(o.Quantity, exec, p.fee)
	o.UpdatedAt = p.now().UTC()
}

func (p *PaperExchange) price(symbol string) (decimal.Decimal, bool) {
	if p.prices == nil {
		return decimal.Zero, false
	}
	price, ok := p.prices.Price(symbol)
	return price, ok && price.IsPositive()
}

// Package market holds the live prices every consumer reads: the live strategy, the
// position monitor, the candidates and the paper venue.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observed trade price.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"ts"`
}

// Snapshot is a consistent copy of the book at one instant.
type Snapshot struct {
	At      time.Time
	Prices  map[string]decimal.Decimal
	History map[string][]decimal.Decimal
}

// Symbols returns the snapshot's symbols in order.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Prices))
	for sym := range s.Prices {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// PriceBook keeps the latest price and a bounded history per symbol. Readers always get
// copies.
type PriceBook struct {
	mu      sync.RWMutex
	limit   int
	latest  map[string]Tick
	history map[string][]decimal.Decimal
	now     func() time.Time
}

func NewPriceBook(history int) *PriceBook {
	if history <= 0 {
		history = 1
	}
	return &PriceBook{
		limit:   history,
		latest:  map[string]Tick{},
		history: map[string][]decimal.Decimal{},
		now:     time.Now,
	}
}

// Update records a tick. Non-positive prices are dropped.
func (b *PriceBook) Update(t Tick) {
	if t.Symbol == "" || !t.Price.IsPositive() {
		return
	}
	if t.Time.IsZero() {
		t.Time = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[t.Symbol] = t
	h := append(b.history[t.Symbol], t.Price)
	if len(h) > b.limit {
		h = append([]decimal.Decimal(nil), h[len(h)-b.limit:]...)
	}
	b.history[t.Symbol] = h
}

func (b *PriceBook) Price(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.latest[symbol]
	return t.Price, ok
}

func (b *PriceBook) Prices() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.latest))
	for s, t := range b.latest {
		out[s] = t.Price
	}
	return out
}

func (b *PriceBook) History(symbol string) []decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]decimal.Decimal(nil), b.history[symbol]...)
}

func (b *PriceBook) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Snapshot{
		At:      b.now().UTC(),
		Prices:  make(map[string]decimal.Decimal, len(b.latest)),
		History: make(map[string][]decimal.Decimal, len(b.history)),
	}
	for sym, t := range b.latest {
		s.Prices[sym] = t.Price
	}
	for sym, h := range b.history {
		s.History[sym] = append([]decimal.Decimal(nil), h...)
	}
	return s
}

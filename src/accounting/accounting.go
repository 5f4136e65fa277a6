// Package accounting holds the money rules shared by the live ledger and the candidate
// simulator. Every function is pure; callers own persistence.
package accounting

import (
	"github.com/shopspring/decimal"
)

// Fill is one executed quantity at one price.
type Fill struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
}

// Lot is the part of a position the rules need.
type Lot struct {
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	EntryFees     decimal.Decimal
}

// Close is the realized outcome of closing a whole lot.
type Close struct {
	ExitPrice decimal.Decimal
	Gross     decimal.Decimal
	Fees      decimal.Decimal
	Net       decimal.Decimal
}

// Fee charges rate on the notional of qty at price.
func Fee(qty, price, rate decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(rate).Abs()
}

// Slip moves price against the taker: up for buys, down for sells.
func Slip(price, pct decimal.Decimal, buy bool) decimal.Decimal {
	if buy {
		return price.Mul(decimal.NewFromInt(1).Add(pct))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(pct))
}

// AddToLot re-averages the entry price by volume. Only buys reach this function, so the
// average always reflects buy fills alone.
func AddToLot(lot Lot, fill Fill) Lot {
	total := lot.Quantity.Add(fill.Quantity)
	if !total.IsPositive() {
		return lot
	}
	notional := lot.Quantity.Mul(lot.AvgEntryPrice).Add(fill.Quantity.Mul(fill.Price))
	return Lot{
		Quantity:      total,
		AvgEntryPrice: notional.Div(total),
		EntryFees:     lot.EntryFees.Add(fill.Fee),
	}
}

// CloseLot realizes a full close. Net P&L carries both the entry and the exit fees.
func CloseLot(lot Lot, exitQty, exitVWAP, exitFees decimal.Decimal) Close {
	gross := exitVWAP.Sub(lot.AvgEntryPrice).Mul(exitQty)
	fees := lot.EntryFees.Add(exitFees)
	return Close{
		ExitPrice: exitVWAP,
		Gross:     gross,
		Fees:      fees,
		Net:       gross.Sub(fees),
	}
}

// SplitLot carves qty out of lot. Entry fees follow the quantity pro rata so a partial
// exit realizes only its share.
func SplitLot(lot Lot, qty decimal.Decimal) (taken, rest Lot) {
	if !lot.Quantity.IsPositive() || qty.GreaterThanOrEqual(lot.Quantity) {
		return lot, Lot{AvgEntryPrice: lot.AvgEntryPrice}
	}
	fees := lot.EntryFees.Mul(qty).Div(lot.Quantity)
	taken = Lot{Quantity: qty, AvgEntryPrice: lot.AvgEntryPrice, EntryFees: fees}
	rest = Lot{Quantity: lot.Quantity.Sub(qty), AvgEntryPrice: lot.AvgEntryPrice, EntryFees: lot.EntryFees.Sub(fees)}
	return taken, rest
}

// CostBasis is what an open lot took out of cash.
func CostBasis(lot Lot) decimal.Decimal {
	return lot.Quantity.Mul(lot.AvgEntryPrice).Add(lot.EntryFees)
}

// AdverseExcursion returns the updated worst unrealized drawdown for a long lot as a
// fraction of entry. It never decreases.
func AdverseExcursion(prev, avgEntry, price decimal.Decimal) decimal.Decimal {
	if !avgEntry.IsPositive() || !price.IsPositive() {
		return prev
	}
	drawdown := avgEntry.Sub(price).Div(avgEntry)
	if drawdown.GreaterThan(prev) {
		return drawdown
	}
	return prev
}

// AuthoritativeCash is starting capital plus capital events plus realized P&L minus the
// cost basis of every open position. It never consults a snapshot.
func AuthoritativeCash(starting, netCapitalEvents, realizedNet, openCostBasis decimal.Decimal) decimal.Decimal {
	return starting.Add(netCapitalEvents).Add(realizedNet).Sub(openCostBasis)
}

// Equity is cash plus the market value of open positions.
func Equity(cash, openValue decimal.Decimal) decimal.Decimal {
	return cash.Add(openValue)
}

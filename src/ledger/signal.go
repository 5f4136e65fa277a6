package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"fundengine/src/model"
	"fundengine/src/sdk"
)

const (
	ActionBuy    = sdk.Buy
	ActionClose  = sdk.Close
	ActionModify = sdk.Modify
)

// Signal is a validated decision addressed to one ledger.
type Signal struct {
	Source       string
	Action       string
	Symbol       string
	Tag          string
	SizeFraction decimal.Decimal
	// Quantity, when positive, replaces fraction sizing and is capped by the per-trade
	// ceiling.
	Quantity     decimal.Decimal
	// Transplant carries Quantity over exactly: the per-trade ceiling does not apply, while
	// the halt, exposure, position-count and cash checks still reject.
	Transplant   bool
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	Intent       string
	CloseReason  string
	Trigger      string
}

// RejectionReason enumerates why a signal was refused.
type RejectionReason string

const (
	ReasonInvalidSignal    RejectionReason = "invalid_signal"
	ReasonTagRequired      RejectionReason = "tag_required"
	ReasonHalted           RejectionReason = "halted"
	ReasonNoPrice          RejectionReason = "no_price"
	ReasonNoPosition       RejectionReason = "no_position"
	ReasonExposureLimit    RejectionReason = "exposure_limit"
	ReasonMaxPositions     RejectionReason = "max_positions"
	ReasonInsufficientCash RejectionReason = "insufficient_cash"
	ReasonInvalidLevels    RejectionReason = "invalid_levels"
	ReasonSizeTooSmall     RejectionReason = "size_too_small"
	ReasonExitPending      RejectionReason = "exit_pending"
	ReasonEntryPending     RejectionReason = "entry_pending"
)

// Rejection is a risk or validation refusal. Nothing was mutated when one is returned.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason RejectionReason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var (
	ErrAlreadyClosed     = errors.New("ledger: position already closed")
	ErrNoStartingCapital = errors.New("ledger: starting capital was never persisted")
	ErrOrderResolved     = errors.New("ledger: order already resolved")
)

// Delta kinds.
const (
	DeltaOpened    = "opened"
	DeltaIncreased = "increased"
	DeltaReduced   = "reduced"
	DeltaClosed    = "closed"
	DeltaModified  = "modified"
	DeltaAborted   = "aborted"
)

// Delta is the committed effect of one order or modification.
type Delta struct {
	Kind     string
	Position *model.Position
	Trade    *model.Trade
	Order    *model.PendingOrder

	// CancelOrderIDs are native bracket orders the caller must cancel outside the lock.
	CancelOrderIDs []string
}

// Plan holds the orders reserved for one signal.
type Plan struct {
	Signal Signal
	Price  decimal.Decimal
	Orders []*model.PendingOrder
}

// Record converts the signal into its log row.
func (s Signal) Record(price decimal.Decimal, qty decimal.Decimal, outcome, reason string) model.SignalFields {
	return model.SignalFields{
		Source:       s.Source,
		Action:       s.Action,
		Symbol:       s.Symbol,
		Tag:          s.Tag,
		SizeFraction: s.SizeFraction,
		Quantity:     qty,
		Price:        price,
		StopLoss:     s.StopLoss,
		TakeProfit:   s.TakeProfit,
		Intent:       s.Intent,
		Outcome:      outcome,
		Reason:       truncate(reason, 255),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package connectors

import (
	"errors"
	"fmt"
)

// Venue business codes carried in the response envelope.
const (
	CodeOK                  = 0
	CodeInvalidArgument     = 10001
	CodeInsufficientBalance = 10002
	CodeOrderNotFound       = 10003
	CodeDuplicateClientID   = 10004
	CodeOrderClosed         = 10005
	CodeNoPrice             = 10006
	CodeMarketClosed        = 10007
	CodeRateLimited         = 10008
)

// ErrorCodes maps venue codes to readable names.
var ErrorCodes = map[int]string{
	CodeOK:                  "OK",
	CodeInvalidArgument:     "INVALID_ARGUMENT",
	CodeInsufficientBalance: "INSUFFICIENT_BALANCE",
	CodeOrderNotFound:       "ORDER_NOT_FOUND",
	CodeDuplicateClientID:   "DUPLICATE_CLIENT_ORDER_ID",
	CodeOrderClosed:         "ORDER_ALREADY_CLOSED", // cancel of a filled or canceled order
	CodeNoPrice:             "NO_PRICE",
	CodeMarketClosed:        "MARKET_CLOSED",
	CodeRateLimited:         "RATE_LIMITED",
}

// GetErrorMsg returns a readable name for code, or a generic one including the code.
func GetErrorMsg(code int) string {
	if msg, ok := ErrorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_VENUE_ERROR_%d", code)
}

var (
	ErrOrderNotFound = errors.New("exchange: order not found")
	ErrOrderClosed   = errors.New("exchange: order already closed")
)

// APIError is a business rejection from the venue.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s (%d)", GetErrorMsg(e.Code), e.Code)
	}
	return fmt.Sprintf("%s (%d): %s", GetErrorMsg(e.Code), e.Code, e.Msg)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrOrderNotFound:
		return e.Code == CodeOrderNotFound
	case ErrOrderClosed:
		return e.Code == CodeOrderClosed
	}
	return false
}

// HTTPError is a transport-level failure with a status code.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Package externalmodel holds the JSON objects accepted at the engine's input boundary.
package externalmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"fundengine/src/sdk"
)

// ActionEmergencyStop closes every open live position. It is an operator action and is
// never produced by a strategy.
const ActionEmergencyStop = "EMERGENCY_STOP"

var ErrEmptyBody = errors.New("externalmodel: no decision in body")

// Decision is one structured decision submitted from outside the engine. Reasoning is
// stored with the signal for audit and never interpreted.
type Decision struct {
	Action       string     `json:"action"`
	Symbol       string     `json:"symbol"`
	Tag          string     `json:"tag,omitempty"`
	SizeFraction float64    `json:"size_fraction"`
	StopLoss     *float64   `json:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty"`
	Intent       string     `json:"intent,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// EmergencyStop accepts both spellings used by callers.
func (d Decision) EmergencyStop() bool {
	a := strings.ToUpper(strings.TrimSpace(d.Action))
	return strings.ReplaceAll(a, "-", "_") == ActionEmergencyStop
}

func (d Decision) ToSDK() sdk.Decision {
	out := sdk.Decision{
		Action:       d.Action,
		Symbol:       d.Symbol,
		Tag:          d.Tag,
		SizeFraction: d.SizeFraction,
		Intent:       d.Intent,
		Note:         d.Reasoning,
	}
	if d.StopLoss != nil {
		out.StopLoss = *d.StopLoss
	}
	if d.TakeProfit != nil {
		out.TakeProfit = *d.TakeProfit
	}
	return out
}

// ParseDecisions decodes a single decision object or an array of them. Unknown fields
// are rejected so a misspelt key never silently becomes a zero value.
func ParseDecisions(body []byte) ([]Decision, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	if trimmed[0] == '[' {
		var out []Decision
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, ErrEmptyBody
		}
		return out, nil
	}

	var one Decision
	if err := dec.Decode(&one); err != nil {
		return nil, err
	}
	return []Decision{one}, nil
}

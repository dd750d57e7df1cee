// Package strategy turns a BoxSet into a trade decision. Order placement lives
// with the caller; strategies only read the aggregation output.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/boxstream/pkg/boxes"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

const (
	NameRatioThreshold = "ratio-threshold"
	NameBoxDirection   = "box-direction"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrNoBoxes         = errors.New("no boxes to decide on")
)

// Position is the caller's current exposure in the instrument.
type Position struct {
	LongUnits  int64 `json:"longUnits"`
	ShortUnits int64 `json:"shortUnits"`
}

type Input struct {
	Price    decimal.Decimal
	Boxes    boxes.BoxSet
	Position Position
}

type Decision struct {
	Action   Action           `json:"action"`
	StopLoss *decimal.Decimal `json:"stopLoss,omitempty"`
	Reason   string           `json:"reason"`
}

// Strategy is a pluggable decision rule over the same aggregation output.
type Strategy interface {
	Name() string
	Decide(in Input) (Decision, error)
}

// New resolves a strategy by name.
func New(name string) (Strategy, error) {
	switch name {
	case NameRatioThreshold:
		return RatioThreshold{}, nil
	case NameBoxDirection, "":
		return BoxDirection{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

func largest(set boxes.BoxSet) (boxes.Box, bool) {
	ms := set.Magnitudes()
	if len(ms) == 0 {
		return boxes.Box{}, false
	}
	return set[ms[len(ms)-1]], true
}

func smallest(set boxes.BoxSet) (boxes.Box, bool) {
	ms := set.Magnitudes()
	if len(ms) == 0 {
		return boxes.Box{}, false
	}
	return set[ms[0]], true
}

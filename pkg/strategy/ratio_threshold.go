package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/boxstream/pkg/boxes"
)

// RatioThreshold trades against the crowd of boxes: every box down (ratio 0) or a
// price under the largest box's midpoint buys; every box up or a price above it sells.
type RatioThreshold struct{}

func (RatioThreshold) Name() string { return NameRatioThreshold }

// UpRatio is the share of boxes whose last move was up.
func UpRatio(set boxes.BoxSet) decimal.Decimal {
	if len(set) == 0 {
		return decimal.Zero
	}
	up := 0
	for _, b := range set {
		if b.MovedUp {
			up++
		}
	}
	return decimal.NewFromInt(int64(up)).Div(decimal.NewFromInt(int64(len(set))))
}

func (RatioThreshold) Decide(in Input) (Decision, error) {
	big, ok := largest(in.Boxes)
	if !ok {
		return Decision{}, ErrNoBoxes
	}
	ratio := UpRatio(in.Boxes)
	intersect := big.High.Add(big.Low).Div(decimal.NewFromInt(2))

	switch {
	case (ratio.Equal(decimal.NewFromInt(1)) || in.Price.GreaterThan(intersect)) && in.Position.ShortUnits == 0:
		return Decision{Action: ActionSell, Reason: "ratio " + ratio.StringFixed(2) + " above midpoint " + intersect.String()}, nil
	case (ratio.IsZero() || in.Price.LessThan(intersect)) && in.Position.LongUnits == 0:
		return Decision{Action: ActionBuy, Reason: "ratio " + ratio.StringFixed(2) + " below midpoint " + intersect.String()}, nil
	default:
		return Decision{Action: ActionHold, Reason: "price at midpoint " + intersect.String()}, nil
	}
}

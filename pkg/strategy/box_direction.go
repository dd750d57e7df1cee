package strategy

// BoxDirection follows the largest box: up means buy, anything else sells.
// The stop sits on the far edge of the smallest box.
type BoxDirection struct{}

func (BoxDirection) Name() string { return NameBoxDirection }

func (BoxDirection) Decide(in Input) (Decision, error) {
	big, ok := largest(in.Boxes)
	if !ok {
		return Decision{}, ErrNoBoxes
	}
	small, _ := smallest(in.Boxes)

	if in.Position.LongUnits != 0 || in.Position.ShortUnits != 0 {
		return Decision{Action: ActionHold, Reason: "position already open"}, nil
	}

	if big.MovedUp {
		stop := small.Low
		return Decision{Action: ActionBuy, StopLoss: &stop, Reason: "largest box moved up"}, nil
	}
	stop := small.High
	return Decision{Action: ActionSell, StopLoss: &stop, Reason: "largest box not moving up"}, nil
}

package strategy_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/boxstream/pkg/boxes"
	"github.com/shubham-shewale/boxstream/pkg/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleSet(bigUp bool) boxes.BoxSet {
	return boxes.BoxSet{
		10:  {High: d("1.1005"), Low: d("1.1004"), MovedUp: true, RangeSize: d("0.0001")},
		100: {High: d("1.1010"), Low: d("1.1000"), MovedUp: bigUp, MovedDn: !bigUp, RangeSize: d("0.0010")},
	}
}

func TestBoxDirection(t *testing.T) {
	s, _ := strategy.New(strategy.NameBoxDirection)

	got, err := s.Decide(strategy.Input{Price: d("1.1005"), Boxes: sampleSet(true)})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if got.Action != strategy.ActionBuy || !got.StopLoss.Equal(d("1.1004")) {
		t.Errorf("Expected BUY with stop 1.1004, got %s %v", got.Action, got.StopLoss)
	}

	got, _ = s.Decide(strategy.Input{Price: d("1.1005"), Boxes: sampleSet(false)})
	if got.Action != strategy.ActionSell || !got.StopLoss.Equal(d("1.1005")) {
		t.Errorf("Expected SELL with stop 1.1005, got %s %v", got.Action, got.StopLoss)
	}

	got, _ = s.Decide(strategy.Input{Boxes: sampleSet(true), Position: strategy.Position{LongUnits: 100}})
	if got.Action != strategy.ActionHold {
		t.Errorf("Expected HOLD with open position, got %s", got.Action)
	}
}

func TestRatioThreshold(t *testing.T) {
	s, _ := strategy.New(strategy.NameRatioThreshold)
	set := sampleSet(false) // ratio 0.5, midpoint 1.1005

	cases := []struct {
		price string
		pos   strategy.Position
		want  strategy.Action
	}{
		{"1.1008", strategy.Position{}, strategy.ActionSell},
		{"1.1001", strategy.Position{}, strategy.ActionBuy},
		{"1.1005", strategy.Position{}, strategy.ActionHold},
		{"1.1001", strategy.Position{LongUnits: 10}, strategy.ActionHold},
	}
	for _, c := range cases {
		got, err := s.Decide(strategy.Input{Price: d(c.price), Boxes: set, Position: c.pos})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if got.Action != c.want {
			t.Errorf("price %s: expected %s, got %s", c.price, c.want, got.Action)
		}
	}
}

func TestRatioThreshold_Extremes(t *testing.T) {
	s := strategy.RatioThreshold{}
	allUp := boxes.BoxSet{
		10: {High: d("1.2"), Low: d("1.1"), MovedUp: true, RangeSize: d("0.1")},
	}
	got, _ := s.Decide(strategy.Input{Price: d("1.1"), Boxes: allUp})
	if got.Action != strategy.ActionSell {
		t.Errorf("Expected SELL when every box is up, got %s", got.Action)
	}

	if !strategy.UpRatio(allUp).Equal(d("1")) {
		t.Errorf("Expected ratio 1, got %s", strategy.UpRatio(allUp))
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, err := strategy.New("martingale"); !errors.Is(err, strategy.ErrUnknownStrategy) {
		t.Errorf("Expected ErrUnknownStrategy, got %v", err)
	}
	if _, err := (strategy.BoxDirection{}).Decide(strategy.Input{}); !errors.Is(err, strategy.ErrNoBoxes) {
		t.Errorf("Expected ErrNoBoxes, got %v", err)
	}
}

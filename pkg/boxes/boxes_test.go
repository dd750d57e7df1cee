package boxes_test

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/boxstream/pkg/boxes"
	"github.com/shubham-shewale/boxstream/pkg/instrument"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

var eurUSD = instrument.Spec{Point: decimal.RequireFromString("0.00001"), Digits: 5}

func prices(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func mustProfile(t *testing.T, ms ...int) boxes.Profile {
	t.Helper()
	p, err := boxes.NewProfile("test", ms)
	if err != nil {
		t.Fatalf("NewProfile failed: %v", err)
	}
	return p
}

func TestCalculate_RollsUpAndHolds(t *testing.T) {
	// Oldest -> newest; the engine walks newest -> oldest: 1.0990, 1.1005, 1.1000.
	history := prices("1.1000", "1.1005", "1.0990")

	set, err := boxes.Calculate(eurUSD, history, mustProfile(t, 100))
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	box := set[100]
	if !box.High.Equal(decimal.RequireFromString("1.1005")) || !box.Low.Equal(decimal.RequireFromString("1.0995")) {
		t.Errorf("Expected {1.1005, 1.0995}, got {%s, %s}", box.High, box.Low)
	}
	if !box.MovedUp || box.MovedDn {
		t.Errorf("Expected movedUp only, got up=%v dn=%v", box.MovedUp, box.MovedDn)
	}
	if !box.RangeSize.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("Expected range 0.0010, got %s", box.RangeSize)
	}
}

func TestCalculate_RollsDown(t *testing.T) {
	history := prices("1.0950", "1.1000")

	set, err := boxes.Calculate(eurUSD, history, mustProfile(t, 10))
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	box := set[10]
	if !box.Low.Equal(decimal.RequireFromString("1.0950")) || !box.High.Equal(decimal.RequireFromString("1.0951")) {
		t.Errorf("Expected {1.0951, 1.0950}, got {%s, %s}", box.High, box.Low)
	}
	if box.MovedUp || !box.MovedDn {
		t.Errorf("Expected movedDn only, got up=%v dn=%v", box.MovedUp, box.MovedDn)
	}
}

func TestCalculate_SinglePriceIsFreshlyInitialized(t *testing.T) {
	set, err := boxes.Calculate(eurUSD, prices("1.2000"), mustProfile(t, 10, 20))
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	for m, box := range set {
		if box.MovedUp || box.MovedDn {
			t.Errorf("Magnitude %d should be untouched, got up=%v dn=%v", m, box.MovedUp, box.MovedDn)
		}
		if !box.High.Equal(decimal.RequireFromString("1.2")) {
			t.Errorf("Magnitude %d high should be seed price, got %s", m, box.High)
		}
	}
}

func TestCalculate_Errors(t *testing.T) {
	if _, err := boxes.Calculate(eurUSD, nil, mustProfile(t, 10)); !errors.Is(err, boxes.ErrEmptyHistory) {
		t.Errorf("Expected ErrEmptyHistory, got %v", err)
	}
	if _, err := boxes.Calculate(eurUSD, prices("1.1"), boxes.Profile{}); !errors.Is(err, boxes.ErrInvalidProfile) {
		t.Errorf("Expected ErrInvalidProfile, got %v", err)
	}
}

func randomWalk(r *rand.Rand, n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	p := decimal.RequireFromString("1.10000")
	step := decimal.RequireFromString("0.00001")
	for i := range out {
		p = p.Add(step.Mul(decimal.NewFromInt(int64(r.Intn(41) - 20))))
		out[i] = p
	}
	return out
}

func TestCalculate_InvariantsHold(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	profile, err := boxes.DefaultRegistry().Get("1")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}

	for trial := 0; trial < 50; trial++ {
		history := randomWalk(r, 1+r.Intn(400))
		set, err := boxes.Calculate(eurUSD, history, profile)
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		if len(set) != profile.Len() {
			t.Fatalf("Expected %d boxes, got %d", profile.Len(), len(set))
		}
		for m, box := range set {
			if !box.High.Sub(box.Low).Equal(box.RangeSize) {
				t.Fatalf("Magnitude %d: high-low %s != range %s", m, box.High.Sub(box.Low), box.RangeSize)
			}
			if box.MovedUp && box.MovedDn {
				t.Fatalf("Magnitude %d moved both ways", m)
			}
		}
	}
}

func TestCalculate_NewHighMovesUp(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	profile := mustProfile(t, 10, 25, 50)

	for trial := 0; trial < 50; trial++ {
		older := randomWalk(r, 30)
		set, _ := boxes.Calculate(eurUSD, older, profile)

		// Find a price strictly above every box, then put it before the history so
		// it is processed last.
		top := older[0]
		for _, b := range set {
			if b.High.GreaterThan(top) {
				top = b.High
			}
		}
		spike := top.Add(decimal.RequireFromString("0.01"))
		history := append([]decimal.Decimal{spike}, older...)

		got, _ := boxes.Calculate(eurUSD, history, profile)
		for m, b := range got {
			if !b.MovedUp || b.MovedDn {
				t.Fatalf("Magnitude %d: expected movedUp after new high", m)
			}
			if !b.High.Equal(spike) {
				t.Fatalf("Magnitude %d: expected high %s, got %s", m, spike, b.High)
			}
		}
	}
}

func TestCalculate_Idempotent(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	history := randomWalk(r, 500)
	snapshot := append([]decimal.Decimal(nil), history...)
	profile, _ := boxes.DefaultRegistry().Get("3")

	first, _ := boxes.Calculate(eurUSD, history, profile)
	second, _ := boxes.Calculate(eurUSD, history, profile)

	if !reflect.DeepEqual(first, second) {
		t.Error("Two runs over identical input differ")
	}
	if !reflect.DeepEqual(history, snapshot) {
		t.Error("Calculate mutated the caller's history")
	}
}

func TestCalculator_Compute(t *testing.T) {
	calc := boxes.NewCalculator(instrument.Default(), boxes.DefaultRegistry())
	candles := []models.Candle{
		{Mid: models.CandleMid{C: "150.000"}},
		{Mid: models.CandleMid{C: "not-a-price"}},
		{Mid: models.CandleMid{C: "150.120"}},
	}

	set, err := calc.Compute("USD_JPY", "d", candles)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	// USD_JPY point is 0.001, so magnitude 10 spans 0.010.
	if !set[10].RangeSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Expected range 0.01, got %s", set[10].RangeSize)
	}
	if !set[100].MovedDn {
		t.Error("Expected magnitude 100 to roll down onto 150.000")
	}

	if _, err := calc.Compute("USD_JPY", "nope", candles); !errors.Is(err, boxes.ErrInvalidProfile) {
		t.Errorf("Expected ErrInvalidProfile, got %v", err)
	}
	if _, err := calc.Compute("USD_JPY", "d", nil); !errors.Is(err, boxes.ErrEmptyHistory) {
		t.Errorf("Expected ErrEmptyHistory, got %v", err)
	}
}

func TestCalculator_ComputeRoundsClosesToDigits(t *testing.T) {
	calc := boxes.NewCalculator(instrument.Default(), boxes.DefaultRegistry())
	candles := []models.Candle{{Mid: models.CandleMid{C: "150.12049"}}}

	set, err := calc.Compute("USD_JPY", "d", candles)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !set[10].High.Equal(decimal.RequireFromString("150.12")) || !set[10].Low.Equal(decimal.RequireFromString("150.11")) {
		t.Errorf("Expected box 150.110-150.120, got %s-%s", set[10].Low, set[10].High)
	}
}

func TestBoxSet_MarshalJSON(t *testing.T) {
	set, _ := boxes.Calculate(eurUSD, prices("1.1"), mustProfile(t, 10))
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, key := range []string{`"10"`, `"high"`, `"low"`, `"boxMovedUp"`, `"boxMovedDn"`, `"rngSize"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("Expected %s in %s", key, b)
		}
	}
}

package fakebroker

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/boxstream/pkg/instrument"
)

// spreadPoints is the fixed bid/ask spread in instrument points.
const spreadPoints = 15

// PriceGenerator random-walks a mid price per instrument, in whole points.
type PriceGenerator struct {
	table *instrument.Table
	rand  Rand

	mu  sync.Mutex
	mid map[string]decimal.Decimal
}

func NewPriceGenerator(table *instrument.Table, rnd Rand) *PriceGenerator {
	return &PriceGenerator{table: table, rand: rnd, mid: make(map[string]decimal.Decimal)}
}

// Base is the starting price: 100000 points, so 1.00000 for 5-digit pairs and 100.000 for yen crosses.
func (g *PriceGenerator) Base(inst string) decimal.Decimal {
	return g.table.SpecOrFallback(inst).Point.Mul(decimal.NewFromInt(100000))
}

// Next moves the mid by -10..+10 points and returns the quoted bid and ask.
func (g *PriceGenerator) Next(inst string) (bid, ask decimal.Decimal) {
	spec := g.table.SpecOrFallback(inst)

	g.mu.Lock()
	mid, ok := g.mid[inst]
	if !ok {
		mid = g.Base(inst)
	}
	step := int64(math.Round(g.rand.Float64()*20)) - 10
	mid = mid.Add(spec.Point.Mul(decimal.NewFromInt(step)))
	if !mid.IsPositive() {
		mid = g.Base(inst)
	}
	g.mid[inst] = mid
	g.mu.Unlock()

	half := spec.Point.Mul(decimal.NewFromInt(spreadPoints)).Div(decimal.NewFromInt(2))
	return spec.Round(mid.Sub(half)), spec.Round(mid.Add(half))
}

// CandleClose is a deterministic function of bar time so repeated or
// overlapping candle requests agree with each other.
func (g *PriceGenerator) CandleClose(inst string, ts time.Time) decimal.Decimal {
	spec := g.table.SpecOrFallback(inst)
	minutes := float64(ts.Unix()) / 60
	// Two superposed waves, a few hundred points peak to peak.
	wave := 300*math.Sin(minutes/90) + 80*math.Sin(minutes/7)
	offset := decimal.NewFromFloat(wave).Round(0)
	return spec.Round(g.Base(inst).Add(spec.Point.Mul(offset)))
}

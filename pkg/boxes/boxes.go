// Package boxes derives multi-resolution range boxes from a closing-price history.
//
// Each magnitude of a profile yields one fixed-height box whose height is
// magnitude × instrument point. Walking the history from newest to oldest, a box
// rolls up when a price clears its high and rolls down when a price falls below its
// low, so smaller magnitudes flip direction more often than larger ones.
package boxes

import (
	"errors"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/boxstream/pkg/instrument"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

var ErrEmptyHistory = errors.New("empty price history")

// Box is one fixed-height range container. High - Low == RangeSize always holds.
type Box struct {
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	MovedUp   bool            `json:"boxMovedUp"`
	MovedDn   bool            `json:"boxMovedDn"`
	RangeSize decimal.Decimal `json:"rngSize"`
}

// BoxSet maps magnitude to its box.
type BoxSet map[int]Box

// Magnitudes returns the keys in ascending order.
func (s BoxSet) Magnitudes() []int {
	ms := make([]int, 0, len(s))
	for m := range s {
		ms = append(ms, m)
	}
	sort.Ints(ms)
	return ms
}

// MarshalJSON writes the set as an object keyed by the magnitude's decimal string.
func (s BoxSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]Box, len(s))
	for m, b := range s {
		out[strconv.Itoa(m)] = b
	}
	return json.Marshal(out)
}

// Calculate builds one box per profile magnitude from history (oldest first).
// history is not modified.
func Calculate(spec instrument.Spec, history []decimal.Decimal, profile Profile) (BoxSet, error) {
	if profile.Len() == 0 {
		return nil, ErrInvalidProfile
	}
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}

	ranges := make(map[int]decimal.Decimal, profile.Len())
	for _, m := range profile.magnitudes {
		ranges[m] = spec.Point.Mul(decimal.NewFromInt(int64(m)))
	}

	latest := history[len(history)-1]
	set := make(BoxSet, profile.Len())
	for m, rng := range ranges {
		set[m] = Box{High: latest, Low: latest.Sub(rng), RangeSize: rng}
	}

	for i := len(history) - 1; i >= 0; i-- {
		p := history[i]
		for m, box := range set {
			switch {
			case p.GreaterThan(box.High):
				box.High = p
				box.Low = p.Sub(box.RangeSize)
				box.MovedUp, box.MovedDn = true, false
			case p.LessThan(box.Low):
				box.Low = p
				box.High = p.Add(box.RangeSize)
				box.MovedUp, box.MovedDn = false, true
			default:
				continue
			}
			set[m] = box
		}
	}
	return set, nil
}

// ClosingPrices extracts mid closes from candles, skipping unparsable bars.
func ClosingPrices(candles []models.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(candles))
	for _, c := range candles {
		p, err := decimal.NewFromString(c.Mid.C)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Calculator resolves instruments and profiles by name before calling Calculate.
type Calculator struct {
	instruments *instrument.Table
	profiles    *Registry
}

func NewCalculator(instruments *instrument.Table, profiles *Registry) *Calculator {
	return &Calculator{instruments: instruments, profiles: profiles}
}

func (c *Calculator) Profiles() *Registry { return c.profiles }

// Compute runs the engine for a symbol and profile name over caller-owned candles.
// Closes are rounded to the instrument's digits first.
func (c *Calculator) Compute(symbol, profileName string, candles []models.Candle) (BoxSet, error) {
	profile, err := c.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	spec := c.instruments.SpecOrFallback(symbol)
	closes := ClosingPrices(candles)
	for i, p := range closes {
		closes[i] = spec.Round(p)
	}
	return Calculate(spec, closes, profile)
}

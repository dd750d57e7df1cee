// Package instrument holds immutable per-symbol reference data: the minimal price
// increment ("point") and display precision of each tradeable pair.
package instrument

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed instruments.yaml
var defaultTable []byte

var ErrUnknownInstrument = errors.New("unknown instrument")

// Spec is the reference data for one instrument.
type Spec struct {
	Point  decimal.Decimal
	Digits int32
}

// Fallback is used for symbols missing from the table.
var Fallback = Spec{Point: decimal.New(1, -5), Digits: 5}

// Round rounds a price to the instrument's display precision.
func (s Spec) Round(price decimal.Decimal) decimal.Decimal {
	return price.Round(s.Digits)
}

// Table is a read-only symbol lookup built once at startup.
type Table struct {
	specs map[string]Spec
}

type rawSpec struct {
	Point  string `yaml:"point"`
	Digits int32  `yaml:"digits"`
}

// Parse decodes a YAML mapping of symbol -> {point, digits}.
func Parse(data []byte) (*Table, error) {
	raw := make(map[string]rawSpec)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode instrument table: %w", err)
	}

	specs := make(map[string]Spec, len(raw))
	for symbol, r := range raw {
		point, err := decimal.NewFromString(r.Point)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: bad point %q: %w", symbol, r.Point, err)
		}
		if !point.IsPositive() {
			return nil, fmt.Errorf("instrument %s: point must be positive", symbol)
		}
		if r.Digits < 0 {
			return nil, fmt.Errorf("instrument %s: negative digits", symbol)
		}
		specs[symbol] = Spec{Point: point, Digits: r.Digits}
	}
	return &Table{specs: specs}, nil
}

// Default returns the built-in table of broker instruments.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded instrument table: %v", err))
	}
	return t
}

// Lookup returns the spec for symbol, or ErrUnknownInstrument.
func (t *Table) Lookup(symbol string) (Spec, error) {
	s, ok := t.specs[symbol]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return s, nil
}

// SpecOrFallback never fails; unknown symbols get the 5-digit fallback.
func (t *Table) SpecOrFallback(symbol string) Spec {
	if s, ok := t.specs[symbol]; ok {
		return s
	}
	return Fallback
}

func (t *Table) Has(symbol string) bool {
	_, ok := t.specs[symbol]
	return ok
}

// Symbols lists every known symbol in sorted order.
func (t *Table) Symbols() []string {
	out := make([]string, 0, len(t.specs))
	for s := range t.specs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

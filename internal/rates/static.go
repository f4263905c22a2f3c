package rates

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"fjacquet/sms-ledger/internal/models"
)

// StaticSource labels rates served from the embedded table.
const StaticSource = "static"

//go:embed static_rates.yaml
var staticRatesYAML []byte

// divisionPrecision is the scale kept when a rate is derived by division.
const divisionPrecision int32 = 12

type staticTable struct {
	Base  string            `yaml:"base"`
	AsOf  string            `yaml:"asOf"`
	Rates map[string]string `yaml:"rates"`
}

// StaticProvider serves a fixed table of rates quoted against one base
// currency. Any pair of two listed currencies is derived as a cross rate.
type StaticProvider struct {
	base  string
	asOf  time.Time
	rates map[string]decimal.Decimal
}

// NewStaticProvider parses the embedded last-known-good table.
func NewStaticProvider() (*StaticProvider, error) {
	return ParseStaticTable(staticRatesYAML)
}

// ParseStaticTable parses a YAML rate table of the form
// {base: USD, asOf: 2025-06-30, rates: {INR: "85.7"}}.
func ParseStaticTable(data []byte) (*StaticProvider, error) {
	var table staticTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse static rate table: %w", err)
	}
	if table.Base == "" {
		return nil, fmt.Errorf("static rate table has no base currency")
	}

	p := &StaticProvider{
		base:  strings.ToUpper(table.Base),
		asOf:  parseStamp(table.AsOf),
		rates: make(map[string]decimal.Decimal, len(table.Rates)+1),
	}
	p.rates[p.base] = decimal.NewFromInt(1)
	for code, raw := range table.Rates {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("static rate for %s: %w", code, err)
		}
		if !value.IsPositive() {
			return nil, fmt.Errorf("static rate for %s must be positive, got %s", code, raw)
		}
		p.rates[strings.ToUpper(code)] = value
	}
	return p, nil
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return StaticSource }

// Fetch implements Provider.
func (p *StaticProvider) Fetch(_ context.Context, pair models.Pair) (Rate, error) {
	from, okFrom := p.rates[pair.Base]
	to, okTo := p.rates[pair.Quote]
	if !okFrom || !okTo {
		return Rate{}, fmt.Errorf("%s not in static table: %w", pair, ErrPairNotSupported)
	}
	return Rate{
		Pair:   pair,
		Value:  to.DivRound(from, divisionPrecision),
		AsOf:   p.asOf,
		Source: StaticSource,
	}, nil
}

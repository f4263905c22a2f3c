package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pair is an ordered currency pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewPair returns the pair with both codes upper-cased.
func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// Inverse returns the reversed pair.
func (p Pair) Inverse() Pair { return Pair{Base: p.Quote, Quote: p.Base} }

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// ExchangeRateEntry is a cached rate for one pair. Rate is always positive.
type ExchangeRateEntry struct {
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetchedAt"`
	TTL       time.Duration   `json:"ttl"`
	Source    string          `json:"source,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

// Pair returns the entry's currency pair.
func (e ExchangeRateEntry) Pair() Pair { return Pair{Base: e.Base, Quote: e.Quote} }

// Stale reports whether the entry is at least TTL old at now.
func (e ExchangeRateEntry) Stale(now time.Time) bool {
	return now.Sub(e.FetchedAt) >= e.TTL
}

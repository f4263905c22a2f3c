// Package currencyutils provides common currency and decimal operations used throughout the application.
package currencyutils

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultMinorUnits is used for codes unknown to the ISO 4217 table.
const DefaultMinorUnits int32 = 2

// symbols maps the currency markers seen in notifications to ISO codes.
var symbols = map[string]string{
	"RS":   "INR",
	"RS.":  "INR",
	"INR":  "INR",
	"₹":    "INR",
	"$":    "USD",
	"US$":  "USD",
	"USD":  "USD",
	"€":    "EUR",
	"EUR":  "EUR",
	"£":    "GBP",
	"GBP":  "GBP",
	"¥":    "JPY",
	"JPY":  "JPY",
	"CHF":  "CHF",
	"AED":  "AED",
	"DHS":  "AED",
	"SGD":  "SGD",
	"S$":   "SGD",
	"EGP":  "EGP",
	"LE":   "EGP",
	"L.E":  "EGP",
	"L.E.": "EGP",
}

// TokenPattern is a regular expression alternation matching every known
// currency marker, longest first. It is meant to be embedded in a (?i) pattern.
var TokenPattern = buildTokenPattern()

func buildTokenPattern() string {
	tokens := make([]string, 0, len(symbols))
	for k := range symbols {
		tokens = append(tokens, k)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	for i, t := range tokens {
		tokens[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(tokens, "|")
}

// NormalizeCurrency converts a currency marker (symbol, abbreviation or ISO
// code) to its ISO 4217 code. The boolean is false when the marker is unknown.
func NormalizeCurrency(token string) (string, bool) {
	clean := strings.ToUpper(strings.TrimSpace(token))
	if clean == "" {
		return "", false
	}
	if code, ok := symbols[clean]; ok {
		return code, true
	}
	unit, err := currency.ParseISO(clean)
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

// MinorUnits returns the number of decimal places of the currency's minor
// unit, e.g. 2 for INR and 0 for JPY.
func MinorUnits(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return DefaultMinorUnits
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// RoundToMinorUnits rounds half-to-even at the currency's minor-unit precision.
func RoundToMinorUnits(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.RoundBank(MinorUnits(code))
}

// ParseAmount parses a string representation of an amount into a decimal value
// It handles various formats like "1,234.56", "1,23,456.00", "1.234,56", "1234,56"
func ParseAmount(amountStr string) (decimal.Decimal, error) {
	standardized := StandardizeAmount(amountStr)
	if standardized == "" {
		return decimal.Zero, fmt.Errorf("failed to parse amount '%s': empty", amountStr)
	}

	amount, err := decimal.NewFromString(standardized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse amount '%s': %w", amountStr, err)
	}

	return amount, nil
}

var amountNoise = regexp.MustCompile(`[€$£¥₹\s]|(?i)\b(?:rs\.?|inr|usd|eur|gbp|chf)`)

// StandardizeAmount converts various currency string formats to a standard format that can be parsed by decimal.NewFromString
// Handles patterns like "Rs.1,23,456.78", "€1.234,56", "$1,234.56", "1 234,56", etc.
func StandardizeAmount(amountStr string) string {
	amountStr = amountNoise.ReplaceAllString(amountStr, "")
	amountStr = strings.TrimLeft(amountStr, ".")
	amountStr = strings.ReplaceAll(amountStr, "'", "")

	hasComma := strings.Contains(amountStr, ",")
	hasDot := strings.Contains(amountStr, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(amountStr, ".") < strings.LastIndex(amountStr, ",") {
			// European format (1.234,56)
			amountStr = strings.ReplaceAll(amountStr, ".", "")
			amountStr = strings.ReplaceAll(amountStr, ",", ".")
		} else {
			// Grouping commas, including Indian lakh grouping (1,23,456.78)
			amountStr = strings.ReplaceAll(amountStr, ",", "")
		}
	case hasComma:
		parts := strings.Split(amountStr, ",")
		if len(parts) == 2 && len(parts[1]) <= 2 {
			// Comma used as decimal separator (1234,56)
			amountStr = strings.ReplaceAll(amountStr, ",", ".")
		} else {
			amountStr = strings.ReplaceAll(amountStr, ",", "")
		}
	}

	return strings.TrimRight(amountStr, ".")
}

// FormatAmount formats a decimal amount with the currency's minor-unit
// precision and symbol, e.g. "₹450.00", "€12.50" or "JPY 300".
func FormatAmount(amount decimal.Decimal, code string) string {
	formattedAmount := amount.StringFixed(MinorUnits(code))

	switch strings.ToUpper(code) {
	case "":
		return formattedAmount
	case "INR":
		return "₹" + formattedAmount
	case "EUR":
		return "€" + formattedAmount
	case "USD":
		return "$" + formattedAmount
	case "GBP":
		return "£" + formattedAmount
	default:
		return strings.ToUpper(code) + " " + formattedAmount
	}
}

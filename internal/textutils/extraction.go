// Package textutils provides text extraction and manipulation utilities.
package textutils

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CollapseWhitespace trims s and replaces every whitespace run with one space.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// Fold returns the case-folded form of s, suitable for caseless comparison.
func Fold(s string) string {
	// A Caser is stateful; one per call keeps Fold safe for concurrent use.
	return cases.Fold().String(s)
}

// ContainsFold reports whether needle occurs in haystack ignoring case and
// whitespace differences.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(Fold(CollapseWhitespace(haystack)), Fold(CollapseWhitespace(needle)))
}

// HasPrefixFold is strings.HasPrefix ignoring case.
func HasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(Fold(strings.TrimSpace(s)), Fold(strings.TrimSpace(prefix)))
}

// EqualFold reports whether a and b are equal ignoring case and surrounding
// whitespace.
func EqualFold(a, b string) bool {
	return Fold(strings.TrimSpace(a)) == Fold(strings.TrimSpace(b))
}

// merchantPatterns are tried in order; the first capture that survives
// cleaning wins.
var merchantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:at|towards|to|for|@)\s+([A-Za-z][\w&.'*/\- ]{1,48}?)(?:\s+(?:on|via|ref|using|upi|avl|from|dated|thru|through|by|txn|with)\b|[,;]|\.\s|\.?\s*$|\s+\d)`),
	regexp.MustCompile(`(?i)\b(?:info|merchant|payee)\s*[:\-]\s*([A-Za-z][\w&.'*/\- ]{1,48}?)(?:[,;]|\.\s|\.?\s*$|\s+(?:on|ref)\b)`),
	regexp.MustCompile(`(?i)\bvpa\s+([\w.\-]+@[\w]+)`),
}

// Words that the merchant patterns may capture but that never name a merchant.
var merchantStopWords = map[string]bool{
	"rs": true, "rs.": true, "inr": true, "usd": true, "eur": true, "gbp": true,
	"your": true, "you": true, "a/c": true, "ac": true, "account": true, "card": true,
	"the": true, "txn": true, "transaction": true, "upi": true,
}

// ExtractMerchant attempts to extract a merchant name from a notification body
// such as "Rs.450.00 debited for SWIGGY on 12-01" or "spent at AMAZON.IN".
func ExtractMerchant(body string) string {
	for _, re := range merchantPatterns {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			if len(m) < 2 {
				continue
			}
			candidate := CleanMerchantName(m[1])
			if candidate == "" {
				continue
			}
			first := strings.ToLower(strings.Fields(candidate)[0])
			if merchantStopWords[first] {
				continue
			}
			return candidate
		}
	}
	return ""
}

// Payment processor prefixes stripped from merchant names.
var processorPrefixes = []string{
	"PAYMOB-", "PAYMOB ", "GEIDEA ", "FAWRY ", "POS ", "ECOM ",
	"RAZORPAY ", "RAZ*", "PAYU*", "PAYTM*", "PAYPAL *", "SQ *", "CCAVENUE ",
	"BHARATPE ", "IND*", "UPI-", "UPI/",
}

var trailingDigits = regexp.MustCompile(`[\s\-_*#]*\d+$`)

// CleanMerchantName removes payment processor prefixes, trailing reference
// digits and surrounding punctuation from a raw merchant string.
func CleanMerchantName(raw string) string {
	clean := CollapseWhitespace(raw)
	if clean == "" {
		return ""
	}

	upper := strings.ToUpper(clean)
	for _, p := range processorPrefixes {
		if strings.HasPrefix(upper, p) {
			clean = strings.TrimSpace(clean[len(p):])
			break
		}
	}

	clean = trailingDigits.ReplaceAllString(clean, "")
	return strings.Trim(clean, " .,;:-*#'\"")
}

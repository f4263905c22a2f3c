package pattern

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/currencyutils"
	"fjacquet/sms-ledger/internal/models"
)

// Extraction errors.
var (
	ErrNoAmount        = errors.New("no amount found")
	ErrAmbiguousAmount = errors.New("ambiguous amount")
)

// ExtractedAmount is an amount found in a body. Currency is empty when the
// amount carried no currency marker.
type ExtractedAmount struct {
	Value    decimal.Decimal
	Currency string
	Raw      string
	Tagged   bool
	Balance  bool
	start    int
	end      int
}

var (
	prefixTagged = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(` + currencyutils.TokenPattern + `)\s*(` + amountExpr + `)`)
	suffixTagged = regexp.MustCompile(`(?i)(?:^|[^\w.,])(` + amountExpr + `)\s*(` + currencyutils.TokenPattern + `)(?:[^\p{L}]|$)`)
	untagged     = regexp.MustCompile(`(?:^|[^\w.,/:\-])(\d{1,3}(?:,\d{2,3})+(?:\.\d{1,2})?|\d+\.\d{1,2})(?:\W|$)`)
	dateToken    = regexp.MustCompile(`(?i)(?:^|[^\w])(` + dateExpr + `)`)
)

var balanceWords = map[string]bool{
	"bal": true, "balance": true, "avl": true, "avbl": true, "available": true, "limit": true,
}

const balanceWindow = 28

// ExtractAmount finds the transaction amount in text.
//
// Currency-tagged amounts take precedence. The first tagged amount wins when
// every other tagged amount is balance-like ("Avl Bal", "limit") or equal to
// it. Without tags, exactly one distinct decimal amount must be present.
// Anything else is ErrAmbiguousAmount; no candidate at all is ErrNoAmount.
func ExtractAmount(text string) (ExtractedAmount, error) {
	tagged := findTagged(text)

	var primary []ExtractedAmount
	for _, c := range tagged {
		if !c.Balance {
			primary = append(primary, c)
		}
	}
	if len(primary) > 0 {
		first := primary[0]
		for _, c := range primary[1:] {
			if !c.Value.Equal(first.Value) {
				return ExtractedAmount{}, ErrAmbiguousAmount
			}
		}
		return first, nil
	}
	if len(tagged) > 0 {
		// Only balances: a balance notification, not a transaction.
		return ExtractedAmount{}, ErrNoAmount
	}

	var found []ExtractedAmount
	for _, loc := range untagged.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2], loc[3]
		if followedByDatePart(text, end) {
			continue
		}
		value, err := currencyutils.ParseAmount(text[start:end])
		if err != nil {
			continue
		}
		if isBalanceContext(text, start) {
			continue
		}
		dup := false
		for _, f := range found {
			if f.Value.Equal(value) {
				dup = true
				break
			}
		}
		if !dup {
			found = append(found, ExtractedAmount{Value: value, Raw: text[start:end], start: start, end: end})
		}
	}

	switch len(found) {
	case 0:
		return ExtractedAmount{}, ErrNoAmount
	case 1:
		return found[0], nil
	default:
		return ExtractedAmount{}, ErrAmbiguousAmount
	}
}

// ParseCaptured turns {amount} and {currency} captures into an amount.
func ParseCaptured(c Captures) (ExtractedAmount, error) {
	if c.Amount == "" {
		return ExtractedAmount{}, ErrNoAmount
	}
	value, err := currencyutils.ParseAmount(c.Amount)
	if err != nil {
		return ExtractedAmount{}, err
	}
	code, _ := currencyutils.NormalizeCurrency(c.Currency)
	return ExtractedAmount{Value: value, Currency: code, Raw: c.Amount, Tagged: code != ""}, nil
}

func findTagged(text string) []ExtractedAmount {
	var out []ExtractedAmount
	add := func(currencyTok, amountTok string, spanStart, spanEnd int) {
		for _, o := range out {
			if spanStart < o.end && o.start < spanEnd {
				return
			}
		}
		code, ok := currencyutils.NormalizeCurrency(currencyTok)
		if !ok {
			return
		}
		value, err := currencyutils.ParseAmount(amountTok)
		if err != nil || !value.IsPositive() {
			return
		}
		out = append(out, ExtractedAmount{
			Value:    value,
			Currency: code,
			Raw:      text[spanStart:spanEnd],
			Tagged:   true,
			Balance:  isBalanceContext(text, spanStart),
			start:    spanStart,
			end:      spanEnd,
		})
	}

	for _, loc := range prefixTagged.FindAllStringSubmatchIndex(text, -1) {
		add(text[loc[2]:loc[3]], text[loc[4]:loc[5]], loc[2], loc[5])
	}
	for _, loc := range suffixTagged.FindAllStringSubmatchIndex(text, -1) {
		add(text[loc[4]:loc[5]], text[loc[2]:loc[3]], loc[2], loc[5])
	}

	// Restore reading order; suffix matches were appended after prefix ones.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].start < out[j-1].start; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// isBalanceContext reports whether the clause leading up to start mentions a
// balance or limit.
func isBalanceContext(text string, start int) bool {
	from := start - balanceWindow
	if from < 0 {
		from = 0
	}
	window := strings.ToLower(text[from:start])
	if from > 0 {
		// The window may open mid-word; drop the fragment.
		if i := strings.IndexFunc(window, func(r rune) bool { return !unicode.IsLetter(r) }); i >= 0 {
			window = window[i:]
		} else {
			window = ""
		}
	}
	if i := strings.LastIndexAny(window, ";\n"); i >= 0 {
		window = window[i+1:]
	}
	if i := strings.LastIndex(window, ". "); i >= 0 {
		window = window[i+2:]
	}
	words := strings.FieldsFunc(window, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if balanceWords[w] {
			return true
		}
	}
	return false
}

func followedByDatePart(text string, end int) bool {
	if end+1 >= len(text) {
		return false
	}
	sep, next := text[end], text[end+1]
	return (sep == '.' || sep == '-' || sep == '/') && next >= '0' && next <= '9'
}

// ExtractDate returns the first date-like token in text, or "".
func ExtractDate(text string) string {
	m := dateToken.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

type directionKeywords struct {
	kind models.TransactionType
	re   *regexp.Regexp
}

var directions = []directionKeywords{
	{models.TransactionTypeExpense, regexp.MustCompile(`(?i)\b(?:debited|spent|paid|withdrawn|withdrawal|purchased?|sent|charged|deducted)\b`)},
	{models.TransactionTypeIncome, regexp.MustCompile(`(?i)\b(?:credited|received|refund(?:ed)?|deposited|reversed|cashback)\b`)},
	{models.TransactionTypeTransfer, regexp.MustCompile(`(?i)\b(?:transferred|self[- ]transfer)\b`)},
}

// DetectDirection classifies text by its earliest direction keyword. The
// boolean is false when no keyword occurs.
func DetectDirection(text string) (models.TransactionType, bool) {
	best := -1
	var kind models.TransactionType
	for _, d := range directions {
		loc := d.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < best {
			best = loc[0]
			kind = d.kind
		}
	}
	return kind, best >= 0
}

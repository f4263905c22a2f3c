// Package pattern implements the placeholder grammar rules use to match
// notification bodies, plus the default extractors used when a rule does not
// name a placeholder.
//
// A template is literal text with placeholders:
//
//	{amount}    decimal amount, optional thousands separators
//	{currency}  ISO code or symbol (Rs, Rs., INR, ₹, $, USD, €, ...)
//	{merchant}  free text up to the next literal or clause end
//	{date}      dd-mm, dd/mm, dd-mm-yy(yy), dd-Mon(-yy), yyyy-mm-dd
//	{*}         any text
//
// Literal text matches case-insensitively and any whitespace run in the
// template matches any whitespace run in the body. Templates compile to a
// regular expression; users never write one directly.
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"fjacquet/sms-ledger/internal/currencyutils"
)

// Placeholder names
const (
	Amount   = "amount"
	Currency = "currency"
	Merchant = "merchant"
	Date     = "date"
	Any      = "*"
)

const (
	amountExpr = `\d{1,3}(?:,\d{2,3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?`
	monthExpr  = `(?i:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)`
	dateExpr   = `\d{4}-\d{2}-\d{2}|\d{1,2}[-/](?:\d{1,2}|` + monthExpr + `)(?:[-/]\d{2,4})?\b|\d{1,2}\s?` + monthExpr + `\b(?:\s?\d{4}\b|\s?\d{2}\b)?`
	// A merchant at the end of a template stops at a clause boundary.
	trailingMerchantExpr = `(?P<merchant>.+?)(?:\s+(?:on|via|ref|avl|using|upi)\b|[,;]|\.(?:\s|$)|\s*$)`
)

// Pattern is a compiled template.
type Pattern struct {
	source       string
	re           *regexp.Regexp
	placeholders map[string]bool
}

// Captures holds the raw text matched by each placeholder.
type Captures struct {
	Amount   string
	Currency string
	Merchant string
	Date     string
}

type token struct {
	placeholder string
	literal     string
}

// Compile parses a template. It fails on unknown or repeated placeholders,
// unbalanced braces and empty templates.
func Compile(template string) (*Pattern, error) {
	tokens, err := tokenize(strings.TrimSpace(template))
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}

	p := &Pattern{source: template, placeholders: make(map[string]bool)}

	var b strings.Builder
	b.WriteString(`(?is)`)
	for i, tok := range tokens {
		if i > 0 {
			b.WriteString(`\s*`)
		}
		if tok.placeholder == "" {
			b.WriteString(literalExpr(tok.literal))
			continue
		}

		name := tok.placeholder
		if name != Any && p.placeholders[name] {
			return nil, fmt.Errorf("placeholder {%s} used more than once", name)
		}
		p.placeholders[name] = true

		last := i == len(tokens)-1
		switch name {
		case Amount:
			b.WriteString(`(?P<amount>` + amountExpr + `)`)
		case Currency:
			b.WriteString(`(?P<currency>` + currencyutils.TokenPattern + `)`)
		case Date:
			b.WriteString(`(?P<date>` + dateExpr + `)`)
		case Merchant:
			if last {
				b.WriteString(trailingMerchantExpr)
			} else {
				b.WriteString(`(?P<merchant>.+?)`)
			}
		case Any:
			b.WriteString(`.*?`)
		}
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", template, err)
	}
	p.re = re
	return p, nil
}

func tokenize(template string) ([]token, error) {
	var tokens []token
	rest := template
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		closeIdx := strings.IndexByte(rest, '}')
		if closeIdx >= 0 && (open < 0 || closeIdx < open) {
			return nil, fmt.Errorf("unexpected '}' in pattern %q", template)
		}
		if open < 0 {
			tokens = appendLiteral(tokens, rest)
			break
		}
		tokens = appendLiteral(tokens, rest[:open])
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in pattern %q", template)
		}
		name := strings.ToLower(strings.TrimSpace(rest[open+1 : open+end]))
		switch name {
		case Amount, Currency, Merchant, Date, Any:
		default:
			return nil, fmt.Errorf("unknown placeholder {%s} in pattern %q", name, template)
		}
		tokens = append(tokens, token{placeholder: name})
		rest = rest[open+end+1:]
	}
	return tokens, nil
}

func appendLiteral(tokens []token, lit string) []token {
	if strings.TrimSpace(lit) == "" {
		return tokens
	}
	return append(tokens, token{literal: lit})
}

// literalExpr quotes literal text, letting any whitespace run match any
// whitespace run. Whitespace at a placeholder junction is optional and is
// handled by the caller.
func literalExpr(lit string) string {
	words := strings.Fields(lit)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `\s+`)
}

// String returns the template the pattern was compiled from.
func (p *Pattern) String() string { return p.source }

// Has reports whether the template uses the placeholder.
func (p *Pattern) Has(name string) bool { return p.placeholders[name] }

// Match reports whether text matches the template and returns the captures.
func (p *Pattern) Match(text string) (Captures, bool) {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return Captures{}, false
	}
	var c Captures
	for i, name := range p.re.SubexpNames() {
		switch name {
		case Amount:
			c.Amount = m[i]
		case Currency:
			c.Currency = m[i]
		case Merchant:
			c.Merchant = strings.TrimSpace(m[i])
		case Date:
			c.Date = m[i]
		}
	}
	return c, true
}

package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"unknown placeholder", "paid {payee}"},
		{"unterminated", "debited {amount"},
		{"stray brace", "debited amount}"},
		{"repeated placeholder", "{amount} then {amount}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.template)
			assert.Error(t, err)
		})
	}
}

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		name     string
		template string
		body     string
		match    bool
		want     Captures
	}{
		{
			name:     "full debit template",
			template: "{currency}{amount} debited for {merchant} on {date}",
			body:     "Rs.450.00 debited for SWIGGY on 12-01",
			match:    true,
			want:     Captures{Amount: "450.00", Currency: "Rs.", Merchant: "SWIGGY", Date: "12-01"},
		},
		{
			name:     "case and whitespace insensitive",
			template: "debited   FOR {merchant}",
			body:     "Rs 99 Debited for\nZOMATO.",
			match:    true,
			want:     Captures{Merchant: "ZOMATO"},
		},
		{
			name:     "optional space at placeholder junction",
			template: "INR{amount} spent at {merchant}",
			body:     "INR 1,23,456.78 spent at AMAZON.IN on 2024-01-12",
			match:    true,
			want:     Captures{Amount: "1,23,456.78", Merchant: "AMAZON.IN"},
		},
		{
			name:     "wildcard",
			template: "{*} credited {*} by {merchant}",
			body:     "Your a/c is credited with 5000.00 by ACME PAYROLL; ref 991",
			match:    true,
			want:     Captures{Merchant: "ACME PAYROLL"},
		},
		{
			name:     "no match",
			template: "credited to {merchant}",
			body:     "Rs.450.00 debited for SWIGGY on 12-01",
			match:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.template)
			require.NoError(t, err)

			got, ok := p.Match(tt.body)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPattern_Has(t *testing.T) {
	p, err := Compile("{amount} debited via {*}")
	require.NoError(t, err)
	assert.True(t, p.Has(Amount))
	assert.True(t, p.Has(Any))
	assert.False(t, p.Has(Merchant))
	assert.Equal(t, "{amount} debited via {*}", p.String())
}

func TestCache(t *testing.T) {
	c := NewCache()
	a, err := c.Get("{amount} debited")
	require.NoError(t, err)
	b, err := c.Get("{amount} debited")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = c.Get("{nope}")
	assert.Error(t, err)
}

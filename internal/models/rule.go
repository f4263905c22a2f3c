package models

import (
	"fmt"
	"sort"
	"time"
)

// ConditionField identifies what part of a message a condition inspects.
type ConditionField string

// Condition fields
const (
	FieldSender             ConditionField = "sender"
	FieldBodyContains       ConditionField = "bodyContains"
	FieldBodyMatchesPattern ConditionField = "bodyMatchesPattern"
	FieldAmountSign         ConditionField = "amountSign"
)

// Operator is the comparison a condition applies.
type Operator string

// Operators
const (
	OperatorEquals   Operator = "equals"
	OperatorContains Operator = "contains"
	OperatorPrefix   Operator = "prefix"
	OperatorMatches  Operator = "matches"
)

// Amount sign values for FieldAmountSign conditions.
const (
	AmountSignNegative = "negative"
	AmountSignPositive = "positive"
)

// Condition is one predicate of a rule. All conditions of a rule are AND-ed.
type Condition struct {
	Field    ConditionField `json:"field" yaml:"field"`
	Operator Operator       `json:"operator" yaml:"operator"`
	Value    string         `json:"value" yaml:"value"`
}

// Validate checks that the operator is allowed for the field.
func (c Condition) Validate() error {
	if c.Value == "" {
		return fmt.Errorf("condition on %q has an empty value", c.Field)
	}
	switch c.Field {
	case FieldSender:
		switch c.Operator {
		case OperatorEquals, OperatorContains, OperatorPrefix:
			return nil
		}
	case FieldBodyContains:
		if c.Operator == OperatorContains || c.Operator == "" {
			return nil
		}
	case FieldBodyMatchesPattern:
		if c.Operator == OperatorMatches || c.Operator == "" {
			return nil
		}
	case FieldAmountSign:
		if c.Operator != OperatorEquals && c.Operator != "" {
			break
		}
		if c.Value == AmountSignNegative || c.Value == AmountSignPositive {
			return nil
		}
		return fmt.Errorf("amountSign value must be %q or %q, got %q", AmountSignNegative, AmountSignPositive, c.Value)
	default:
		return fmt.Errorf("unknown condition field %q", c.Field)
	}
	return fmt.Errorf("operator %q is not allowed for field %q", c.Operator, c.Field)
}

// Actions are applied to the draft when a rule matches. Empty fields leave the
// extracted value untouched.
type Actions struct {
	SetCategory        string          `json:"setCategory,omitempty" yaml:"setCategory,omitempty"`
	SetSubcategory     string          `json:"setSubcategory,omitempty" yaml:"setSubcategory,omitempty"`
	SetMerchant        string          `json:"setMerchant,omitempty" yaml:"setMerchant,omitempty"`
	SetTransactionType TransactionType `json:"setTransactionType,omitempty" yaml:"setTransactionType,omitempty"`
	MarkRecurring      bool            `json:"markRecurring,omitempty" yaml:"markRecurring,omitempty"`
}

// Rule is a prioritized condition to action mapping.
type Rule struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Priority        int         `json:"priority" yaml:"priority"`
	Seq             int64       `json:"seq" yaml:"-"`
	Conditions      []Condition `json:"conditions" yaml:"conditions"`
	Actions         Actions     `json:"actions" yaml:"actions"`
	IsSystem        bool        `json:"isSystem" yaml:"-"`
	IsEnabled       bool        `json:"isEnabled" yaml:"-"`
	TemplateVersion int         `json:"templateVersion,omitempty" yaml:"-"`
	CreatedAt       time.Time   `json:"createdAt" yaml:"-"`
	UpdatedAt       time.Time   `json:"updatedAt" yaml:"-"`
}

// Validate checks the rule is complete enough to be stored.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %q has no conditions", r.Name)
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %q condition %d: %w", r.Name, i, err)
		}
	}
	if t := r.Actions.SetTransactionType; t != "" && !t.Valid() {
		return fmt.Errorf("rule %q has unknown transaction type %q", r.Name, t)
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	c := r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	return c
}

// SortRules orders rules by priority ascending, then by insertion sequence.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Seq < rules[j].Seq
	})
}

// RuleApplication records which rule classified a message. There is at most
// one per fingerprint.
type RuleApplication struct {
	RuleID        string    `json:"ruleId"`
	Fingerprint   string    `json:"fingerprint"`
	AppliedAt     time.Time `json:"appliedAt"`
	Category      string    `json:"category"`
	Subcategory   string    `json:"subcategory,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
}

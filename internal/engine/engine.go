// Package engine classifies inbound messages against the ordered rule set
// and the learned merchant mappings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fjacquet/sms-ledger/internal/dateutils"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/pattern"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/textutils"
)

// Status is the outcome of classification.
type Status string

// Classification outcomes
const (
	StatusMatched   Status = "matched"
	StatusUnmatched Status = "unmatched"
)

// MatchResult is what Classify and Match return. Draft is only meaningful
// when Status is StatusMatched; Reason and Err only when it is unmatched.
type MatchResult struct {
	Status      Status                  `json:"status"`
	Fingerprint string                  `json:"fingerprint"`
	Draft       models.TransactionDraft `json:"draft"`
	RuleID      string                  `json:"ruleId,omitempty"`
	Replayed    bool                    `json:"replayed,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	Err         error                   `json:"-"`
}

// Matched reports whether a rule or mapping classified the message.
func (r MatchResult) Matched() bool { return r.Status == StatusMatched }

// RuleSource yields the enabled rules in evaluation order.
type RuleSource interface {
	Enabled(ctx context.Context) ([]models.Rule, error)
}

// MappingSource resolves a merchant name to a learned mapping, nil when none.
type MappingSource interface {
	Lookup(ctx context.Context, merchant string) (*models.MerchantMapping, error)
}

// ApplicationFinder reads recorded rule applications.
type ApplicationFinder interface {
	Get(ctx context.Context, fingerprint string) (models.RuleApplication, error)
}

// ApplicationRecorder persists rule applications, failing with
// store.ErrConflict on a repeated fingerprint. A store.Tx's Applications()
// satisfies it.
type ApplicationRecorder interface {
	Insert(ctx context.Context, app models.RuleApplication) error
}

// Options tune classification.
type Options struct {
	// DefaultCurrency is assumed when a message carries no currency marker.
	DefaultCurrency string
}

// Engine is the RuleEngine.
type Engine struct {
	rules        RuleSource
	mappings     MappingSource
	applications ApplicationFinder
	patterns     *pattern.Cache
	opts         Options
	logger       logging.Logger
	now          func() time.Time
}

// New creates an engine. mappings may be nil to disable the merchant fallback.
func New(rules RuleSource, mappings MappingSource, applications ApplicationFinder, patterns *pattern.Cache, opts Options, logger logging.Logger) *Engine {
	if patterns == nil {
		patterns = pattern.NewCache()
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = models.DefaultCurrency
	}
	return &Engine{
		rules:        rules,
		mappings:     mappings,
		applications: applications,
		patterns:     patterns,
		opts:         opts,
		logger:       logging.OrDiscard(logger),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Classify returns the recorded outcome when the message was classified
// before, and otherwise matches it. It never writes.
func (e *Engine) Classify(ctx context.Context, msg models.Message) (MatchResult, error) {
	fp := msg.Fingerprint()
	if e.applications != nil {
		app, err := e.applications.Get(ctx, fp)
		switch {
		case err == nil:
			return replayed(msg, fp, app), nil
		case !errors.Is(err, store.ErrNotFound):
			return MatchResult{}, fmt.Errorf("checking rule application %s: %w", fp, err)
		}
	}
	return e.Match(ctx, msg)
}

func replayed(msg models.Message, fp string, app models.RuleApplication) MatchResult {
	return MatchResult{
		Status:      StatusMatched,
		Fingerprint: fp,
		RuleID:      app.RuleID,
		Replayed:    true,
		Draft: models.TransactionDraft{
			Category:          app.Category,
			Subcategory:       app.Subcategory,
			Sender:            msg.Sender,
			Timestamp:         msg.ReceivedAt,
			SourceFingerprint: fp,
			RuleID:            app.RuleID,
		},
	}
}

// input is the per-message evaluation context.
type input struct {
	msg       models.Message
	body      string
	direction models.TransactionType
	hasDir    bool
	captures  *pattern.Captures
}

// Match runs the rules and the merchant fallback without consulting or
// writing the audit trail. It backs dry runs.
func (e *Engine) Match(ctx context.Context, msg models.Message) (MatchResult, error) {
	fp := msg.Fingerprint()
	rules, err := e.rules.Enabled(ctx)
	if err != nil {
		return MatchResult{}, fmt.Errorf("loading rules: %w", err)
	}

	in := &input{msg: msg, body: textutils.CollapseWhitespace(msg.Body)}
	in.direction, in.hasDir = pattern.DetectDirection(in.body)

	for _, rule := range rules {
		in.captures = nil
		if !e.holds(rule, in) {
			continue
		}
		e.logger.Debug("rule matched",
			logging.F(logging.FieldRuleID, rule.ID),
			logging.F(logging.FieldFingerprint, fp))
		return e.build(ctx, in, fp, rule.ID, rule.Actions, true)
	}

	merchant := textutils.ExtractMerchant(in.body)
	if e.mappings != nil && merchant != "" {
		mapping, err := e.mappings.Lookup(ctx, merchant)
		if err != nil {
			return MatchResult{}, err
		}
		if mapping != nil {
			actions := models.Actions{SetCategory: mapping.Category, SetSubcategory: mapping.Subcategory}
			return e.build(ctx, in, fp, models.RuleIDMerchantMapping, actions, false)
		}
	}

	return unmatched(fp, ingesterror.ReasonNoMatch, nil), nil
}

func unmatched(fp, reason string, err error) MatchResult {
	return MatchResult{
		Status:      StatusUnmatched,
		Fingerprint: fp,
		Reason:      reason,
		Err:         &ingesterror.ParseError{Fingerprint: fp, Reason: reason, Err: err},
	}
}

// holds reports whether every condition of rule is satisfied.
func (e *Engine) holds(rule models.Rule, in *input) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, c := range rule.Conditions {
		if !e.evaluate(rule.ID, c, in) {
			return false
		}
	}
	return true
}

func (e *Engine) evaluate(ruleID string, c models.Condition, in *input) bool {
	switch c.Field {
	case models.FieldSender:
		switch c.Operator {
		case models.OperatorContains:
			return textutils.ContainsFold(in.msg.Sender, c.Value)
		case models.OperatorPrefix:
			return textutils.HasPrefixFold(in.msg.Sender, c.Value)
		default:
			return textutils.EqualFold(in.msg.Sender, c.Value)
		}
	case models.FieldBodyContains:
		return textutils.ContainsFold(in.body, textutils.CollapseWhitespace(c.Value))
	case models.FieldBodyMatchesPattern:
		p, err := e.patterns.Get(c.Value)
		if err != nil {
			e.logger.Warn("skipping condition with invalid pattern",
				logging.F(logging.FieldRuleID, ruleID),
				logging.F(logging.FieldError, err.Error()))
			return false
		}
		caps, ok := p.Match(in.body)
		if ok && in.captures == nil {
			in.captures = &caps
		}
		return ok
	case models.FieldAmountSign:
		if !in.hasDir {
			return false
		}
		sign := models.AmountSignNegative
		if in.direction == models.TransactionTypeIncome {
			sign = models.AmountSignPositive
		}
		return sign == c.Value
	}
	return false
}

// build turns a match into a draft. A match without a usable amount is
// reported as unmatched with a parse failure reason.
func (e *Engine) build(ctx context.Context, in *input, fp, ruleID string, actions models.Actions, explicit bool) (MatchResult, error) {
	amount, err := e.amount(in)
	if err != nil {
		reason := ingesterror.ReasonInvalidAmount
		switch {
		case errors.Is(err, pattern.ErrNoAmount):
			reason = ingesterror.ReasonNoAmount
		case errors.Is(err, pattern.ErrAmbiguousAmount):
			reason = ingesterror.ReasonAmbiguousAmount
		}
		e.logger.Debug("match without usable amount",
			logging.F(logging.FieldRuleID, ruleID),
			logging.F(logging.FieldReason, reason))
		return unmatched(fp, reason, err), nil
	}

	merchant := ""
	if in.captures != nil && in.captures.Merchant != "" {
		merchant = textutils.CleanMerchantName(in.captures.Merchant)
	}
	if merchant == "" {
		merchant = textutils.ExtractMerchant(in.body)
	}

	b := models.NewDraftBuilder().
		FromMessage(in.msg).
		WithAmount(amount.Value, amount.Currency).
		WithCurrency(e.opts.DefaultCurrency).
		WithMerchant(merchant).
		WithTimestamp(e.timestamp(in)).
		WithRule(ruleID)
	if in.hasDir {
		b.WithType(in.direction)
	}
	b.Apply(actions)

	// A rule that leaves the category open borrows it from a learned mapping.
	if explicit && actions.SetCategory == "" && e.mappings != nil {
		name := actions.SetMerchant
		if name == "" {
			name = merchant
		}
		if name != "" {
			mapping, err := e.mappings.Lookup(ctx, name)
			if err != nil {
				return MatchResult{}, err
			}
			if mapping != nil {
				b.WithCategory(mapping.Category, mapping.Subcategory)
			}
		}
	}

	draft, err := b.Build()
	if err != nil {
		return unmatched(fp, ingesterror.ReasonInvalidAmount, err), nil
	}
	return MatchResult{
		Status:      StatusMatched,
		Fingerprint: fp,
		Draft:       draft,
		RuleID:      ruleID,
	}, nil
}

func (e *Engine) amount(in *input) (pattern.ExtractedAmount, error) {
	if in.captures != nil && in.captures.Amount != "" {
		return pattern.ParseCaptured(*in.captures)
	}
	return pattern.ExtractAmount(in.body)
}

// timestamp prefers a date stated in the body when it names another day than
// the receive time, keeping the receive time of day.
func (e *Engine) timestamp(in *input) time.Time {
	received := in.msg.ReceivedAt
	if received.IsZero() {
		received = e.now()
	}

	token := ""
	if in.captures != nil {
		token = in.captures.Date
	}
	if token == "" {
		token = pattern.ExtractDate(in.body)
	}
	if token == "" {
		return received
	}

	day, err := dateutils.ParseMessageDate(token, received)
	if err != nil {
		return received
	}
	if day.Year() == received.Year() && day.YearDay() == received.YearDay() {
		return received
	}
	h, m, s := received.Clock()
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, s, received.Nanosecond(), received.Location())
}

// Record writes the rule application for a matched result through recorder,
// normally the Applications() of the caller's unit of work. A repeated
// fingerprint is reported as a PersistenceConflictError.
func (e *Engine) Record(ctx context.Context, recorder ApplicationRecorder, result MatchResult, transactionID string) error {
	if !result.Matched() {
		return fmt.Errorf("cannot record unmatched message %s", result.Fingerprint)
	}
	app := models.RuleApplication{
		RuleID:        result.RuleID,
		Fingerprint:   result.Fingerprint,
		AppliedAt:     e.now(),
		Category:      result.Draft.Category,
		Subcategory:   result.Draft.Subcategory,
		TransactionID: transactionID,
	}
	if err := recorder.Insert(ctx, app); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &ingesterror.PersistenceConflictError{Entity: "rule_application", Fingerprint: result.Fingerprint, Err: err}
		}
		return fmt.Errorf("recording rule application %s: %w", result.Fingerprint, err)
	}
	return nil
}

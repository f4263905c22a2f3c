// Package unrecognized holds messages the engine could not classify until a
// user resolves or ignores them.
package unrecognized

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/pattern"
	"fjacquet/sms-ledger/internal/rules"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/textutils"
)

// RuleCreator stores a user rule inside a unit of work. *rules.Store
// implements it.
type RuleCreator interface {
	CreateTx(ctx context.Context, tx store.Tx, rule models.Rule) (models.Rule, error)
}

// MappingLearner writes merchant mappings inside a unit of work.
// *merchant.Store implements it.
type MappingLearner interface {
	Upsert(ctx context.Context, tx store.Tx, merchant, category, subcategory string, origin models.MappingOrigin) (bool, error)
}

// Normalizer turns a draft into a transaction with its base-currency
// snapshot. *conversion.Service implements it.
type Normalizer interface {
	Normalize(ctx context.Context, draft models.TransactionDraft) (models.Transaction, error)
}

// Resolution is the user's decision for a pending entry. Only Category is
// required; the other fields override what is extracted from the message.
type Resolution struct {
	Category    string                 `json:"category"`
	Subcategory string                 `json:"subcategory,omitempty"`
	CreateRule  bool                   `json:"createRule,omitempty"`
	Merchant    string                 `json:"merchant,omitempty"`
	Amount      *decimal.Decimal       `json:"amount,omitempty"`
	Currency    string                 `json:"currency,omitempty"`
	Type        models.TransactionType `json:"transactionType,omitempty"`
}

// Resolved is what a successful resolution committed.
type Resolved struct {
	Entry       models.UnrecognizedMessage `json:"entry"`
	Transaction models.Transaction         `json:"transaction"`
	Rule        *models.Rule               `json:"rule,omitempty"`
}

// Queue is the UnrecognizedQueue.
type Queue struct {
	repos           store.Store
	rules           RuleCreator
	mappings        MappingLearner
	normalizer      Normalizer
	publisher       events.Publisher
	logger          logging.Logger
	defaultCurrency string
	now             func() time.Time
}

// NewQueue creates the queue. defaultCurrency is assumed for messages that
// name none.
func NewQueue(repos store.Store, ruleCreator RuleCreator, mappings MappingLearner, normalizer Normalizer, defaultCurrency string, publisher events.Publisher, logger logging.Logger) *Queue {
	if defaultCurrency == "" {
		defaultCurrency = models.DefaultCurrency
	}
	return &Queue{
		repos:           repos,
		rules:           ruleCreator,
		mappings:        mappings,
		normalizer:      normalizer,
		publisher:       publisher,
		logger:          logging.OrDiscard(logger),
		defaultCurrency: strings.ToUpper(defaultCurrency),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores msg as a pending entry in its own unit of work.
func (q *Queue) Enqueue(ctx context.Context, msg models.Message, reason string) (models.UnrecognizedMessage, error) {
	var entry models.UnrecognizedMessage
	err := q.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = q.EnqueueTx(ctx, tx, msg, reason)
		return err
	})
	return entry, err
}

// EnqueueTx stores msg as a pending entry inside tx. A message whose
// fingerprint is already queued fails with a PersistenceConflictError.
func (q *Queue) EnqueueTx(ctx context.Context, tx store.Tx, msg models.Message, reason string) (models.UnrecognizedMessage, error) {
	entry := models.UnrecognizedMessage{
		ID:          uuid.NewString(),
		RawText:     msg.Body,
		Sender:      msg.Sender,
		ReceivedAt:  msg.ReceivedAt,
		Fingerprint: msg.Fingerprint(),
		State:       models.StatePending,
		Reason:      reason,
		CreatedAt:   q.now(),
	}
	if err := tx.Unrecognized().Insert(ctx, entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.UnrecognizedMessage{}, &ingesterror.PersistenceConflictError{Entity: "unrecognized_message", Fingerprint: entry.Fingerprint, Err: err}
		}
		return models.UnrecognizedMessage{}, fmt.Errorf("queueing message %s: %w", entry.Fingerprint, err)
	}
	tx.AfterCommit(func() {
		q.logger.Info("Message queued for triage",
			logging.F(logging.FieldEntryID, entry.ID),
			logging.F(logging.FieldSender, entry.Sender),
			logging.F(logging.FieldReason, reason))
		q.publish(events.TopicUnrecognizedQueued, entry)
	})
	return entry, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (models.UnrecognizedMessage, error) {
	entry, err := q.repos.Unrecognized().Get(ctx, id)
	if err != nil {
		return models.UnrecognizedMessage{}, fmt.Errorf("unrecognized message %s: %w", id, err)
	}
	return entry, nil
}

// List returns entries in state, oldest first. An empty state lists all.
func (q *Queue) List(ctx context.Context, state models.ResolutionState) ([]models.UnrecognizedMessage, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("unknown resolution state %q", state)
	}
	return q.repos.Unrecognized().List(ctx, state)
}

// Resolve assigns a category to a pending entry. See ResolveWith.
func (q *Queue) Resolve(ctx context.Context, id, category, subcategory string, createRule bool) (Resolved, error) {
	return q.ResolveWith(ctx, id, Resolution{Category: category, Subcategory: subcategory, CreateRule: createRule})
}

// ResolveWith resolves a pending entry in one unit of work: the entry is
// marked resolved, the merchant mapping is confirmed, a rule is optionally
// created, and the transaction and its rule application are stored. On any
// failure nothing is written and the entry stays pending.
func (q *Queue) ResolveWith(ctx context.Context, id string, res Resolution) (Resolved, error) {
	res.Category = strings.TrimSpace(res.Category)
	if res.Category == "" {
		return Resolved{}, ingesterror.InvalidRule(errors.New("a category is required to resolve a message"))
	}

	entry, err := q.pending(ctx, q.repos, id)
	if err != nil {
		return Resolved{}, err
	}

	draft, err := q.draft(entry, res)
	if err != nil {
		return Resolved{}, err
	}

	// Rate lookups may block on I/O and never run inside the unit of work.
	txn, err := q.normalizer.Normalize(ctx, draft)
	if err != nil {
		return Resolved{}, fmt.Errorf("normalizing resolved message %s: %w", id, err)
	}

	var out Resolved
	err = q.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := q.pending(ctx, tx, id)
		if err != nil {
			return err
		}

		if draft.Merchant != "" {
			if _, err := q.mappings.Upsert(ctx, tx, draft.Merchant, res.Category, res.Subcategory, models.OriginUserConfirmed); err != nil {
				return fmt.Errorf("confirming merchant %q: %w", draft.Merchant, err)
			}
		}

		if res.CreateRule {
			rule, err := q.rules.CreateTx(ctx, tx, ruleFor(current, draft, res))
			if err != nil {
				return err
			}
			out.Rule = &rule
		}

		if err := tx.Transactions().Insert(ctx, txn); err != nil {
			return conflictOr(err, "transaction", current.Fingerprint)
		}
		app := models.RuleApplication{
			RuleID:        models.RuleIDManual,
			Fingerprint:   current.Fingerprint,
			AppliedAt:     q.now(),
			Category:      txn.Category,
			Subcategory:   txn.Subcategory,
			TransactionID: txn.ID,
		}
		if err := tx.Applications().Insert(ctx, app); err != nil {
			return conflictOr(err, "rule_application", current.Fingerprint)
		}

		resolvedAt := q.now()
		current.State = models.StateResolved
		current.ResolvedAt = &resolvedAt
		current.TransactionID = txn.ID
		if err := tx.Unrecognized().Update(ctx, current); err != nil {
			return fmt.Errorf("marking %s resolved: %w", id, err)
		}

		out.Entry = current
		out.Transaction = txn
		tx.AfterCommit(func() {
			q.publish(events.TopicUnrecognizedResolved, current)
			q.publish(events.TopicTransactionCreated, txn)
		})
		return nil
	})
	if err != nil {
		q.logger.WithError(err).Warn("Resolution rolled back", logging.F(logging.FieldEntryID, id))
		return Resolved{}, err
	}

	q.logger.Info("Message resolved",
		logging.F(logging.FieldEntryID, id),
		logging.F(logging.FieldCategory, res.Category),
		logging.F(logging.FieldTransactionID, out.Transaction.ID),
		logging.F("rule_created", out.Rule != nil))
	return out, nil
}

// Ignore dismisses a pending entry without creating a transaction.
func (q *Queue) Ignore(ctx context.Context, id string) (models.UnrecognizedMessage, error) {
	var out models.UnrecognizedMessage
	err := q.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := q.pending(ctx, tx, id)
		if err != nil {
			return err
		}
		at := q.now()
		current.State = models.StateIgnored
		current.ResolvedAt = &at
		if err := tx.Unrecognized().Update(ctx, current); err != nil {
			return fmt.Errorf("ignoring %s: %w", id, err)
		}
		out = current
		tx.AfterCommit(func() { q.publish(events.TopicUnrecognizedResolved, current) })
		return nil
	})
	if err != nil {
		return models.UnrecognizedMessage{}, err
	}
	q.logger.Info("Message ignored", logging.F(logging.FieldEntryID, id))
	return out, nil
}

func (q *Queue) pending(ctx context.Context, repos store.Repositories, id string) (models.UnrecognizedMessage, error) {
	entry, err := repos.Unrecognized().Get(ctx, id)
	if err != nil {
		return models.UnrecognizedMessage{}, fmt.Errorf("unrecognized message %s: %w", id, err)
	}
	if entry.State != models.StatePending {
		return models.UnrecognizedMessage{}, fmt.Errorf("%s is %s: %w", id, entry.State, ingesterror.ErrNotPending)
	}
	return entry, nil
}

// draft builds the transaction draft for entry. Resolution fields win over
// values extracted from the body.
func (q *Queue) draft(entry models.UnrecognizedMessage, res Resolution) (models.TransactionDraft, error) {
	msg := entry.Message()

	amount, currency := decimal.Zero, ""
	if res.Amount != nil {
		amount = *res.Amount
	} else {
		extracted, err := pattern.ExtractAmount(msg.Body)
		if err != nil {
			reason := ingesterror.ReasonNoAmount
			if errors.Is(err, pattern.ErrAmbiguousAmount) {
				reason = ingesterror.ReasonAmbiguousAmount
			}
			return models.TransactionDraft{}, &ingesterror.ParseError{Fingerprint: entry.Fingerprint, Reason: reason, Err: err}
		}
		amount, currency = extracted.Value, extracted.Currency
	}
	if res.Currency != "" {
		currency = res.Currency
	}

	merchant := res.Merchant
	if merchant == "" {
		merchant = textutils.ExtractMerchant(msg.Body)
	}

	b := models.NewDraftBuilder().
		FromMessage(msg).
		WithAmount(amount, currency).
		WithCurrency(q.defaultCurrency).
		WithMerchant(merchant).
		WithCategory(res.Category, res.Subcategory).
		WithRule(models.RuleIDManual)
	switch {
	case res.Type != "":
		b.WithType(res.Type)
	default:
		if dir, ok := pattern.DetectDirection(msg.Body); ok {
			b.WithType(dir)
		}
	}

	draft, err := b.Build()
	if err != nil {
		return models.TransactionDraft{}, &ingesterror.ParseError{Fingerprint: entry.Fingerprint, Reason: ingesterror.ReasonInvalidAmount, Err: err}
	}
	return draft, nil
}

// ruleFor builds a rule matching future messages like entry: same sender and,
// when the merchant appears in the body, the merchant name.
func ruleFor(entry models.UnrecognizedMessage, draft models.TransactionDraft, res Resolution) models.Rule {
	conditions := []models.Condition{
		{Field: models.FieldSender, Operator: models.OperatorEquals, Value: entry.Sender},
	}
	subject := entry.Sender
	if draft.Merchant != "" && textutils.ContainsFold(entry.RawText, draft.Merchant) {
		conditions = append(conditions, models.Condition{
			Field: models.FieldBodyContains, Operator: models.OperatorContains, Value: draft.Merchant,
		})
		subject = draft.Merchant
	}
	return models.Rule{
		Name:       fmt.Sprintf("%s (%s)", subject, res.Category),
		Priority:   rules.DefaultUserPriority,
		Conditions: conditions,
		Actions: models.Actions{
			SetCategory:    res.Category,
			SetSubcategory: res.Subcategory,
			SetMerchant:    draft.Merchant,
		},
	}
}

func conflictOr(err error, entity, fingerprint string) error {
	if errors.Is(err, store.ErrConflict) {
		return &ingesterror.PersistenceConflictError{Entity: entity, Fingerprint: fingerprint, Err: err}
	}
	return fmt.Errorf("storing %s for %s: %w", entity, fingerprint, err)
}

func (q *Queue) publish(topic events.Topic, payload any) {
	if q.publisher != nil {
		q.publisher.Publish(topic, payload)
	}
}

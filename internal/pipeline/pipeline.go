// Package pipeline turns inbound messages into committed transactions or
// triage entries. It is the only place where classification, conversion and
// persistence meet.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fjacquet/sms-ledger/internal/engine"
	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
)

// OutcomeKind is the result of ingesting one message.
type OutcomeKind string

// Outcome kinds
const (
	KindTransactionCreated OutcomeKind = "transaction_created"
	KindSkippedDuplicate   OutcomeKind = "skipped_duplicate"
	KindQueuedUnrecognized OutcomeKind = "queued_unrecognized"
)

// Outcome describes what Ingest did with a message. TransactionID is set for
// KindTransactionCreated, EntryID and Reason for KindQueuedUnrecognized.
type Outcome struct {
	Kind          OutcomeKind `json:"kind"`
	Fingerprint   string      `json:"fingerprint"`
	TransactionID string      `json:"transactionId,omitempty"`
	RuleID        string      `json:"ruleId,omitempty"`
	RateStale     bool        `json:"rateStale,omitempty"`
	EntryID       string      `json:"entryId,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// TransactionCreated is the outcome of a classified message.
func TransactionCreated(fingerprint, transactionID string) Outcome {
	return Outcome{Kind: KindTransactionCreated, Fingerprint: fingerprint, TransactionID: transactionID}
}

// SkippedDuplicate is the outcome of a message that was already ingested.
func SkippedDuplicate(fingerprint string) Outcome {
	return Outcome{Kind: KindSkippedDuplicate, Fingerprint: fingerprint}
}

// QueuedUnrecognized is the outcome of a message sent to triage.
func QueuedUnrecognized(fingerprint, entryID, reason string) Outcome {
	return Outcome{Kind: KindQueuedUnrecognized, Fingerprint: fingerprint, EntryID: entryID, Reason: reason}
}

// Classifier classifies messages and records rule applications.
// *engine.Engine implements it.
type Classifier interface {
	Classify(ctx context.Context, msg models.Message) (engine.MatchResult, error)
	Record(ctx context.Context, recorder engine.ApplicationRecorder, result engine.MatchResult, transactionID string) error
}

// Enqueuer queues unmatched messages. *unrecognized.Queue implements it.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx store.Tx, msg models.Message, reason string) (models.UnrecognizedMessage, error)
}

// Normalizer snapshots a draft's amount in the base currency.
// *conversion.Service implements it.
type Normalizer interface {
	Normalize(ctx context.Context, draft models.TransactionDraft) (models.Transaction, error)
}

// MappingLearner writes merchant mappings. *merchant.Store implements it.
type MappingLearner interface {
	Upsert(ctx context.Context, tx store.Tx, merchant, category, subcategory string, origin models.MappingOrigin) (bool, error)
}

// Options tune the pipeline.
type Options struct {
	Workers             int
	SequentialThreshold int
	// AutoLearn records the merchant of every rule match as an auto-learned
	// mapping.
	AutoLearn bool
}

// Pipeline is the IngestionPipeline.
type Pipeline struct {
	repos      store.Store
	classifier Classifier
	queue      Enqueuer
	normalizer Normalizer
	learner    MappingLearner
	publisher  events.Publisher
	logger     logging.Logger
	opts       Options
	locks      *keyedMutex
	processor  *concurrentProcessor
}

// New creates a pipeline.
func New(repos store.Store, classifier Classifier, queue Enqueuer, normalizer Normalizer, learner MappingLearner, opts Options, publisher events.Publisher, logger logging.Logger) *Pipeline {
	logger = logging.OrDiscard(logger)
	return &Pipeline{
		repos:      repos,
		classifier: classifier,
		queue:      queue,
		normalizer: normalizer,
		learner:    learner,
		publisher:  publisher,
		logger:     logger,
		opts:       opts,
		locks:      newKeyedMutex(),
		processor:  newConcurrentProcessor(opts.Workers, opts.SequentialThreshold, logger),
	}
}

// Ingest classifies msg and commits either a transaction or a triage entry.
// A message seen before is skipped. Only cancellation and persistence
// failures are returned as errors.
func (p *Pipeline) Ingest(ctx context.Context, msg models.Message) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	msg.Sender = strings.TrimSpace(msg.Sender)
	fp := msg.Fingerprint()
	log := p.logger.WithFields(logging.F(logging.FieldFingerprint, fp), logging.F(logging.FieldSender, msg.Sender))

	unlock := p.locks.Lock(fp)
	defer unlock()

	seen, err := p.seen(ctx, fp)
	if err != nil {
		return Outcome{}, err
	}
	if seen {
		log.Debug("Skipping duplicate message")
		return SkippedDuplicate(fp), nil
	}

	result, err := p.classifier.Classify(ctx, msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("classifying %s: %w", fp, err)
	}
	if result.Replayed {
		return SkippedDuplicate(fp), nil
	}

	var outcome Outcome
	if result.Matched() {
		outcome, err = p.commit(ctx, result, log)
	} else {
		outcome, err = p.enqueue(ctx, msg, result, log)
	}
	if err != nil {
		if ingesterror.IsDuplicate(err) {
			log.Debug("Message committed concurrently, skipping", logging.F(logging.FieldError, err.Error()))
			return SkippedDuplicate(fp), nil
		}
		return Outcome{}, err
	}
	return outcome, nil
}

// seen reports whether fp was already classified or queued, whatever the
// triage state of the queued entry.
func (p *Pipeline) seen(ctx context.Context, fp string) (bool, error) {
	_, err := p.repos.Applications().Get(ctx, fp)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("checking rule application %s: %w", fp, err)
	}

	_, err = p.repos.Unrecognized().FindByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("checking triage queue %s: %w", fp, err)
	}
	return false, nil
}

func (p *Pipeline) commit(ctx context.Context, result engine.MatchResult, log logging.Logger) (Outcome, error) {
	// Conversion may wait on the rate source; it runs before the unit of work.
	txn, err := p.normalizer.Normalize(ctx, result.Draft)
	if err != nil {
		return Outcome{}, fmt.Errorf("normalizing %s: %w", result.Fingerprint, err)
	}

	err = p.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Transactions().Insert(ctx, txn); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &ingesterror.PersistenceConflictError{Entity: "transaction", Fingerprint: result.Fingerprint, Err: err}
			}
			return fmt.Errorf("storing transaction %s: %w", result.Fingerprint, err)
		}
		if err := p.classifier.Record(ctx, tx.Applications(), result, txn.ID); err != nil {
			return err
		}
		if err := p.learn(ctx, tx, result, log); err != nil {
			return err
		}
		tx.AfterCommit(func() {
			if p.publisher != nil {
				p.publisher.Publish(events.TopicTransactionCreated, txn)
			}
		})
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	log.Info("Transaction created",
		logging.F(logging.FieldTransactionID, txn.ID),
		logging.F(logging.FieldRuleID, result.RuleID),
		logging.F(logging.FieldCategory, txn.Category))
	outcome := TransactionCreated(result.Fingerprint, txn.ID)
	outcome.RuleID = result.RuleID
	outcome.RateStale = txn.RateStale
	return outcome, nil
}

// learn records the merchant of an explicit rule match as auto-learned.
func (p *Pipeline) learn(ctx context.Context, tx store.Tx, result engine.MatchResult, log logging.Logger) error {
	draft := result.Draft
	if !p.opts.AutoLearn || p.learner == nil || result.RuleID == models.RuleIDMerchantMapping || draft.Merchant == "" {
		return nil
	}
	if draft.Category == "" || draft.Category == models.CategoryUncategorized {
		return nil
	}
	_, err := p.learner.Upsert(ctx, tx, draft.Merchant, draft.Category, draft.Subcategory, models.OriginAutoLearned)
	if errors.Is(err, ingesterror.ErrInvalidRule) {
		log.Debug("Merchant not learnable", logging.F(logging.FieldMerchant, draft.Merchant))
		return nil
	}
	return err
}

func (p *Pipeline) enqueue(ctx context.Context, msg models.Message, result engine.MatchResult, log logging.Logger) (Outcome, error) {
	reason := result.Reason
	if reason == "" {
		reason = ingesterror.ReasonNoMatch
	}
	var entry models.UnrecognizedMessage
	err := p.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = p.queue.EnqueueTx(ctx, tx, msg, reason)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	log.Debug("Message queued", logging.F(logging.FieldEntryID, entry.ID), logging.F(logging.FieldReason, reason))
	return QueuedUnrecognized(result.Fingerprint, entry.ID, reason), nil
}

// Recategorize changes a committed transaction's category and teaches the
// merchant mapping the correction as user-confirmed.
func (p *Pipeline) Recategorize(ctx context.Context, transactionID, category, subcategory string) (models.Transaction, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return models.Transaction{}, ingesterror.InvalidRule(errors.New("a category is required"))
	}

	var updated models.Transaction
	err := p.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		txn, err := tx.Transactions().Get(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", transactionID, err)
		}
		txn.Category = category
		txn.Subcategory = subcategory
		if err := tx.Transactions().Update(ctx, txn); err != nil {
			return fmt.Errorf("updating transaction %s: %w", transactionID, err)
		}
		if txn.Merchant != "" && p.learner != nil {
			_, err := p.learner.Upsert(ctx, tx, txn.Merchant, category, subcategory, models.OriginUserConfirmed)
			if err != nil && !errors.Is(err, ingesterror.ErrInvalidRule) {
				return err
			}
		}
		updated = txn
		tx.AfterCommit(func() {
			if p.publisher != nil {
				p.publisher.Publish(events.TopicTransactionUpdated, txn)
			}
		})
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}
	p.logger.Info("Transaction recategorized",
		logging.F(logging.FieldTransactionID, transactionID),
		logging.F(logging.FieldCategory, category))
	return updated, nil
}

// BatchError is one failed message of a batch.
type BatchError struct {
	Index       int    `json:"index"`
	Fingerprint string `json:"fingerprint"`
	Error       string `json:"error"`
}

// BatchReport counts what a batch did. Outcomes is in input order; the
// outcome of a failed message is the zero value.
type BatchReport struct {
	Created   int          `json:"created"`
	Duplicate int          `json:"duplicate"`
	Queued    int          `json:"queued"`
	Failed    int          `json:"failed"`
	Outcomes  []Outcome    `json:"outcomes"`
	Errors    []BatchError `json:"errors,omitempty"`
}

// Total is the number of messages in the batch.
func (r BatchReport) Total() int { return r.Created + r.Duplicate + r.Queued + r.Failed }

// IngestBatch ingests msgs with a bounded worker pool. A failing message is
// counted and never stops the others.
func (p *Pipeline) IngestBatch(ctx context.Context, msgs []models.Message) BatchReport {
	start := time.Now()
	results := p.processor.process(ctx, msgs, p.Ingest)

	report := BatchReport{Outcomes: make([]Outcome, len(results))}
	for _, r := range results {
		if r.err != nil {
			report.Failed++
			report.Errors = append(report.Errors, BatchError{
				Index:       r.index,
				Fingerprint: msgs[r.index].Fingerprint(),
				Error:       r.err.Error(),
			})
			continue
		}
		report.Outcomes[r.index] = r.outcome
		switch r.outcome.Kind {
		case KindTransactionCreated:
			report.Created++
		case KindSkippedDuplicate:
			report.Duplicate++
		case KindQueuedUnrecognized:
			report.Queued++
		}
	}

	p.logger.Info("Batch ingested",
		logging.F(logging.FieldCount, len(msgs)),
		logging.F("created", report.Created),
		logging.F("duplicate", report.Duplicate),
		logging.F("queued", report.Queued),
		logging.F("failed", report.Failed),
		logging.F(logging.FieldDuration, time.Since(start).Milliseconds()))
	return report
}

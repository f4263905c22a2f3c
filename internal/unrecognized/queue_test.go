package unrecognized

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/conversion"
	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/merchant"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/rates"
	"fjacquet/sms-ledger/internal/rules"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/store/memory"
)

var received = time.Date(2025, 1, 12, 9, 15, 0, 0, time.UTC)

func olaMessage() models.Message {
	return models.Message{
		Sender:     "AX-ICICIB",
		Body:       "Rs 250.00 debited for OLA CABS on 12-01. Ref 998877",
		ReceivedAt: received,
	}
}

type fixture struct {
	queue    *Queue
	repos    store.Store
	base     *memory.Store
	rules    *rules.Store
	mappings *merchant.Store
	events   *events.Recorder
}

func newFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	base := memory.New()
	var repos store.Store = base
	if wrap != nil {
		repos = wrap(base)
	}
	rec := &events.Recorder{}

	static, err := rates.NewStaticProvider()
	require.NoError(t, err)
	cache := rates.NewCache(nil, static, nil, rates.Options{}, nil, nil)
	converter := conversion.NewService(cache, "INR", nil)

	ruleStore := rules.NewStore(repos, nil, rec, nil)
	mappings, err := merchant.NewStore(repos, 100, rec, nil)
	require.NoError(t, err)
	t.Cleanup(mappings.Close)

	return &fixture{
		queue:    NewQueue(repos, ruleStore, mappings, converter, "INR", rec, nil),
		repos:    repos,
		base:     base,
		rules:    ruleStore,
		mappings: mappings,
		events:   rec,
	}
}

func (f *fixture) enqueue(t *testing.T, msg models.Message) models.UnrecognizedMessage {
	t.Helper()
	entry, err := f.queue.Enqueue(context.Background(), msg, ingesterror.ReasonNoMatch)
	require.NoError(t, err)
	return entry
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry := f.enqueue(t, olaMessage())
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, models.StatePending, entry.State)
	assert.Equal(t, olaMessage().Fingerprint(), entry.Fingerprint)
	assert.Equal(t, ingesterror.ReasonNoMatch, entry.Reason)
	assert.Equal(t, []events.Topic{events.TopicUnrecognizedQueued}, f.events.Topics())

	pending, err := f.queue.List(ctx, models.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)

	got, err := f.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, olaMessage().Body, got.RawText)

	_, err = f.queue.Enqueue(ctx, olaMessage(), ingesterror.ReasonNoMatch)
	require.Error(t, err)
	assert.True(t, ingesterror.IsDuplicate(err))
}

func TestList_UnknownState(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.queue.List(context.Background(), "archived")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.enqueue(t, olaMessage())

	out, err := f.queue.Resolve(ctx, entry.ID, models.CategoryTransport, "Cab", false)
	require.NoError(t, err)
	assert.Nil(t, out.Rule)

	assert.Equal(t, models.StateResolved, out.Entry.State)
	require.NotNil(t, out.Entry.ResolvedAt)
	assert.Equal(t, out.Transaction.ID, out.Entry.TransactionID)

	txn := out.Transaction
	assert.Equal(t, models.CategoryTransport, txn.Category)
	assert.Equal(t, "Cab", txn.Subcategory)
	assert.Equal(t, "OLA CABS", txn.Merchant)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("250")))
	assert.Equal(t, "INR", txn.Currency)
	assert.Equal(t, models.TransactionTypeExpense, txn.TransactionType)
	assert.True(t, txn.NormalizedAmount.Equal(txn.Amount))
	assert.Equal(t, models.RuleIDManual, txn.RuleID)

	stored, err := f.repos.Transactions().Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Fingerprint, stored.SourceFingerprint)

	app, err := f.repos.Applications().Get(ctx, entry.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, models.RuleIDManual, app.RuleID)
	assert.Equal(t, txn.ID, app.TransactionID)

	mapping, err := f.mappings.Lookup(ctx, "OLA CABS")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, models.OriginUserConfirmed, mapping.Origin)
	assert.Equal(t, models.CategoryTransport, mapping.Category)

	assert.Contains(t, f.events.Topics(), events.TopicUnrecognizedResolved)
	assert.Contains(t, f.events.Topics(), events.TopicTransactionCreated)
	assert.Contains(t, f.events.Topics(), events.TopicMappingChanged)

	pending, err := f.queue.List(ctx, models.StatePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolve_CreateRule(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.enqueue(t, olaMessage())

	out, err := f.queue.Resolve(ctx, entry.ID, models.CategoryTransport, "", true)
	require.NoError(t, err)
	require.NotNil(t, out.Rule)

	rule := out.Rule
	assert.False(t, rule.IsSystem)
	assert.True(t, rule.IsEnabled)
	assert.Equal(t, rules.DefaultUserPriority, rule.Priority)
	assert.Equal(t, []models.Condition{
		{Field: models.FieldSender, Operator: models.OperatorEquals, Value: "AX-ICICIB"},
		{Field: models.FieldBodyContains, Operator: models.OperatorContains, Value: "OLA CABS"},
	}, rule.Conditions)
	assert.Equal(t, models.CategoryTransport, rule.Actions.SetCategory)

	enabled, err := f.rules.Enabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, rule.ID, enabled[0].ID)
}

func TestResolve_OverridesAndMissingAmount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.enqueue(t, models.Message{Sender: "JD-DMART", Body: "Thanks for shopping with us today", ReceivedAt: received})

	_, err := f.queue.Resolve(ctx, entry.ID, models.CategoryGroceries, "", false)
	require.Error(t, err)
	assert.True(t, ingesterror.IsParseFailure(err))

	amount := decimal.RequireFromString("1200.50")
	out, err := f.queue.ResolveWith(ctx, entry.ID, Resolution{
		Category: models.CategoryGroceries,
		Merchant: "DMart",
		Amount:   &amount,
		Type:     models.TransactionTypeExpense,
	})
	require.NoError(t, err)
	assert.True(t, out.Transaction.Amount.Equal(amount))
	assert.Equal(t, "DMart", out.Transaction.Merchant)
}

func TestResolve_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.enqueue(t, olaMessage())

	_, err := f.queue.Resolve(ctx, entry.ID, "  ", "", false)
	assert.ErrorIs(t, err, ingesterror.ErrInvalidRule)

	_, err = f.queue.Resolve(ctx, "missing", models.CategoryTransport, "", false)
	assert.ErrorIs(t, err, ingesterror.ErrNotFound)
}

func TestResolve_OnlyPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.enqueue(t, olaMessage())

	_, err := f.queue.Resolve(ctx, entry.ID, models.CategoryTransport, "", false)
	require.NoError(t, err)

	_, err = f.queue.Resolve(ctx, entry.ID, models.CategoryFood, "", false)
	assert.ErrorIs(t, err, ingesterror.ErrNotPending)
	_, err = f.queue.Ignore(ctx, entry.ID)
	assert.ErrorIs(t, err, ingesterror.ErrNotPending)
}

func TestIgnore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.enqueue(t, olaMessage())

	ignored, err := f.queue.Ignore(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateIgnored, ignored.State)
	assert.NotNil(t, ignored.ResolvedAt)
	assert.Empty(t, ignored.TransactionID)

	_, err = f.queue.Resolve(ctx, entry.ID, models.CategoryTransport, "", false)
	assert.ErrorIs(t, err, ingesterror.ErrNotPending)

	all, err := f.queue.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StateIgnored, all[0].State)
}

func TestResolve_RollsBackOnFailure(t *testing.T) {
	boom := errors.New("disk full")
	tests := []struct {
		name  string
		fault func(*store.FaultyStore)
	}{
		{"mapping", func(f *store.FaultyStore) { f.MappingPutError = boom }},
		{"rule", func(f *store.FaultyStore) { f.RuleCreateError = boom }},
		{"transaction", func(f *store.FaultyStore) { f.TransactionInsertError = boom }},
		{"application", func(f *store.FaultyStore) { f.ApplicationInsertError = boom }},
		{"entry update", func(f *store.FaultyStore) { f.UnrecognizedUpdateError = boom }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var faulty *store.FaultyStore
			f := newFixture(t, func(s store.Store) store.Store {
				faulty = &store.FaultyStore{Store: s}
				return faulty
			})
			ctx := context.Background()
			entry := f.enqueue(t, olaMessage())
			tt.fault(faulty)
			published := len(f.events.Events())

			_, err := f.queue.Resolve(ctx, entry.ID, models.CategoryTransport, "", true)
			require.ErrorIs(t, err, boom)

			got, err := f.base.Unrecognized().Get(ctx, entry.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatePending, got.State)
			assert.Nil(t, got.ResolvedAt)

			_, err = f.base.Applications().Get(ctx, entry.Fingerprint)
			assert.ErrorIs(t, err, store.ErrNotFound)
			mappings, err := f.base.Mappings().List(ctx)
			require.NoError(t, err)
			assert.Empty(t, mappings)
			count, err := f.base.Rules().Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
			txns, err := f.base.Transactions().List(ctx, store.TransactionFilter{})
			require.NoError(t, err)
			assert.Empty(t, txns)

			assert.Len(t, f.events.Events(), published, "nothing is published on rollback")
		})
	}
}

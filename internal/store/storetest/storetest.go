// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"RulesOrderedByPriorityThenSeq", testRulesOrdered},
		{"RuleCRUD", testRuleCRUD},
		{"RuleTemplateVersion", testTemplateVersion},
		{"ApplicationUniqueFingerprint", testApplicationUnique},
		{"MappingUpsert", testMappingUpsert},
		{"TransactionUniqueFingerprint", testTransactionUnique},
		{"TransactionListFilter", testTransactionList},
		{"UnrecognizedQueue", testUnrecognized},
		{"RatesUpsertByPair", testRates},
		{"CommitRunsHooks", testCommit},
		{"RollbackOnError", testRollback},
		{"RollbackOnPanic", testRollbackPanic},
		{"RollbackOnCancelledContext", testRollbackCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// ts returns a UTC instant with microsecond precision, which every backend
// round-trips exactly.
func ts(minute int) time.Time {
	return time.Date(2024, 3, 15, 10, minute, 0, 0, time.UTC)
}

func rule(id, name string, priority int) *models.Rule {
	return &models.Rule{
		ID:       id,
		Name:     name,
		Priority: priority,
		Conditions: []models.Condition{
			{Field: models.FieldBodyContains, Operator: models.OperatorContains, Value: name},
		},
		Actions:   models.Actions{SetCategory: models.CategoryShopping},
		IsEnabled: true,
		CreatedAt: ts(0),
		UpdatedAt: ts(0),
	}
}

func testRulesOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Rules().Create(ctx, rule("c", "third", 20)))
	require.NoError(t, s.Rules().Create(ctx, rule("a", "first", 10)))
	require.NoError(t, s.Rules().Create(ctx, rule("b", "second", 20)))

	rules, err := s.Rules().List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})
	assert.Less(t, rules[1].Seq, rules[2].Seq)
}

func testRuleCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := rule("r1", "coffee", 5)
	r.IsSystem = true
	r.TemplateVersion = 2
	require.NoError(t, s.Rules().Create(ctx, r))
	assert.NotZero(t, r.Seq)

	err := s.Rules().Create(ctx, rule("r1", "again", 1))
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Rules().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "coffee", got.Name)
	assert.True(t, got.IsSystem)
	assert.Equal(t, 2, got.TemplateVersion)
	assert.Equal(t, r.Conditions, got.Conditions)
	assert.Equal(t, models.CategoryShopping, got.Actions.SetCategory)

	got.IsEnabled = false
	got.Priority = 1
	got.UpdatedAt = ts(5)
	require.NoError(t, s.Rules().Update(ctx, got))

	updated, err := s.Rules().Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, updated.IsEnabled)
	assert.Equal(t, 1, updated.Priority)
	assert.Equal(t, r.Seq, updated.Seq)
	assert.True(t, ts(5).Equal(updated.UpdatedAt))

	count, err := s.Rules().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.Rules().Delete(ctx, "r1"))
	_, err = s.Rules().Get(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Rules().Delete(ctx, "r1"), store.ErrNotFound)
	assert.ErrorIs(t, s.Rules().Update(ctx, got), store.ErrNotFound)

	require.NoError(t, s.Rules().Create(ctx, rule("x", "x", 1)))
	require.NoError(t, s.Rules().Create(ctx, rule("y", "y", 1)))
	require.NoError(t, s.Rules().DeleteAll(ctx))
	count, err = s.Rules().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testTemplateVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	v, err := s.Rules().TemplateVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.Rules().SetTemplateVersion(ctx, 3))
	require.NoError(t, s.Rules().SetTemplateVersion(ctx, 4))
	v, err = s.Rules().TemplateVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func testApplicationUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	app := models.RuleApplication{
		RuleID:        "r1",
		Fingerprint:   "fp-1",
		AppliedAt:     ts(1),
		Category:      models.CategoryFood,
		TransactionID: "t1",
	}
	require.NoError(t, s.Applications().Insert(ctx, app))

	app.RuleID = "r2"
	assert.ErrorIs(t, s.Applications().Insert(ctx, app), store.ErrConflict)

	got, err := s.Applications().Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RuleID)
	assert.Equal(t, "t1", got.TransactionID)

	_, err = s.Applications().Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMappingUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Mappings().Get(ctx, "swiggy")
	assert.ErrorIs(t, err, store.ErrNotFound)

	m := models.MerchantMapping{MerchantKey: "swiggy", Category: models.CategoryFood, Origin: models.OriginAutoLearned, UpdatedAt: ts(1)}
	require.NoError(t, s.Mappings().Put(ctx, m))
	m.Origin = models.OriginUserConfirmed
	m.Subcategory = "Delivery"
	require.NoError(t, s.Mappings().Put(ctx, m))

	got, err := s.Mappings().Get(ctx, "swiggy")
	require.NoError(t, err)
	assert.Equal(t, models.OriginUserConfirmed, got.Origin)
	assert.Equal(t, "Delivery", got.Subcategory)

	all, err := s.Mappings().List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func transaction(id, fp, category string, minute int) models.Transaction {
	return models.Transaction{
		TransactionDraft: models.TransactionDraft{
			Amount:            decimal.RequireFromString("450.00"),
			Currency:          "INR",
			Merchant:          "SWIGGY",
			Category:          category,
			TransactionType:   models.TransactionTypeExpense,
			Timestamp:         ts(minute),
			SourceFingerprint: fp,
			Sender:            "HDFCBANK",
			RuleID:            "r1",
		},
		ID:               id,
		NormalizedAmount: decimal.RequireFromString("450.00"),
		BaseCurrency:     "INR",
		RateUsed:         decimal.NewFromInt(1),
		CreatedAt:        ts(minute),
	}
}

func testTransactionUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Transactions().Insert(ctx, transaction("t1", "fp-1", models.CategoryFood, 1)))
	err := s.Transactions().Insert(ctx, transaction("t2", "fp-1", models.CategoryFood, 2))
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Transactions().Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("450").Equal(got.Amount))
	assert.Equal(t, "450.00", got.Amount.StringFixed(2))
	assert.Equal(t, models.TransactionTypeExpense, got.TransactionType)
	assert.True(t, ts(1).Equal(got.Timestamp))

	got.Category = models.CategoryShopping
	require.NoError(t, s.Transactions().Update(ctx, got))
	got, err = s.Transactions().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryShopping, got.Category)

	_, err = s.Transactions().Get(ctx, "t9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTransactionList(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, cat := range []string{models.CategoryFood, models.CategoryShopping, models.CategoryFood} {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, s.Transactions().Insert(ctx, transaction(id, "fp-"+id, cat, i)))
	}

	all, err := s.Transactions().List(ctx, store.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t2", all[0].ID)

	food, err := s.Transactions().List(ctx, store.TransactionFilter{Category: models.CategoryFood, Limit: 1})
	require.NoError(t, err)
	require.Len(t, food, 1)
	assert.Equal(t, "t2", food[0].ID)
}

func testUnrecognized(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, fp := range []string{"fp-b", "fp-a"} {
		require.NoError(t, s.Unrecognized().Insert(ctx, models.UnrecognizedMessage{
			ID:          "u" + fp,
			RawText:     "Your a/c was debited",
			Sender:      "AXISBK",
			ReceivedAt:  ts(10 - i),
			Fingerprint: fp,
			State:       models.StatePending,
			Reason:      "no_match",
			CreatedAt:   ts(20),
		}))
	}
	err := s.Unrecognized().Insert(ctx, models.UnrecognizedMessage{ID: "other", Fingerprint: "fp-a", State: models.StatePending, ReceivedAt: ts(1), CreatedAt: ts(1)})
	assert.ErrorIs(t, err, store.ErrConflict)

	pending, err := s.Unrecognized().List(ctx, models.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "fp-a", pending[0].Fingerprint, "oldest message first")

	found, err := s.Unrecognized().FindByFingerprint(ctx, "fp-b")
	require.NoError(t, err)
	assert.Nil(t, found.ResolvedAt)

	resolvedAt := ts(30)
	found.State = models.StateResolved
	found.ResolvedAt = &resolvedAt
	found.TransactionID = "t1"
	require.NoError(t, s.Unrecognized().Update(ctx, found))

	got, err := s.Unrecognized().Get(ctx, found.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateResolved, got.State)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, resolvedAt.Equal(*got.ResolvedAt))
	assert.Equal(t, "t1", got.TransactionID)

	pending, err = s.Unrecognized().List(ctx, models.StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := s.Unrecognized().List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Unrecognized().FindByFingerprint(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Unrecognized().Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRates(t *testing.T, s store.Store) {
	ctx := context.Background()
	entry := models.ExchangeRateEntry{
		Base:      "USD",
		Quote:     "INR",
		Rate:      decimal.RequireFromString("83.12"),
		FetchedAt: ts(1),
		TTL:       6 * time.Hour,
		Source:    "remote",
	}
	require.NoError(t, s.Rates().Put(ctx, entry))
	entry.Rate = decimal.RequireFromString("83.50")
	entry.LastError = "timeout"
	require.NoError(t, s.Rates().Put(ctx, entry))

	rates, err := s.Rates().List(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.True(t, decimal.RequireFromString("83.5").Equal(rates[0].Rate))
	assert.Equal(t, 6*time.Hour, rates[0].TTL)
	assert.Equal(t, "timeout", rates[0].LastError)
}

func testCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	hookRan := false
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.Mappings().Put(ctx, models.MerchantMapping{MerchantKey: "uber", Category: models.CategoryTransport, Origin: models.OriginUserConfirmed, UpdatedAt: ts(1)}))

		// The transaction sees its own writes.
		m, err := tx.Mappings().Get(ctx, "uber")
		require.NoError(t, err)
		assert.Equal(t, models.CategoryTransport, m.Category)

		tx.AfterCommit(func() {
			hookRan = true
			// Hooks observe committed state.
			_, err := s.Mappings().Get(ctx, "uber")
			assert.NoError(t, err)
		})
		assert.False(t, hookRan)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, hookRan)
}

var errBoom = errors.New("boom")

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	hookRan := false
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.Transactions().Insert(ctx, transaction("t1", "fp-1", models.CategoryFood, 1)))
		require.NoError(t, tx.Applications().Insert(ctx, models.RuleApplication{RuleID: "r", Fingerprint: "fp-1", AppliedAt: ts(1), Category: models.CategoryFood}))
		tx.AfterCommit(func() { hookRan = true })
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, hookRan)

	_, err = s.Transactions().Get(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Applications().Get(ctx, "fp-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The fingerprint is free again after the rollback.
	require.NoError(t, s.Transactions().Insert(ctx, transaction("t1", "fp-1", models.CategoryFood, 1)))
}

func testRollbackPanic(t *testing.T, s store.Store) {
	ctx := context.Background()
	assert.Panics(t, func() {
		_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			require.NoError(t, tx.Rules().SetTemplateVersion(ctx, 9))
			panic("boom")
		})
	})

	v, err := s.Rules().TemplateVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	// The store is still usable.
	require.NoError(t, s.Rules().SetTemplateVersion(ctx, 1))
}

func testRollbackCancelled(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Rules().SetTemplateVersion(ctx, 7); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	v, err := s.Rules().TemplateVersion(context.Background())
	require.NoError(t, err)
	assert.Zero(t, v)
}

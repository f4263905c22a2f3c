package merchant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/store/memory"
)

func newTestStore(t *testing.T) (*Store, *memory.Store, *events.Recorder) {
	t.Helper()
	repos := memory.New()
	rec := &events.Recorder{}
	s, err := NewStore(repos, 100, rec, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, repos, rec
}

func upsert(t *testing.T, s *Store, repos store.Store, merchant, category string, origin models.MappingOrigin) bool {
	t.Helper()
	var applied bool
	err := repos.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		applied, err = s.Upsert(ctx, tx, merchant, category, "", origin)
		return err
	})
	require.NoError(t, err)
	return applied
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SWIGGY", "swiggy"},
		{"  Swiggy  ", "swiggy"},
		{"SWIGGY*ORDER 1234", "swiggy order"},
		{"POS Big Bazaar #0042", "big bazaar"},
		{"Amazon.in", "amazon in"},
		{"UPI-ZOMATO", "zomato"},
		{"", ""},
		{"***", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.in))
		})
	}
}

func TestLookup_Missing(t *testing.T) {
	s, _, _ := newTestStore(t)
	m, err := s.Lookup(context.Background(), "Unknown Merchant")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = s.Lookup(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestUpsert_ThenLookupSeesCommittedValue(t *testing.T) {
	s, repos, rec := newTestStore(t)
	ctx := context.Background()

	// Prime the cache with a miss.
	m, err := s.Lookup(ctx, "Swiggy")
	require.NoError(t, err)
	assert.Nil(t, m)
	s.cache.Wait()

	assert.True(t, upsert(t, s, repos, "SWIGGY", models.CategoryFood, models.OriginUserConfirmed))

	m, err = s.Lookup(ctx, "swiggy")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, models.CategoryFood, m.Category)
	assert.Equal(t, models.OriginUserConfirmed, m.Origin)
	assert.Equal(t, []events.Topic{events.TopicMappingChanged}, rec.Topics())
}

func TestUpsert_UserConfirmedIsSticky(t *testing.T) {
	s, repos, _ := newTestStore(t)
	ctx := context.Background()

	assert.True(t, upsert(t, s, repos, "Uber", models.CategoryTransport, models.OriginUserConfirmed))
	assert.False(t, upsert(t, s, repos, "UBER", models.CategoryShopping, models.OriginAutoLearned))

	m, err := s.Lookup(ctx, "uber")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, models.CategoryTransport, m.Category)

	// A later user confirmation still overwrites.
	assert.True(t, upsert(t, s, repos, "uber", models.CategoryBills, models.OriginUserConfirmed))
	m, err = s.Lookup(ctx, "uber")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryBills, m.Category)
}

func TestUpsert_AutoLearnedCanBeReplaced(t *testing.T) {
	s, repos, _ := newTestStore(t)
	ctx := context.Background()

	assert.True(t, upsert(t, s, repos, "Ola", models.CategoryShopping, models.OriginAutoLearned))
	assert.True(t, upsert(t, s, repos, "Ola", models.CategoryTransport, models.OriginAutoLearned))
	assert.True(t, upsert(t, s, repos, "Ola", models.CategoryTransport, models.OriginUserConfirmed))

	m, err := s.Lookup(ctx, "ola")
	require.NoError(t, err)
	assert.Equal(t, models.OriginUserConfirmed, m.Origin)
}

func TestUpsert_RollbackLeavesCacheAndEventsAlone(t *testing.T) {
	s, repos, rec := newTestStore(t)
	ctx := context.Background()

	err := repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.Upsert(ctx, tx, "Zomato", models.CategoryFood, "", models.OriginUserConfirmed); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	m, err := s.Lookup(ctx, "zomato")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Empty(t, rec.Topics())
}

func TestUpsert_Validation(t *testing.T) {
	s, repos, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		merchant string
		category string
		origin   models.MappingOrigin
	}{
		{"empty merchant", "  ", models.CategoryFood, models.OriginUserConfirmed},
		{"empty category", "Swiggy", "", models.OriginUserConfirmed},
		{"unknown origin", "Swiggy", models.CategoryFood, "guessed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := s.Upsert(ctx, tx, tt.merchant, tt.category, "", tt.origin)
				return err
			})
			assert.Error(t, err)
		})
	}

	err := repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := s.Upsert(ctx, tx, "", models.CategoryFood, "", models.OriginUserConfirmed)
		return err
	})
	assert.ErrorIs(t, err, ingesterror.ErrInvalidRule)
}

func TestConfirm(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	m, err := s.Confirm(ctx, "Flipkart Internet", models.CategoryShopping, "Online")
	require.NoError(t, err)
	assert.Equal(t, "flipkart internet", m.MerchantKey)
	assert.Equal(t, "Online", m.Subcategory)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// Package merchant keeps the merchant→category mappings the ledger has been
// taught, and serves them through a read cache.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/dgraph-io/ristretto"

	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/textutils"
)

// DefaultCacheSize is used when NewStore is given a non-positive size.
const DefaultCacheSize int64 = 10000

// cached is a cache value. A nil mapping records a known miss. Entries from
// an older epoch are ignored.
type cached struct {
	epoch   uint64
	mapping *models.MerchantMapping
}

// Store is the MerchantMappingStore.
type Store struct {
	repos     store.Store
	cache     *ristretto.Cache
	epoch     atomic.Uint64
	publisher events.Publisher
	logger    logging.Logger
	now       func() time.Time
}

// NewStore creates a mapping store over the persistence boundary.
func NewStore(repos store.Store, cacheSize int64, publisher events.Publisher, logger logging.Logger) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize * 10, // number of keys to track frequency of
		MaxCost:     cacheSize,
		BufferItems: 64, // number of keys per Get buffer
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mapping cache: %w", err)
	}
	return &Store{
		repos:     repos,
		cache:     cache,
		publisher: publisher,
		logger:    logging.OrDiscard(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// NormalizeKey turns a merchant name into a mapping key: processor prefixes and
// trailing reference digits removed, case folded, punctuation collapsed.
func NormalizeKey(merchant string) string {
	folded := textutils.Fold(textutils.CleanMerchantName(merchant))
	var b strings.Builder
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// Lookup returns the mapping for merchant, or nil when none exists.
func (s *Store) Lookup(ctx context.Context, merchant string) (*models.MerchantMapping, error) {
	key := NormalizeKey(merchant)
	if key == "" {
		return nil, nil
	}

	epoch := s.epoch.Load()
	if v, ok := s.cache.Get(key); ok {
		if c, ok := v.(cached); ok && c.epoch == epoch {
			return copyMapping(c.mapping), nil
		}
	}

	m, err := s.repos.Mappings().Get(ctx, key)
	var found *models.MerchantMapping
	switch {
	case err == nil:
		found = &m
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("looking up merchant %q: %w", key, err)
	}

	s.cache.Set(key, cached{epoch: epoch, mapping: found}, 1)
	return copyMapping(found), nil
}

func copyMapping(m *models.MerchantMapping) *models.MerchantMapping {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Upsert writes a mapping inside tx. A user-confirmed write always wins; an
// auto-learned write is rejected when the key is already user-confirmed, and
// applied is false. The cache is invalidated once tx commits.
func (s *Store) Upsert(ctx context.Context, tx store.Tx, merchant, category, subcategory string, origin models.MappingOrigin) (applied bool, err error) {
	key := NormalizeKey(merchant)
	if key == "" {
		return false, ingesterror.InvalidRule(fmt.Errorf("merchant %q has no usable key", merchant))
	}
	if category == "" {
		return false, ingesterror.InvalidRule(fmt.Errorf("mapping for %q needs a category", key))
	}
	if origin != models.OriginUserConfirmed && origin != models.OriginAutoLearned {
		return false, fmt.Errorf("unknown mapping origin %q", origin)
	}

	existing, err := tx.Mappings().Get(ctx, key)
	switch {
	case err == nil:
		if origin == models.OriginAutoLearned && existing.Origin == models.OriginUserConfirmed {
			s.logger.Debug("auto-learned mapping rejected by user-confirmed mapping",
				logging.F(logging.FieldMerchant, key),
				logging.F(logging.FieldCategory, existing.Category))
			return false, nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return false, fmt.Errorf("reading merchant mapping %q: %w", key, err)
	}

	m := models.MerchantMapping{
		MerchantKey: key,
		Category:    category,
		Subcategory: subcategory,
		Origin:      origin,
		UpdatedAt:   s.now(),
	}
	if err := tx.Mappings().Put(ctx, m); err != nil {
		return false, err
	}

	tx.AfterCommit(func() {
		s.invalidate(key)
		if s.publisher != nil {
			s.publisher.Publish(events.TopicMappingChanged, m)
		}
	})
	return true, nil
}

// Confirm records a user-confirmed mapping in its own unit of work.
func (s *Store) Confirm(ctx context.Context, merchant, category, subcategory string) (models.MerchantMapping, error) {
	err := s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := s.Upsert(ctx, tx, merchant, category, subcategory, models.OriginUserConfirmed)
		return err
	})
	if err != nil {
		return models.MerchantMapping{}, err
	}
	return s.repos.Mappings().Get(ctx, NormalizeKey(merchant))
}

// List returns all mappings ordered by key.
func (s *Store) List(ctx context.Context) ([]models.MerchantMapping, error) {
	return s.repos.Mappings().List(ctx)
}

func (s *Store) invalidate(key string) {
	s.epoch.Add(1)
	s.cache.Del(key)
}

// Invalidate discards every cached lookup.
func (s *Store) Invalidate() {
	s.epoch.Add(1)
	s.cache.Clear()
}

// Close releases the cache.
func (s *Store) Close() {
	s.cache.Close()
}

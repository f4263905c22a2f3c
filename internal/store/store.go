// Package store defines the persistence boundary: one repository per entity
// and a unit of work that commits them atomically.
package store

import (
	"context"
	"errors"

	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/models"
)

// ErrConflict is returned by unique-or-fail inserts.
var ErrConflict = errors.New("unique constraint violation")

// ErrNotFound is returned when a lookup finds nothing.
var ErrNotFound = ingesterror.ErrNotFound

// RuleRepository persists rules and the installed template version.
type RuleRepository interface {
	// List returns all rules ordered by priority, then insertion sequence.
	List(ctx context.Context) ([]models.Rule, error)
	Get(ctx context.Context, id string) (models.Rule, error)
	// Create assigns Seq and stores the rule. Duplicate IDs fail with ErrConflict.
	Create(ctx context.Context, rule *models.Rule) error
	Update(ctx context.Context, rule models.Rule) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	TemplateVersion(ctx context.Context) (int, error)
	SetTemplateVersion(ctx context.Context, version int) error
}

// ApplicationRepository persists RuleApplication rows, unique on fingerprint.
type ApplicationRepository interface {
	// Insert fails with ErrConflict when the fingerprint already exists.
	Insert(ctx context.Context, app models.RuleApplication) error
	Get(ctx context.Context, fingerprint string) (models.RuleApplication, error)
}

// MappingRepository persists merchant mappings keyed by normalized merchant.
type MappingRepository interface {
	Get(ctx context.Context, key string) (models.MerchantMapping, error)
	Put(ctx context.Context, mapping models.MerchantMapping) error
	List(ctx context.Context) ([]models.MerchantMapping, error)
}

// TransactionFilter narrows TransactionRepository.List.
type TransactionFilter struct {
	Category string
	Limit    int
}

// TransactionRepository persists committed transactions.
type TransactionRepository interface {
	// Insert fails with ErrConflict when the source fingerprint already exists.
	Insert(ctx context.Context, tx models.Transaction) error
	Get(ctx context.Context, id string) (models.Transaction, error)
	Update(ctx context.Context, tx models.Transaction) error
	// List returns transactions newest first.
	List(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
}

// UnrecognizedRepository persists the triage queue.
type UnrecognizedRepository interface {
	// Insert fails with ErrConflict when the fingerprint already exists.
	Insert(ctx context.Context, msg models.UnrecognizedMessage) error
	Get(ctx context.Context, id string) (models.UnrecognizedMessage, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (models.UnrecognizedMessage, error)
	Update(ctx context.Context, msg models.UnrecognizedMessage) error
	// List returns entries oldest first. An empty state lists all entries.
	List(ctx context.Context, state models.ResolutionState) ([]models.UnrecognizedMessage, error)
}

// RateRepository persists exchange-rate entries, one per pair.
type RateRepository interface {
	Put(ctx context.Context, entry models.ExchangeRateEntry) error
	List(ctx context.Context) ([]models.ExchangeRateEntry, error)
}

// Repositories groups every repository.
type Repositories interface {
	Rules() RuleRepository
	Applications() ApplicationRepository
	Mappings() MappingRepository
	Transactions() TransactionRepository
	Unrecognized() UnrecognizedRepository
	Rates() RateRepository
}

// Tx is a unit of work. Writes through it become visible together on commit.
type Tx interface {
	Repositories
	// AfterCommit registers fn to run once the unit of work has committed.
	// Hooks never run on rollback.
	AfterCommit(fn func())
}

// Store is the persistence boundary consumed by the core.
type Store interface {
	Repositories
	// WithinTx runs fn in a unit of work. A nil return commits; an error, a
	// panic or a cancelled context rolls back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// HookList collects AfterCommit hooks for Store implementations.
type HookList struct {
	hooks []func()
}

// Add registers a hook.
func (h *HookList) Add(fn func()) {
	if fn != nil {
		h.hooks = append(h.hooks, fn)
	}
}

// Run executes the hooks in registration order.
func (h *HookList) Run() {
	for _, fn := range h.hooks {
		fn()
	}
}

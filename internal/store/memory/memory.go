// Package memory is an in-process store.Store. Each unit of work edits a
// private copy of the state that replaces the committed snapshot on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
)

// state is one immutable snapshot once committed.
type state struct {
	rules           map[string]models.Rule
	seq             int64
	templateVersion int
	applications    map[string]models.RuleApplication
	mappings        map[string]models.MerchantMapping
	transactions    map[string]models.Transaction
	txByFingerprint map[string]string
	unrecognized    map[string]models.UnrecognizedMessage
	unrecByFP       map[string]string
	rates           map[models.Pair]models.ExchangeRateEntry
}

func newState() *state {
	return &state{
		rules:           make(map[string]models.Rule),
		applications:    make(map[string]models.RuleApplication),
		mappings:        make(map[string]models.MerchantMapping),
		transactions:    make(map[string]models.Transaction),
		txByFingerprint: make(map[string]string),
		unrecognized:    make(map[string]models.UnrecognizedMessage),
		unrecByFP:       make(map[string]string),
		rates:           make(map[models.Pair]models.ExchangeRateEntry),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		rules:           cloneMap(s.rules),
		seq:             s.seq,
		templateVersion: s.templateVersion,
		applications:    cloneMap(s.applications),
		mappings:        cloneMap(s.mappings),
		transactions:    cloneMap(s.transactions),
		txByFingerprint: cloneMap(s.txByFingerprint),
		unrecognized:    cloneMap(s.unrecognized),
		unrecByFP:       cloneMap(s.unrecByFP),
		rates:           cloneMap(s.rates),
	}
}

// Store is the in-memory store. The zero value is not usable; call New.
type Store struct {
	writeMu sync.Mutex // serializes units of work

	mu  sync.RWMutex // guards cur
	cur *state
}

// New returns an empty store.
func New() *Store {
	return &Store{cur: newState()}
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// WithinTx runs fn against a private copy of the state and publishes it on
// success. Hooks run after the write lock is released.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	hooks, err := s.run(ctx, fn)
	if err != nil {
		return err
	}
	hooks.Run()
	return nil
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (*store.HookList, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := &memTx{st: s.snapshot().clone()}
	defer func() { tx.done = true }()

	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cur = tx.st
	s.mu.Unlock()
	return &tx.hooks, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// write runs a single mutation as its own unit of work.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	return s.WithinTx(ctx, func(_ context.Context, tx store.Tx) error {
		return fn(tx.(*memTx).st)
	})
}

func (s *Store) view() view {
	return view{read: s.snapshot, write: s.write}
}

func (s *Store) Rules() store.RuleRepository { return rules{s.view()} }
func (s *Store) Applications() store.ApplicationRepository { return applications{s.view()} }
func (s *Store) Mappings() store.MappingRepository { return mappings{s.view()} }
func (s *Store) Transactions() store.TransactionRepository { return transactions{s.view()} }
func (s *Store) Unrecognized() store.UnrecognizedRepository { return unrecognized{s.view()} }
func (s *Store) Rates() store.RateRepository { return rates{s.view()} }

type memTx struct {
	st    *state
	hooks store.HookList
	done  bool
}

func (t *memTx) AfterCommit(fn func()) { t.hooks.Add(fn) }

func (t *memTx) view() view {
	return view{
		read: func() *state { return t.st },
		write: func(ctx context.Context, fn func(st *state) error) error {
			if t.done {
				return fmt.Errorf("transaction already finished")
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(t.st)
		},
	}
}

func (t *memTx) Rules() store.RuleRepository { return rules{t.view()} }
func (t *memTx) Applications() store.ApplicationRepository { return applications{t.view()} }
func (t *memTx) Mappings() store.MappingRepository { return mappings{t.view()} }
func (t *memTx) Transactions() store.TransactionRepository { return transactions{t.view()} }
func (t *memTx) Unrecognized() store.UnrecognizedRepository { return unrecognized{t.view()} }
func (t *memTx) Rates() store.RateRepository { return rates{t.view()} }

// view binds a repository to either the committed snapshot or a unit of work.
type view struct {
	read  func() *state
	write func(ctx context.Context, fn func(st *state) error) error
}

type rules struct{ v view }

func (r rules) List(_ context.Context) ([]models.Rule, error) {
	st := r.v.read()
	out := make([]models.Rule, 0, len(st.rules))
	for _, rule := range st.rules {
		out = append(out, rule.Clone())
	}
	models.SortRules(out)
	return out, nil
}

func (r rules) Get(_ context.Context, id string) (models.Rule, error) {
	rule, ok := r.v.read().rules[id]
	if !ok {
		return models.Rule{}, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return rule.Clone(), nil
}

func (r rules) Create(ctx context.Context, rule *models.Rule) error {
	return r.v.write(ctx, func(st *state) error {
		if _, ok := st.rules[rule.ID]; ok {
			return fmt.Errorf("rule %s: %w", rule.ID, store.ErrConflict)
		}
		st.seq++
		rule.Seq = st.seq
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = time.Now().UTC()
		}
		if rule.UpdatedAt.IsZero() {
			rule.UpdatedAt = rule.CreatedAt
		}
		st.rules[rule.ID] = rule.Clone()
		return nil
	})
}

func (r rules) Update(ctx context.Context, rule models.Rule) error {
	return r.v.write(ctx, func(st *state) error {
		existing, ok := st.rules[rule.ID]
		if !ok {
			return fmt.Errorf("rule %s: %w", rule.ID, store.ErrNotFound)
		}
		rule.Seq = existing.Seq
		rule.CreatedAt = existing.CreatedAt
		st.rules[rule.ID] = rule.Clone()
		return nil
	})
}

func (r rules) Delete(ctx context.Context, id string) error {
	return r.v.write(ctx, func(st *state) error {
		if _, ok := st.rules[id]; !ok {
			return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
		}
		delete(st.rules, id)
		return nil
	})
}

func (r rules) DeleteAll(ctx context.Context) error {
	return r.v.write(ctx, func(st *state) error {
		st.rules = make(map[string]models.Rule)
		return nil
	})
}

func (r rules) Count(_ context.Context) (int, error) {
	return len(r.v.read().rules), nil
}

func (r rules) TemplateVersion(_ context.Context) (int, error) {
	return r.v.read().templateVersion, nil
}

func (r rules) SetTemplateVersion(ctx context.Context, version int) error {
	return r.v.write(ctx, func(st *state) error {
		st.templateVersion = version
		return nil
	})
}

type applications struct{ v view }

func (r applications) Insert(ctx context.Context, app models.RuleApplication) error {
	return r.v.write(ctx, func(st *state) error {
		if _, ok := st.applications[app.Fingerprint]; ok {
			return fmt.Errorf("rule application %s: %w", app.Fingerprint, store.ErrConflict)
		}
		st.applications[app.Fingerprint] = app
		return nil
	})
}

func (r applications) Get(_ context.Context, fingerprint string) (models.RuleApplication, error) {
	app, ok := r.v.read().applications[fingerprint]
	if !ok {
		return models.RuleApplication{}, fmt.Errorf("rule application %s: %w", fingerprint, store.ErrNotFound)
	}
	return app, nil
}

type mappings struct{ v view }

func (r mappings) Get(_ context.Context, key string) (models.MerchantMapping, error) {
	m, ok := r.v.read().mappings[key]
	if !ok {
		return models.MerchantMapping{}, fmt.Errorf("merchant mapping %s: %w", key, store.ErrNotFound)
	}
	return m, nil
}

func (r mappings) Put(ctx context.Context, m models.MerchantMapping) error {
	return r.v.write(ctx, func(st *state) error {
		st.mappings[m.MerchantKey] = m
		return nil
	})
}

func (r mappings) List(_ context.Context) ([]models.MerchantMapping, error) {
	st := r.v.read()
	out := make([]models.MerchantMapping, 0, len(st.mappings))
	for _, m := range st.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantKey < out[j].MerchantKey })
	return out, nil
}

type transactions struct{ v view }

func (r transactions) Insert(ctx context.Context, tx models.Transaction) error {
	return r.v.write(ctx, func(st *state) error {
		if _, ok := st.txByFingerprint[tx.SourceFingerprint]; ok {
			return fmt.Errorf("transaction for %s: %w", tx.SourceFingerprint, store.ErrConflict)
		}
		if _, ok := st.transactions[tx.ID]; ok {
			return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrConflict)
		}
		st.transactions[tx.ID] = tx
		st.txByFingerprint[tx.SourceFingerprint] = tx.ID
		return nil
	})
}

func (r transactions) Get(_ context.Context, id string) (models.Transaction, error) {
	tx, ok := r.v.read().transactions[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return tx, nil
}

func (r transactions) Update(ctx context.Context, tx models.Transaction) error {
	return r.v.write(ctx, func(st *state) error {
		existing, ok := st.transactions[tx.ID]
		if !ok {
			return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrNotFound)
		}
		tx.SourceFingerprint = existing.SourceFingerprint
		st.transactions[tx.ID] = tx
		return nil
	})
}

func (r transactions) List(_ context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	st := r.v.read()
	out := make([]models.Transaction, 0, len(st.transactions))
	for _, tx := range st.transactions {
		if filter.Category != "" && tx.Category != filter.Category {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type unrecognized struct{ v view }

func copyUnrecognized(m models.UnrecognizedMessage) models.UnrecognizedMessage {
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		m.ResolvedAt = &at
	}
	return m
}

func (r unrecognized) Insert(ctx context.Context, msg models.UnrecognizedMessage) error {
	return r.v.write(ctx, func(st *state) error {
		if _, ok := st.unrecByFP[msg.Fingerprint]; ok {
			return fmt.Errorf("unrecognized message %s: %w", msg.Fingerprint, store.ErrConflict)
		}
		if _, ok := st.unrecognized[msg.ID]; ok {
			return fmt.Errorf("unrecognized message %s: %w", msg.ID, store.ErrConflict)
		}
		st.unrecognized[msg.ID] = copyUnrecognized(msg)
		st.unrecByFP[msg.Fingerprint] = msg.ID
		return nil
	})
}

func (r unrecognized) Get(_ context.Context, id string) (models.UnrecognizedMessage, error) {
	msg, ok := r.v.read().unrecognized[id]
	if !ok {
		return models.UnrecognizedMessage{}, fmt.Errorf("unrecognized message %s: %w", id, store.ErrNotFound)
	}
	return copyUnrecognized(msg), nil
}

func (r unrecognized) FindByFingerprint(ctx context.Context, fingerprint string) (models.UnrecognizedMessage, error) {
	id, ok := r.v.read().unrecByFP[fingerprint]
	if !ok {
		return models.UnrecognizedMessage{}, fmt.Errorf("unrecognized message %s: %w", fingerprint, store.ErrNotFound)
	}
	return r.Get(ctx, id)
}

func (r unrecognized) Update(ctx context.Context, msg models.UnrecognizedMessage) error {
	return r.v.write(ctx, func(st *state) error {
		existing, ok := st.unrecognized[msg.ID]
		if !ok {
			return fmt.Errorf("unrecognized message %s: %w", msg.ID, store.ErrNotFound)
		}
		msg.Fingerprint = existing.Fingerprint
		st.unrecognized[msg.ID] = copyUnrecognized(msg)
		return nil
	})
}

func (r unrecognized) List(_ context.Context, filter models.ResolutionState) ([]models.UnrecognizedMessage, error) {
	st := r.v.read()
	out := make([]models.UnrecognizedMessage, 0, len(st.unrecognized))
	for _, msg := range st.unrecognized {
		if filter != "" && msg.State != filter {
			continue
		}
		out = append(out, copyUnrecognized(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type rates struct{ v view }

func (r rates) Put(ctx context.Context, entry models.ExchangeRateEntry) error {
	return r.v.write(ctx, func(st *state) error {
		st.rates[entry.Pair()] = entry
		return nil
	})
}

func (r rates) List(_ context.Context) ([]models.ExchangeRateEntry, error) {
	st := r.v.read()
	out := make([]models.ExchangeRateEntry, 0, len(st.rates))
	for _, e := range st.rates {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair().String() < out[j].Pair().String() })
	return out, nil
}

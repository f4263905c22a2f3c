// Package rules owns the ordered, user-editable rule set and the built-in
// templates it is seeded from.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/pattern"
	"fjacquet/sms-ledger/internal/store"
)

// DefaultUserPriority places user rules ahead of every template.
const DefaultUserPriority = 50

// SeedReport describes what Seed changed.
type SeedReport struct {
	Installed int `json:"installed"`
	Upgraded  int `json:"upgraded"`
	Removed   int `json:"removed"`
	Version   int `json:"version"`
}

// Store is the RuleStore. Reads are served from a sorted snapshot that is
// rebuilt after every committed change.
type Store struct {
	repos     store.Store
	patterns  *pattern.Cache
	publisher events.Publisher
	logger    logging.Logger
	now       func() time.Time

	mu       sync.RWMutex
	snapshot []models.Rule
	gen      uint64
}

// NewStore creates a rule store.
func NewStore(repos store.Store, patterns *pattern.Cache, publisher events.Publisher, logger logging.Logger) *Store {
	if patterns == nil {
		patterns = pattern.NewCache()
	}
	return &Store{
		repos:     repos,
		patterns:  patterns,
		publisher: publisher,
		logger:    logging.OrDiscard(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Patterns returns the compiled-template cache shared with the engine.
func (s *Store) Patterns() *pattern.Cache { return s.patterns }

func (s *Store) load(ctx context.Context) ([]models.Rule, error) {
	s.mu.RLock()
	snap, gen := s.snapshot, s.gen
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	loaded, err := s.repos.Rules().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	if loaded == nil {
		loaded = []models.Rule{}
	}

	s.mu.Lock()
	if s.gen == gen {
		s.snapshot = loaded
	}
	s.mu.Unlock()
	return loaded, nil
}

// Invalidate drops the snapshot so the next read reloads from the repository.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.gen++
	s.mu.Unlock()
}

func (s *Store) changed(tx store.Tx) {
	tx.AfterCommit(func() {
		s.Invalidate()
		if s.publisher != nil {
			s.publisher.Publish(events.TopicRulesChanged, nil)
		}
	})
}

func cloneAll(in []models.Rule, keep func(models.Rule) bool) []models.Rule {
	out := make([]models.Rule, 0, len(in))
	for _, r := range in {
		if keep == nil || keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// List returns every rule in evaluation order.
func (s *Store) List(ctx context.Context) ([]models.Rule, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(snap, nil), nil
}

// Enabled returns the enabled rules in evaluation order.
func (s *Store) Enabled(ctx context.Context) ([]models.Rule, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(snap, func(r models.Rule) bool { return r.IsEnabled }), nil
}

// Get returns one rule.
func (s *Store) Get(ctx context.Context, id string) (models.Rule, error) {
	return s.repos.Rules().Get(ctx, id)
}

// Validate checks the rule and compiles its patterns.
func (s *Store) Validate(rule models.Rule) error {
	if err := rule.Validate(); err != nil {
		return ingesterror.InvalidRule(err)
	}
	for _, c := range rule.Conditions {
		if c.Field != models.FieldBodyMatchesPattern {
			continue
		}
		if _, err := s.patterns.Get(c.Value); err != nil {
			return ingesterror.InvalidRule(fmt.Errorf("rule %q: %w", rule.Name, err))
		}
	}
	return nil
}

// Create stores a new, enabled user rule.
func (s *Store) Create(ctx context.Context, rule models.Rule) (models.Rule, error) {
	var created models.Rule
	err := s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = s.CreateTx(ctx, tx, rule)
		return err
	})
	return created, err
}

// CreateTx stores a new, enabled user rule inside tx.
func (s *Store) CreateTx(ctx context.Context, tx store.Tx, rule models.Rule) (models.Rule, error) {
	rule.IsEnabled = true
	return s.createTx(ctx, tx, rule)
}

func (s *Store) createTx(ctx context.Context, tx store.Tx, rule models.Rule) (models.Rule, error) {
	rule = rule.Clone()
	rule.ID = uuid.NewString()
	rule.IsSystem = false
	rule.TemplateVersion = 0
	rule.CreatedAt = s.now()
	rule.UpdatedAt = rule.CreatedAt
	if err := s.Validate(rule); err != nil {
		return models.Rule{}, err
	}
	if err := tx.Rules().Create(ctx, &rule); err != nil {
		return models.Rule{}, fmt.Errorf("creating rule %q: %w", rule.Name, err)
	}
	s.changed(tx)
	s.logger.Info("rule created",
		logging.F(logging.FieldRuleID, rule.ID),
		logging.F("name", rule.Name))
	return rule, nil
}

// Import stores rules read from a rule file as user rules, keeping their
// enabled flag. It is all or nothing.
func (s *Store) Import(ctx context.Context, rules []models.Rule) ([]models.Rule, error) {
	var created []models.Rule
	err := s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created = created[:0]
		for _, r := range rules {
			c, err := s.createTx(ctx, tx, r)
			if err != nil {
				return err
			}
			created = append(created, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update replaces the editable fields of a user rule.
func (s *Store) Update(ctx context.Context, rule models.Rule) (models.Rule, error) {
	var updated models.Rule
	err := s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.Rules().Get(ctx, rule.ID)
		if err != nil {
			return err
		}
		if existing.IsSystem {
			return fmt.Errorf("rule %s: %w", rule.ID, ingesterror.ErrSystemRule)
		}

		updated = existing
		updated.Name = rule.Name
		updated.Priority = rule.Priority
		updated.Conditions = append([]models.Condition(nil), rule.Conditions...)
		updated.Actions = rule.Actions
		updated.IsEnabled = rule.IsEnabled
		updated.UpdatedAt = s.now()
		if err := s.Validate(updated); err != nil {
			return err
		}
		if err := tx.Rules().Update(ctx, updated); err != nil {
			return err
		}
		s.changed(tx)
		return nil
	})
	return updated, err
}

// SetEnabled enables or disables a rule. System rules may be disabled.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (models.Rule, error) {
	var rule models.Rule
	err := s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rule, err = tx.Rules().Get(ctx, id)
		if err != nil {
			return err
		}
		if rule.IsEnabled == enabled {
			return nil
		}
		rule.IsEnabled = enabled
		rule.UpdatedAt = s.now()
		if err := tx.Rules().Update(ctx, rule); err != nil {
			return err
		}
		s.changed(tx)
		return nil
	})
	return rule, err
}

// Delete removes a user rule. System rules can only be disabled.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rule, err := tx.Rules().Get(ctx, id)
		if err != nil {
			return err
		}
		if rule.IsSystem {
			return fmt.Errorf("rule %s: %w", id, ingesterror.ErrSystemRule)
		}
		if err := tx.Rules().Delete(ctx, id); err != nil {
			return err
		}
		s.changed(tx)
		return nil
	})
}

// Seed installs the built-in templates. An empty store receives every
// template. forceReset deletes all rules, user rules included, and reinstalls.
// An older installed template version is upgraded in place: templates are
// replaced keeping their enabled flag, new ones are added, retired ones are
// removed, and user rules are left alone.
func (s *Store) Seed(ctx context.Context, forceReset bool) (SeedReport, error) {
	templates := DefaultTemplates()
	report := SeedReport{Version: TemplateVersion()}

	err := s.repos.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		report = SeedReport{Version: report.Version}
		repo := tx.Rules()

		count, err := repo.Count(ctx)
		if err != nil {
			return err
		}
		installed, err := repo.TemplateVersion(ctx)
		if err != nil {
			return err
		}

		switch {
		case forceReset:
			if err := repo.DeleteAll(ctx); err != nil {
				return err
			}
			report.Removed = count
			if err := s.install(ctx, repo, templates, &report); err != nil {
				return err
			}
		case count == 0:
			if err := s.install(ctx, repo, templates, &report); err != nil {
				return err
			}
		case installed < report.Version:
			if err := s.upgrade(ctx, repo, templates, &report); err != nil {
				return err
			}
		default:
			return nil
		}

		if err := repo.SetTemplateVersion(ctx, report.Version); err != nil {
			return err
		}
		s.changed(tx)
		return nil
	})
	if err != nil {
		return SeedReport{}, fmt.Errorf("seeding rule templates: %w", err)
	}

	s.logger.Info("rule templates seeded",
		logging.F("installed", report.Installed),
		logging.F("upgraded", report.Upgraded),
		logging.F("removed", report.Removed),
		logging.F("version", report.Version),
		logging.F("force_reset", forceReset))
	return report, nil
}

func (s *Store) install(ctx context.Context, repo store.RuleRepository, templates []models.Rule, report *SeedReport) error {
	now := s.now()
	for i := range templates {
		t := templates[i]
		t.CreatedAt, t.UpdatedAt = now, now
		if err := repo.Create(ctx, &t); err != nil {
			return fmt.Errorf("installing template %s: %w", t.ID, err)
		}
		report.Installed++
	}
	return nil
}

func (s *Store) upgrade(ctx context.Context, repo store.RuleRepository, templates []models.Rule, report *SeedReport) error {
	now := s.now()
	current := make(map[string]bool, len(templates))

	for i := range templates {
		t := templates[i]
		current[t.ID] = true

		existing, err := repo.Get(ctx, t.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			t.CreatedAt, t.UpdatedAt = now, now
			if err := repo.Create(ctx, &t); err != nil {
				return fmt.Errorf("installing template %s: %w", t.ID, err)
			}
			report.Installed++
		case err != nil:
			return err
		case existing.IsSystem:
			t.IsEnabled = existing.IsEnabled
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = now
			if err := repo.Update(ctx, t); err != nil {
				return fmt.Errorf("upgrading template %s: %w", t.ID, err)
			}
			report.Upgraded++
		}
	}

	all, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range all {
		if r.IsSystem && !current[r.ID] {
			if err := repo.Delete(ctx, r.ID); err != nil {
				return fmt.Errorf("retiring template %s: %w", r.ID, err)
			}
			report.Removed++
		}
	}
	return nil
}

// Reset reinstalls the templates, removing user rules. It refuses to run
// unless confirm is true.
func (s *Store) Reset(ctx context.Context, confirm bool) (SeedReport, error) {
	if !confirm {
		return SeedReport{}, ingesterror.ErrResetNotConfirmed
	}
	return s.Seed(ctx, true)
}

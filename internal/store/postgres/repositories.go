package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
)

type rules struct{ q querier }

const ruleColumns = `id, seq, name, priority, conditions, actions, is_system, is_enabled,
	template_version, created_at, updated_at`

func scanRule(row pgx.Row) (models.Rule, error) {
	var (
		r                   models.Rule
		conditions, actions []byte
	)
	if err := row.Scan(&r.ID, &r.Seq, &r.Name, &r.Priority, &conditions, &actions,
		&r.IsSystem, &r.IsEnabled, &r.TemplateVersion, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Rule{}, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return models.Rule{}, fmt.Errorf("decoding conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return models.Rule{}, fmt.Errorf("decoding actions of rule %s: %w", r.ID, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (r rules) List(ctx context.Context) ([]models.Rule, error) {
	rows, err := r.q.Query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority, seq`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r rules) Get(ctx context.Context, id string) (models.Rule, error) {
	rule, err := scanRule(r.q.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		return models.Rule{}, notFound(err, "rule "+id)
	}
	return rule, nil
}

func (r rules) Create(ctx context.Context, rule *models.Rule) error {
	conditions, err := marshalJSON(rule.Conditions)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}

	err = r.q.QueryRow(ctx, `
		INSERT INTO rules (id, name, priority, conditions, actions, is_system, is_enabled,
			template_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq`,
		rule.ID, rule.Name, rule.Priority, conditions, actions, rule.IsSystem, rule.IsEnabled,
		rule.TemplateVersion, rule.CreatedAt, rule.UpdatedAt,
	).Scan(&rule.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting rule %s: %w", rule.ID, err)
	}
	return nil
}

func (r rules) Update(ctx context.Context, rule models.Rule) error {
	conditions, err := marshalJSON(rule.Conditions)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE rules SET name = $2, priority = $3, conditions = $4, actions = $5,
			is_system = $6, is_enabled = $7, template_version = $8, updated_at = $9
		WHERE id = $1`,
		rule.ID, rule.Name, rule.Priority, conditions, actions,
		rule.IsSystem, rule.IsEnabled, rule.TemplateVersion, rule.UpdatedAt,
	)
	return affected(tag, err, "rule "+rule.ID, store.ErrNotFound)
}

func (r rules) Delete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	return affected(tag, err, "rule "+id, store.ErrNotFound)
}

func (r rules) DeleteAll(ctx context.Context) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("deleting rules: %w", err)
	}
	return nil
}

func (r rules) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rules: %w", err)
	}
	return n, nil
}

func (r rules) TemplateVersion(ctx context.Context) (int, error) {
	var value string
	err := r.q.QueryRow(ctx, `SELECT value FROM rule_meta WHERE key = $1`, templateVersionKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading template version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing template version %q: %w", value, err)
	}
	return v, nil
}

func (r rules) SetTemplateVersion(ctx context.Context, version int) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO rule_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		templateVersionKey, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("writing template version: %w", err)
	}
	return nil
}

type applications struct{ q querier }

func (r applications) Insert(ctx context.Context, app models.RuleApplication) error {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO rule_applications (fingerprint, rule_id, applied_at, category, subcategory, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fingerprint) DO NOTHING`,
		app.Fingerprint, app.RuleID, app.AppliedAt, app.Category, app.Subcategory, app.TransactionID)
	return affected(tag, err, "rule application "+app.Fingerprint, store.ErrConflict)
}

func (r applications) Get(ctx context.Context, fingerprint string) (models.RuleApplication, error) {
	var app models.RuleApplication
	err := r.q.QueryRow(ctx, `
		SELECT fingerprint, rule_id, applied_at, category, subcategory, transaction_id
		FROM rule_applications WHERE fingerprint = $1`, fingerprint,
	).Scan(&app.Fingerprint, &app.RuleID, &app.AppliedAt, &app.Category, &app.Subcategory, &app.TransactionID)
	if err != nil {
		return models.RuleApplication{}, notFound(err, "rule application "+fingerprint)
	}
	app.AppliedAt = app.AppliedAt.UTC()
	return app, nil
}

type mappings struct{ q querier }

func scanMapping(row pgx.Row) (models.MerchantMapping, error) {
	var m models.MerchantMapping
	var origin string
	if err := row.Scan(&m.MerchantKey, &m.Category, &m.Subcategory, &origin, &m.UpdatedAt); err != nil {
		return models.MerchantMapping{}, err
	}
	m.Origin = models.MappingOrigin(origin)
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (r mappings) Get(ctx context.Context, key string) (models.MerchantMapping, error) {
	m, err := scanMapping(r.q.QueryRow(ctx, `
		SELECT merchant_key, category, subcategory, origin, updated_at
		FROM merchant_mappings WHERE merchant_key = $1`, key))
	if err != nil {
		return models.MerchantMapping{}, notFound(err, "merchant mapping "+key)
	}
	return m, nil
}

// Put upserts the mapping. An auto-learned write never replaces a
// user-confirmed row, even when two writers race.
func (r mappings) Put(ctx context.Context, m models.MerchantMapping) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO merchant_mappings (merchant_key, category, subcategory, origin, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (merchant_key) DO UPDATE SET
			category = EXCLUDED.category,
			subcategory = EXCLUDED.subcategory,
			origin = EXCLUDED.origin,
			updated_at = EXCLUDED.updated_at
		WHERE merchant_mappings.origin <> $6 OR EXCLUDED.origin = $6`,
		m.MerchantKey, m.Category, m.Subcategory, string(m.Origin), m.UpdatedAt,
		string(models.OriginUserConfirmed))
	if err != nil {
		return fmt.Errorf("writing merchant mapping %s: %w", m.MerchantKey, err)
	}
	return nil
}

func (r mappings) List(ctx context.Context) ([]models.MerchantMapping, error) {
	rows, err := r.q.Query(ctx, `
		SELECT merchant_key, category, subcategory, origin, updated_at
		FROM merchant_mappings ORDER BY merchant_key`)
	if err != nil {
		return nil, fmt.Errorf("querying merchant mappings: %w", err)
	}
	defer rows.Close()

	var out []models.MerchantMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning merchant mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type transactions struct{ q querier }

const transactionColumns = `id, source_fingerprint, amount::text, currency, merchant, category,
	subcategory, transaction_type, recurring, occurred_at, sender, rule_id,
	normalized_amount::text, base_currency, rate_used::text, rate_stale, created_at`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var (
		t                        models.Transaction
		amount, normalized, rate string
		txType                   string
	)
	if err := row.Scan(&t.ID, &t.SourceFingerprint, &amount, &t.Currency, &t.Merchant, &t.Category,
		&t.Subcategory, &txType, &t.Recurring, &t.Timestamp, &t.Sender, &t.RuleID,
		&normalized, &t.BaseCurrency, &rate, &t.RateStale, &t.CreatedAt); err != nil {
		return models.Transaction{}, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return models.Transaction{}, fmt.Errorf("parsing amount of %s: %w", t.ID, err)
	}
	if t.NormalizedAmount, err = decimal.NewFromString(normalized); err != nil {
		return models.Transaction{}, fmt.Errorf("parsing normalized amount of %s: %w", t.ID, err)
	}
	if t.RateUsed, err = decimal.NewFromString(rate); err != nil {
		return models.Transaction{}, fmt.Errorf("parsing rate of %s: %w", t.ID, err)
	}
	t.TransactionType = models.TransactionType(txType)
	t.Timestamp = t.Timestamp.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (r transactions) Insert(ctx context.Context, t models.Transaction) error {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO transactions (id, source_fingerprint, amount, currency, merchant, category,
			subcategory, transaction_type, recurring, occurred_at, sender, rule_id,
			normalized_amount, base_currency, rate_used, rate_stale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING`,
		t.ID, t.SourceFingerprint, t.Amount.String(), t.Currency, t.Merchant, t.Category,
		t.Subcategory, string(t.TransactionType), t.Recurring, t.Timestamp, t.Sender, t.RuleID,
		t.NormalizedAmount.String(), t.BaseCurrency, t.RateUsed.String(), t.RateStale, t.CreatedAt,
	)
	return affected(tag, err, "transaction for "+t.SourceFingerprint, store.ErrConflict)
}

func (r transactions) Get(ctx context.Context, id string) (models.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return models.Transaction{}, notFound(err, "transaction "+id)
	}
	return t, nil
}

func (r transactions) Update(ctx context.Context, t models.Transaction) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE transactions SET merchant = $2, category = $3, subcategory = $4,
			transaction_type = $5, recurring = $6, rule_id = $7
		WHERE id = $1`,
		t.ID, t.Merchant, t.Category, t.Subcategory, string(t.TransactionType), t.Recurring, t.RuleID)
	return affected(tag, err, "transaction "+t.ID, store.ErrNotFound)
}

func (r transactions) List(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := r.q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE ($1::text = '' OR category = $1)
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`, filter.Category, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type unrecognized struct{ q querier }

const unrecognizedColumns = `id, fingerprint, raw_text, sender, received_at, state, reason,
	created_at, resolved_at, transaction_id`

func scanUnrecognized(row pgx.Row) (models.UnrecognizedMessage, error) {
	var (
		m     models.UnrecognizedMessage
		state string
	)
	if err := row.Scan(&m.ID, &m.Fingerprint, &m.RawText, &m.Sender, &m.ReceivedAt, &state, &m.Reason,
		&m.CreatedAt, &m.ResolvedAt, &m.TransactionID); err != nil {
		return models.UnrecognizedMessage{}, err
	}
	m.State = models.ResolutionState(state)
	m.ReceivedAt = m.ReceivedAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ResolvedAt != nil {
		at := m.ResolvedAt.UTC()
		m.ResolvedAt = &at
	}
	return m, nil
}

func (r unrecognized) Insert(ctx context.Context, m models.UnrecognizedMessage) error {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO unrecognized_messages (id, fingerprint, raw_text, sender, received_at, state,
			reason, created_at, resolved_at, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		m.ID, m.Fingerprint, m.RawText, m.Sender, m.ReceivedAt, string(m.State),
		m.Reason, m.CreatedAt, m.ResolvedAt, m.TransactionID)
	return affected(tag, err, "unrecognized message "+m.Fingerprint, store.ErrConflict)
}

func (r unrecognized) Get(ctx context.Context, id string) (models.UnrecognizedMessage, error) {
	m, err := scanUnrecognized(r.q.QueryRow(ctx, `SELECT `+unrecognizedColumns+` FROM unrecognized_messages WHERE id = $1`, id))
	if err != nil {
		return models.UnrecognizedMessage{}, notFound(err, "unrecognized message "+id)
	}
	return m, nil
}

func (r unrecognized) FindByFingerprint(ctx context.Context, fingerprint string) (models.UnrecognizedMessage, error) {
	m, err := scanUnrecognized(r.q.QueryRow(ctx, `SELECT `+unrecognizedColumns+` FROM unrecognized_messages WHERE fingerprint = $1`, fingerprint))
	if err != nil {
		return models.UnrecognizedMessage{}, notFound(err, "unrecognized message "+fingerprint)
	}
	return m, nil
}

func (r unrecognized) Update(ctx context.Context, m models.UnrecognizedMessage) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE unrecognized_messages SET state = $2, reason = $3, resolved_at = $4, transaction_id = $5
		WHERE id = $1`,
		m.ID, string(m.State), m.Reason, m.ResolvedAt, m.TransactionID)
	return affected(tag, err, "unrecognized message "+m.ID, store.ErrNotFound)
}

func (r unrecognized) List(ctx context.Context, state models.ResolutionState) ([]models.UnrecognizedMessage, error) {
	rows, err := r.q.Query(ctx, `SELECT `+unrecognizedColumns+` FROM unrecognized_messages
		WHERE ($1::text = '' OR state = $1)
		ORDER BY received_at, id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("querying unrecognized messages: %w", err)
	}
	defer rows.Close()

	var out []models.UnrecognizedMessage
	for rows.Next() {
		m, err := scanUnrecognized(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unrecognized message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rates struct{ q querier }

func (r rates) Put(ctx context.Context, e models.ExchangeRateEntry) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO exchange_rates (base, quote, rate, fetched_at, ttl_ms, source, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (base, quote) DO UPDATE SET
			rate = EXCLUDED.rate,
			fetched_at = EXCLUDED.fetched_at,
			ttl_ms = EXCLUDED.ttl_ms,
			source = EXCLUDED.source,
			last_error = EXCLUDED.last_error`,
		e.Base, e.Quote, e.Rate.String(), e.FetchedAt, e.TTL.Milliseconds(), e.Source, e.LastError)
	if err != nil {
		return fmt.Errorf("writing rate %s: %w", e.Pair(), err)
	}
	return nil
}

func (r rates) List(ctx context.Context) ([]models.ExchangeRateEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT base, quote, rate::text, fetched_at, ttl_ms, source, last_error
		FROM exchange_rates ORDER BY base, quote`)
	if err != nil {
		return nil, fmt.Errorf("querying rates: %w", err)
	}
	defer rows.Close()

	var out []models.ExchangeRateEntry
	for rows.Next() {
		var (
			e     models.ExchangeRateEntry
			rate  string
			ttlMS int64
		)
		if err := rows.Scan(&e.Base, &e.Quote, &rate, &e.FetchedAt, &ttlMS, &e.Source, &e.LastError); err != nil {
			return nil, fmt.Errorf("scanning rate: %w", err)
		}
		if e.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("parsing rate %s/%s: %w", e.Base, e.Quote, err)
		}
		e.TTL = time.Duration(ttlMS) * time.Millisecond
		e.FetchedAt = e.FetchedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

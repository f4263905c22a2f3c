// Package postgres provides a PostgreSQL-backed store.Store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fjacquet/sms-ledger/internal/config"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/store"
)

//go:embed 001_create_ledger.sql
var migrationSQL string

const templateVersionKey = "template_version"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists the ledger in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// Open connects to the database and, when configured, applies the schema.
func Open(ctx context.Context, cfg config.PostgresConfig, logger logging.Logger) (*Store, error) {
	logger = logging.OrDiscard(logger)

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		logging.F("database", poolConfig.ConnConfig.Database),
		logging.F("max_conns", poolConfig.MaxConns))

	s := &Store{pool: pool, logger: logger}
	if cfg.MigrateOnStart {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Info("running database migrations")
	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	s.logger.Info("migrations completed successfully")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("closed PostgreSQL connection pool")
	}
	return nil
}

// WithinTx runs fn inside a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// Rollback after Commit is a no-op. It must not depend on ctx, which may
	// already be cancelled.
	defer func() { _ = pgTx.Rollback(context.WithoutCancel(ctx)) }()

	tx := &unitOfWork{q: pgTx}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	tx.hooks.Run()
	return nil
}

func (s *Store) Rules() store.RuleRepository { return rules{s.pool} }
func (s *Store) Applications() store.ApplicationRepository { return applications{s.pool} }
func (s *Store) Mappings() store.MappingRepository { return mappings{s.pool} }
func (s *Store) Transactions() store.TransactionRepository { return transactions{s.pool} }
func (s *Store) Unrecognized() store.UnrecognizedRepository { return unrecognized{s.pool} }
func (s *Store) Rates() store.RateRepository { return rates{s.pool} }

type unitOfWork struct {
	q     pgx.Tx
	hooks store.HookList
}

func (t *unitOfWork) AfterCommit(fn func()) { t.hooks.Add(fn) }

func (t *unitOfWork) Rules() store.RuleRepository { return rules{t.q} }
func (t *unitOfWork) Applications() store.ApplicationRepository { return applications{t.q} }
func (t *unitOfWork) Mappings() store.MappingRepository { return mappings{t.q} }
func (t *unitOfWork) Transactions() store.TransactionRepository { return transactions{t.q} }
func (t *unitOfWork) Unrecognized() store.UnrecognizedRepository { return unrecognized{t.q} }
func (t *unitOfWork) Rates() store.RateRepository { return rates{t.q} }

// notFound maps pgx.ErrNoRows to store.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("querying %s: %w", what, err)
}

// affected turns a zero-row write into err.
func affected(tag pgconn.CommandTag, err error, what string, zero error) error {
	if err != nil {
		return fmt.Errorf("writing %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, zero)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding json: %w", err)
	}
	return data, nil
}

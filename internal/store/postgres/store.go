// Package postgres is the PostgreSQL billing.Store. Queries are built with
// squirrel and run through pgx; row locks come from SELECT ... FOR UPDATE
// inside the transaction opened by InTx.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
	"github.com/dmitrymomot/tokenbill/pkg/pg"
	"github.com/dmitrymomot/tokenbill/svc/billing"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const defaultTxAttempts = 3

// Store implements billing.Store on top of a pgx pool.
type Store struct {
	db       pg.DB
	log      *slog.Logger
	attempts int
}

// Option configures Store.
type Option func(*Store)

// WithTxAttempts sets how many times a transaction that failed with a
// serialization error or deadlock is run before giving up.
func WithTxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New panics on a nil db: a store without a connection is a wiring bug.
func New(db pg.DB, log *slog.Logger, opts ...Option) *Store {
	if db == nil {
		panic("postgres: db is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Store{db: db, log: log, attempts: defaultTxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn in a transaction, retrying on serialization failures.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			return fn(ctx, &txStore{q: tx})
		})
		if !pg.IsSerializationError(err) || attempt == s.attempts {
			return err
		}
		s.log.WarnContext(ctx, "retrying transaction after serialization failure",
			logger.RetryCount(attempt), logger.Error(err))
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

// txStore implements billing.Tx against one open transaction.
type txStore struct {
	q pg.Querier
}

var _ billing.Store = (*Store)(nil)
var _ billing.Tx = (*txStore)(nil)

func (t *txStore) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txStore) queryRow(ctx context.Context, b sq.Sqlizer) (pgx.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return t.q.QueryRow(ctx, query, args...), nil
}

func (t *txStore) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return t.q.Query(ctx, query, args...)
}

// notFound maps pgx.ErrNoRows to target and passes every other error through.
func notFound(err, target error) error {
	if pg.IsNotFoundError(err) {
		return target
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

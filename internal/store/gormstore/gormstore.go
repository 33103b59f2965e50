// Package gormstore implements store.Store on PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trustgate/internal/store"
)

// Postgres error codes that mean "run the transaction again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type Store struct {
	db   *gorm.DB
	inTx bool

	maxRetries uint64
	backoff    time.Duration
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn with error translation enabled so unique violations
// surface as gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return db, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, maxRetries: 3, backoff: 20 * time.Millisecond}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Users() store.UserRepository     { return &userRepo{db: s.db} }
func (s *Store) Devices() store.DeviceRepository { return &deviceRepo{db: s.db} }
func (s *Store) Tokens() store.TokenRepository   { return &tokenRepo{db: s.db} }
func (s *Store) Audit() store.AuditRepository    { return &auditRepo{db: s.db} }

// WithinTx runs fn inside a gorm transaction. A top-level transaction that
// fails with a serialization failure or deadlock is retried with exponential
// backoff; nested calls join the outer transaction through a savepoint.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	run := func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(ctx, &Store{db: tx, inTx: true, maxRetries: s.maxRetries, backoff: s.backoff})
		})
	}
	if s.inTx {
		return run(ctx)
	}

	b := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.backoff))
	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		last = run(ctx)
		if isRetryable(last) {
			return retry.RetryableError(last)
		}
		return last
	})
	if err != nil && last != nil {
		// go-retry wraps the final attempt; hand back the original error so
		// callers keep their typed errors.
		return last
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

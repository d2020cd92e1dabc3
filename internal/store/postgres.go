package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/clock"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS payment_attempts (
	id                TEXT PRIMARY KEY,
	booking_reference TEXT NOT NULL,
	customer_id       TEXT NOT NULL,
	customer_name     TEXT NOT NULL,
	customer_email    TEXT NOT NULL,
	amount            NUMERIC(14,2) NOT NULL,
	currency          TEXT NOT NULL,
	status            TEXT NOT NULL,
	payment_method    TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL DEFAULT '',
	transaction_id    TEXT UNIQUE,
	failure_reason    TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS payment_attempts_one_pending
	ON payment_attempts (booking_reference) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS payment_attempts_created_at ON payment_attempts (created_at);

CREATE TABLE IF NOT EXISTS payments (
	transaction_id    TEXT PRIMARY KEY,
	booking_reference TEXT NOT NULL,
	customer_id       TEXT NOT NULL,
	customer_name     TEXT NOT NULL,
	customer_email    TEXT NOT NULL,
	amount            NUMERIC(14,2) NOT NULL,
	currency          TEXT NOT NULL,
	payment_method    TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	payment_date      TIMESTAMPTZ NOT NULL,
	card_last4        TEXT NOT NULL DEFAULT '',
	card_brand        TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS payments_one_success
	ON payments (booking_reference) WHERE status = 'success';

CREATE TABLE IF NOT EXISTS payment_conflicts (
	transaction_id    TEXT PRIMARY KEY,
	booking_reference TEXT NOT NULL,
	provider          TEXT NOT NULL,
	local_status      TEXT NOT NULL,
	provider_status   TEXT NOT NULL,
	detected_at       TIMESTAMPTZ NOT NULL
);
`

const attemptColumns = `id, booking_reference, customer_id, customer_name, customer_email,
	amount, currency, status, payment_method, provider, transaction_id, failure_reason,
	created_at, updated_at`

// DBConfig describes how to reach Postgres.
type DBConfig struct {
	URL         string
	MaxAttempts int
	RetryDelay  time.Duration
}

// OpenPostgres opens a connection pool and waits for the server to accept
// connections, retrying up to cfg.MaxAttempts times.
func OpenPostgres(ctx context.Context, cfg DBConfig, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	for i := 1; i <= cfg.MaxAttempts; i++ {
		logger.Info("connecting to database", zap.Int("attempt", i), zap.Int("max_attempts", cfg.MaxAttempts))
		if err = db.PingContext(ctx); err == nil {
			logger.Info("database connected")
			return db, nil
		}
		logger.Warn("database not ready", zap.Error(err), zap.Duration("retry_in", cfg.RetryDelay))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	db.Close()
	return nil, fmt.Errorf("store: database unreachable after %d attempts: %w", cfg.MaxAttempts, err)
}

// PostgresStore is the durable TransactionStore. Read-modify-write operations
// lock the attempt row so concurrent writers for one transaction serialise.
type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewPostgresStore wraps db. A nil clock uses wall time.
func NewPostgresStore(db *sql.DB, c clock.Clock) *PostgresStore {
	if c == nil {
		c = clock.Real{}
	}
	return &PostgresStore{db: db, clock: c}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateAttempt implements TransactionStore.
func (s *PostgresStore) CreateAttempt(ctx context.Context, bookingRef string, details AttemptDetails) (string, error) {
	id := uuid.NewString()
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO payment_attempts (id, booking_reference, customer_id, customer_name, customer_email,
		amount, currency, status, payment_method, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		id, bookingRef, details.CustomerID, details.CustomerName, details.CustomerEmail,
		details.Amount.Round(2), details.Currency, string(adapter.StatusPending), details.PaymentMethod, now,
	)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateActiveAttempt, bookingRef)
	}
	if err != nil {
		return "", fmt.Errorf("store: create attempt: %w", err)
	}
	return id, nil
}

// AssignTransaction implements TransactionStore.
func (s *PostgresStore) AssignTransaction(ctx context.Context, attemptID, transactionID, provider string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT transaction_id FROM payment_attempts WHERE id = $1 FOR UPDATE`, attemptID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownAttempt, attemptID)
		}
		if err != nil {
			return err
		}
		if current.Valid {
			if current.String == transactionID {
				return nil
			}
			return fmt.Errorf("%w: attempt %s already has %s", ErrTransactionAssigned, attemptID, current.String)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE payment_attempts SET transaction_id = $2, provider = $3, updated_at = $4 WHERE id = $1`,
			attemptID, transactionID, provider, s.clock.Now(),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrTransactionAssigned, transactionID)
		}
		return err
	})
}

// AbandonAttempt implements TransactionStore.
func (s *PostgresStore) AbandonAttempt(ctx context.Context, attemptID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE payment_attempts SET status = $2, failure_reason = $3, updated_at = $4
	WHERE id = $1 AND status = 'pending'`,
		attemptID, string(adapter.StatusFailed), reason, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("store: abandon attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE id = $1)`, attemptID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("store: abandon attempt: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAttempt, attemptID)
	}
	return nil
}

// UpdateStatus implements TransactionStore.
func (s *PostgresStore) UpdateStatus(ctx context.Context, transactionID string, status adapter.Status, extra *StatusExtra) (Attempt, error) {
	if !status.Valid() {
		return Attempt{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var out Attempt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := lockByTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if a.Status == status || !adapter.CanTransition(a.Status, status) {
			out = a
			return nil
		}

		a.Status = status
		if extra != nil {
			if extra.PaymentMethod != "" {
				a.PaymentMethod = extra.PaymentMethod
			}
			if extra.Reason != "" {
				a.FailureReason = extra.Reason
			}
		}
		a.UpdatedAt = s.clock.Now()
		_, err = tx.ExecContext(ctx, `
		UPDATE payment_attempts SET status = $2, payment_method = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1`,
			a.ID, string(a.Status), a.PaymentMethod, a.FailureReason, a.UpdatedAt,
		)
		out = a
		return err
	})
	if err != nil {
		return Attempt{}, err
	}
	return out, nil
}

// FinalizeSuccess implements TransactionStore.
func (s *PostgresStore) FinalizeSuccess(ctx context.Context, transactionID string, details PaymentDetails) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := lockByTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		var done bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE transaction_id = $1)`, transactionID,
		).Scan(&done); err != nil {
			return err
		}
		if done {
			return nil
		}
		if a.Status != adapter.StatusPending && a.Status != adapter.StatusSuccess {
			return fmt.Errorf("%w: %s is %s", ErrStatusConflict, transactionID, a.Status)
		}

		now := s.clock.Now()
		if details.PaymentMethod != "" {
			a.PaymentMethod = details.PaymentMethod
		}
		paidAt := details.PaymentDate
		if paidAt.IsZero() {
			paidAt = now
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (transaction_id, booking_reference, customer_id, customer_name, customer_email,
			amount, currency, payment_method, status, payment_date, card_last4, card_brand)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			transactionID, a.BookingReference, a.CustomerID, a.CustomerName, a.CustomerEmail,
			a.Amount, a.Currency, a.PaymentMethod, string(adapter.StatusSuccess), paidAt,
			details.CardLast4, details.CardBrand,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrBookingAlreadyPaid, a.BookingReference)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
		UPDATE payment_attempts SET status = $2, payment_method = $3, updated_at = $4 WHERE id = $1`,
			a.ID, string(adapter.StatusSuccess), a.PaymentMethod, now,
		)
		return err
	})
}

// GetByBookingReference implements TransactionStore.
func (s *PostgresStore) GetByBookingReference(ctx context.Context, bookingRef string) ([]Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE booking_reference = $1 ORDER BY created_at, id`,
		bookingRef,
	)
}

// GetByTransactionID implements TransactionStore.
func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE transaction_id = $1`, transactionID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	return a, err
}

// GetPayment implements TransactionStore.
func (s *PostgresStore) GetPayment(ctx context.Context, transactionID string) (Payment, error) {
	var p Payment
	var status string
	err := s.db.QueryRowContext(ctx, `
	SELECT transaction_id, booking_reference, customer_id, customer_name, customer_email,
		amount, currency, payment_method, status, payment_date, card_last4, card_brand
	FROM payments WHERE transaction_id = $1`, transactionID,
	).Scan(
		&p.TransactionID, &p.BookingReference, &p.CustomerID, &p.CustomerName, &p.CustomerEmail,
		&p.Amount, &p.Currency, &p.PaymentMethod, &status, &p.PaymentDate, &p.CardLast4, &p.CardBrand,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, transactionID)
	}
	if err != nil {
		return Payment{}, err
	}
	p.Status = adapter.Status(status)
	p.PaymentDate = p.PaymentDate.UTC()
	return p, nil
}

// ListAttempts implements TransactionStore.
func (s *PostgresStore) ListAttempts(ctx context.Context, from, to time.Time) ([]Attempt, error) {
	var lower, upper sql.NullTime
	if !from.IsZero() {
		lower = sql.NullTime{Time: from, Valid: true}
	}
	if !to.IsZero() {
		upper = sql.NullTime{Time: to, Valid: true}
	}
	return s.queryAttempts(ctx, `
	SELECT `+attemptColumns+` FROM payment_attempts
	WHERE ($1::timestamptz IS NULL OR created_at >= $1)
	  AND ($2::timestamptz IS NULL OR created_at < $2)
	ORDER BY created_at, id`, lower, upper)
}

// RecordConflict implements TransactionStore.
func (s *PostgresStore) RecordConflict(ctx context.Context, c Conflict) (bool, error) {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.clock.Now()
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO payment_conflicts (transaction_id, booking_reference, provider, local_status, provider_status, detected_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (transaction_id) DO NOTHING`,
		c.TransactionID, c.BookingReference, c.Provider, string(c.LocalStatus), string(c.ProviderStatus), c.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: record conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record conflict: %w", err)
	}
	return n == 1, nil
}

// ListConflicts implements TransactionStore.
func (s *PostgresStore) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT transaction_id, booking_reference, provider, local_status, provider_status, detected_at
	FROM payment_conflicts ORDER BY detected_at, transaction_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Conflict{}
	for rows.Next() {
		var c Conflict
		var local, remote string
		if err := rows.Scan(&c.TransactionID, &c.BookingReference, &c.Provider, &local, &remote, &c.DetectedAt); err != nil {
			return nil, err
		}
		c.LocalStatus = adapter.Status(local)
		c.ProviderStatus = adapter.Status(remote)
		c.DetectedAt = c.DetectedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) queryAttempts(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func lockByTransaction(ctx context.Context, tx *sql.Tx, transactionID string) (Attempt, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE transaction_id = $1 FOR UPDATE`, transactionID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var status string
	var txID sql.NullString
	err := row.Scan(
		&a.ID, &a.BookingReference, &a.CustomerID, &a.CustomerName, &a.CustomerEmail,
		&a.Amount, &a.Currency, &status, &a.PaymentMethod, &a.Provider, &txID, &a.FailureReason,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Attempt{}, err
	}
	a.Status = adapter.Status(status)
	a.TransactionID = txID.String
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

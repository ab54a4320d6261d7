package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	pgUniqueViolation = "23505"
)

// Schema is the DDL the store expects. Applying it is the deployment
// pipeline's responsibility; it is kept here as the single source of truth
// for what the queries below assume.
const Schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id                 UUID PRIMARY KEY,
    external_reference TEXT,
    amount             BIGINT NOT NULL CHECK (amount > 0),
    currency           TEXT NOT NULL,
    payer_msisdn       TEXT NOT NULL,
    account_reference  TEXT NOT NULL DEFAULT '',
    state              TEXT NOT NULL,
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    receipt            TEXT NOT NULL DEFAULT '',
    result_code        TEXT,
    result_desc        TEXT,
    created_at         TIMESTAMPTZ NOT NULL,
    last_transition_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_external_reference
    ON transactions (external_reference)
    WHERE external_reference IS NOT NULL;

CREATE INDEX IF NOT EXISTS ix_transactions_unresolved
    ON transactions (last_transition_at)
    WHERE state IN ('PENDING', 'UNKNOWN');

CREATE TABLE IF NOT EXISTS transaction_events (
    id             BIGSERIAL PRIMARY KEY,
    transaction_id UUID NOT NULL REFERENCES transactions (id),
    from_state     TEXT NOT NULL,
    to_state       TEXT NOT NULL,
    source         TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    confidence     TEXT NOT NULL,
    result_code    TEXT NOT NULL DEFAULT '',
    result_desc    TEXT NOT NULL DEFAULT '',
    receipt        TEXT NOT NULL DEFAULT '',
    observed_at    TIMESTAMPTZ NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_transaction_events_transaction_id
    ON transaction_events (transaction_id);
`

// PostgresConfig holds the connection inputs for the postgres store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *PostgresConfig) initDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
}

// Postgres implements Store on PostgreSQL via the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

// Connect opens a pooled connection and verifies it.
func Connect(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	cfg.initDefaults()

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing pool. Used when the caller manages the
// connection lifecycle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the underlying pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Create persists a freshly constructed transaction.
func (p *Postgres) Create(ctx context.Context, txn *transaction.Transaction) error {
	const query = `
		INSERT INTO transactions (
			id, external_reference, amount, currency, payer_msisdn,
			account_reference, state, attempt_count, receipt,
			result_code, result_desc, created_at, last_transition_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := p.db.ExecContext(ctx, query,
		txn.ID, nullString(txn.ExternalReference), txn.Amount, txn.Currency,
		txn.PayerMSISDN, txn.AccountReference, string(txn.State),
		txn.AttemptCount, txn.Receipt,
		nullResultCode(txn.Result), nullResultDesc(txn.Result),
		txn.CreatedAt, txn.LastTransitionAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ExternalReference)
		}

		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// GetByID loads a transaction by internal identifier.
func (p *Postgres) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return p.getOne(ctx, selectColumns+` FROM transactions WHERE id = $1`, id)
}

// GetByReference loads a transaction by gateway external reference.
func (p *Postgres) GetByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	return p.getOne(ctx, selectColumns+` FROM transactions WHERE external_reference = $1`, reference)
}

// ApplyTransition appends the history entry and updates the current row in
// one database transaction. The row update is guarded by the transition's
// from-state.
func (p *Postgres) ApplyTransition(ctx context.Context, txn *transaction.Transaction, tr transaction.Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	const insertEvent = `
		INSERT INTO transaction_events (
			transaction_id, from_state, to_state, source, outcome,
			confidence, result_code, result_desc, receipt,
			observed_at, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = tx.ExecContext(ctx, insertEvent,
		txn.ID, string(tr.From), string(tr.To), string(tr.Event.Source),
		string(tr.Event.Outcome), string(tr.Event.Confidence),
		tr.Event.ResultCode, tr.Event.ResultDesc, tr.Event.Receipt,
		tr.Event.ObservedAt, tr.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition history: %w", err)
	}

	const updateRow = `
		UPDATE transactions SET
			external_reference = $1, state = $2, receipt = $3,
			result_code = $4, result_desc = $5, last_transition_at = $6
		WHERE id = $7 AND state = $8`

	res, err := tx.ExecContext(ctx, updateRow,
		nullString(txn.ExternalReference), string(txn.State), txn.Receipt,
		nullResultCode(txn.Result), nullResultDesc(txn.Result),
		txn.LastTransitionAt, txn.ID, string(tr.From),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ExternalReference)
		}

		return fmt.Errorf("failed to update transaction state: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: id=%s expected=%s", ErrStaleState, txn.ID, tr.From)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	return nil
}

// RecordAttempt increments the gateway round-trip counter.
func (p *Postgres) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	const query = `
		UPDATE transactions SET attempt_count = attempt_count + 1
		WHERE id = $1
		RETURNING attempt_count`

	var count int

	err := p.db.QueryRowContext(ctx, query, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}

	return count, nil
}

// FindUnresolved returns PENDING/UNKNOWN transactions whose last transition
// happened before olderThan, oldest first.
func (p *Postgres) FindUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error) {
	query := selectColumns + `
		FROM transactions
		WHERE state IN ('PENDING', 'UNKNOWN') AND last_transition_at < $1
		ORDER BY last_transition_at ASC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for unresolved transactions: %w", err)
	}
	defer rows.Close()

	var result []*transaction.Transaction

	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unresolved transactions: %w", err)
	}

	return result, nil
}

// Events returns the transition history for a transaction, oldest first.
func (p *Postgres) Events(ctx context.Context, id uuid.UUID) ([]EventRecord, error) {
	const query = `
		SELECT id, transaction_id, from_state, to_state, source, outcome,
		       confidence, result_code, result_desc, receipt,
		       observed_at, occurred_at
		FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY id ASC`

	rows, err := p.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transition history: %w", err)
	}
	defer rows.Close()

	var events []EventRecord

	for rows.Next() {
		var rec EventRecord

		var fromState, toState, source, outcome, confidence string

		err := rows.Scan(&rec.ID, &rec.TransactionID, &fromState, &toState,
			&source, &outcome, &confidence, &rec.ResultCode, &rec.ResultDesc,
			&rec.Receipt, &rec.ObservedAt, &rec.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		rec.FromState = transaction.State(fromState)
		rec.ToState = transaction.State(toState)
		rec.Source = transaction.Source(source)
		rec.Outcome = transaction.Outcome(outcome)
		rec.Confidence = transaction.Confidence(confidence)

		events = append(events, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}

	return events, nil
}

const selectColumns = `
	SELECT id, external_reference, amount, currency, payer_msisdn,
	       account_reference, state, attempt_count, receipt,
	       result_code, result_desc, created_at, last_transition_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) getOne(ctx context.Context, query string, arg any) (*transaction.Transaction, error) {
	txn, err := scanTransaction(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}

	if err != nil {
		return nil, err
	}

	return txn, nil
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var txn transaction.Transaction

	var reference, resultCode, resultDesc sql.NullString

	var state string

	err := row.Scan(&txn.ID, &reference, &txn.Amount, &txn.Currency,
		&txn.PayerMSISDN, &txn.AccountReference, &state, &txn.AttemptCount,
		&txn.Receipt, &resultCode, &resultDesc, &txn.CreatedAt, &txn.LastTransitionAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}

	txn.ExternalReference = reference.String
	txn.State = transaction.State(state)

	if resultCode.Valid || resultDesc.Valid {
		txn.Result = &transaction.Result{Code: resultCode.String, Description: resultDesc.String}
	}

	return &txn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullResultCode(r *transaction.Result) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: r.Code, Valid: true}
}

func nullResultDesc(r *transaction.Result) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: r.Description, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

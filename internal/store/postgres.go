package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/paylicense/internal/db"
	"github.com/sells-group/paylicense/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to Postgres with retries.
func NewPostgres(ctx context.Context, connString string, cfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_ref TEXT PRIMARY KEY,
	amount          NUMERIC(12,2) NOT NULL,
	credits_awarded INTEGER NOT NULL,
	sender_name     TEXT NOT NULL DEFAULT '',
	issuer_identity TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'issued',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS verification_attempts (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	sender          TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	failure_class   TEXT NOT NULL DEFAULT '',
	transaction_ref TEXT NOT NULL DEFAULT '',
	amount          NUMERIC(12,2),
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	credits         INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON verification_attempts(outcome);
CREATE INDEX IF NOT EXISTS idx_attempts_sender ON verification_attempts(sender);
CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON verification_attempts(created_at DESC);
`

var transactionInsert = db.InsertConfig{
	Table:        "transactions",
	Columns:      []string{"transaction_ref", "amount", "credits_awarded", "sender_name", "issuer_identity", "status", "created_at"},
	ConflictKeys: []string{"transaction_ref"},
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, ref string) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	var amount, status string
	err := s.pool.QueryRow(ctx,
		`SELECT transaction_ref, amount::text, credits_awarded, sender_name, issuer_identity, status, created_at FROM transactions WHERE transaction_ref = $1`,
		ref,
	).Scan(&rec.TransactionRef, &amount, &rec.CreditsAwarded, &rec.SenderName, &rec.IssuerIdentity, &status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get transaction")
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, eris.Wrap(err, "postgres: parse amount")
	}
	rec.Status = model.TransactionStatus(status)
	return &rec, nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, rec model.TransactionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.TransactionStatusIssued
	}
	inserted, err := db.InsertIgnore(ctx, s.pool, transactionInsert, []any{
		rec.TransactionRef, rec.Amount.String(), rec.CreditsAwarded, rec.SenderName,
		rec.IssuerIdentity, string(rec.Status), rec.CreatedAt,
	})
	if err != nil {
		return eris.Wrap(err, "postgres: insert transaction")
	}
	if !inserted {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *model.VerificationAttempt) error {
	prepareAttempt(a)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_attempts (id, sender, outcome, failure_class, transaction_ref, amount, confidence, credits, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Sender, string(a.Outcome), string(a.FailureClass), a.TransactionRef, amountArg(a.Amount),
		a.Confidence, a.Credits, a.Detail, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert attempt")
}

func (s *PostgresStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.VerificationAttempt, error) {
	query := `SELECT id, sender, outcome, failure_class, transaction_ref, amount::text, confidence, credits, detail, created_at FROM verification_attempts WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Outcome != "" {
		query += fmt.Sprintf(` AND outcome = $%d`, argIdx)
		args = append(args, string(filter.Outcome))
		argIdx++
	}
	if filter.Sender != "" {
		query += fmt.Sprintf(` AND sender = $%d`, argIdx)
		args = append(args, filter.Sender)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.VerificationAttempt
	for rows.Next() {
		var a model.VerificationAttempt
		var outcome, class string
		var amount *string
		if err := rows.Scan(&a.ID, &a.Sender, &outcome, &class, &a.TransactionRef, &amount,
			&a.Confidence, &a.Credits, &a.Detail, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Outcome = model.Outcome(outcome)
		a.FailureClass = model.FailureClass(class)
		if a.Amount, err = parseAmount(amount); err != nil {
			return nil, eris.Wrap(err, "postgres: parse attempt amount")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// prepareAttempt fills the generated fields.
func prepareAttempt(a *model.VerificationAttempt) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}

func amountArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseAmount(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/paylicense/internal/model"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single writer connection keeps them
	// applied and serializes inserts.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_ref TEXT PRIMARY KEY,
	amount          TEXT NOT NULL,
	credits_awarded INTEGER NOT NULL,
	sender_name     TEXT NOT NULL DEFAULT '',
	issuer_identity TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'issued',
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_attempts (
	id              TEXT PRIMARY KEY,
	sender          TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	failure_class   TEXT NOT NULL DEFAULT '',
	transaction_ref TEXT NOT NULL DEFAULT '',
	amount          TEXT,
	confidence      REAL NOT NULL DEFAULT 0,
	credits         INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON verification_attempts(outcome);
CREATE INDEX IF NOT EXISTS idx_attempts_sender ON verification_attempts(sender);
CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON verification_attempts(created_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, ref string) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	var amount, status, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT transaction_ref, amount, credits_awarded, sender_name, issuer_identity, status, created_at FROM transactions WHERE transaction_ref = ?`,
		ref,
	).Scan(&rec.TransactionRef, &amount, &rec.CreditsAwarded, &rec.SenderName, &rec.IssuerIdentity, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get transaction")
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse amount")
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse created_at")
	}
	rec.Status = model.TransactionStatus(status)
	return &rec, nil
}

func (s *SQLiteStore) InsertTransaction(ctx context.Context, rec model.TransactionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.TransactionStatusIssued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (transaction_ref, amount, credits_awarded, sender_name, issuer_identity, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (transaction_ref) DO NOTHING`,
		rec.TransactionRef, rec.Amount.String(), rec.CreditsAwarded, rec.SenderName,
		rec.IssuerIdentity, string(rec.Status), rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.VerificationAttempt) error {
	prepareAttempt(a)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_attempts (id, sender, outcome, failure_class, transaction_ref, amount, confidence, credits, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Sender, string(a.Outcome), string(a.FailureClass), a.TransactionRef, amountArg(a.Amount),
		a.Confidence, a.Credits, a.Detail, a.CreatedAt.UTC().Format(timeLayout),
	)
	return eris.Wrap(err, "sqlite: insert attempt")
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.VerificationAttempt, error) {
	query := `SELECT id, sender, outcome, failure_class, transaction_ref, amount, confidence, credits, detail, created_at FROM verification_attempts WHERE 1=1`
	var args []any

	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.Sender != "" {
		query += ` AND sender = ?`
		args = append(args, filter.Sender)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.VerificationAttempt
	for rows.Next() {
		var a model.VerificationAttempt
		var outcome, class, created string
		var amount sql.NullString
		if err := rows.Scan(&a.ID, &a.Sender, &outcome, &class, &a.TransactionRef, &amount,
			&a.Confidence, &a.Credits, &a.Detail, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Outcome = model.Outcome(outcome)
		a.FailureClass = model.FailureClass(class)
		if amount.Valid {
			if a.Amount, err = parseAmount(&amount.String); err != nil {
				return nil, eris.Wrap(err, "sqlite: parse attempt amount")
			}
		}
		if a.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse created_at")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

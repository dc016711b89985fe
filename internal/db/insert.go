package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes a single-row insert guarded by a unique constraint.
type InsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns being inserted, in value order
	ConflictKeys []string // columns forming the unique constraint
}

// InsertIgnoreSQL builds INSERT ... VALUES ... ON CONFLICT (keys) DO NOTHING.
func InsertIgnoreSQL(cfg InsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: insert: no conflict keys specified")
	}

	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	), nil
}

// InsertIgnore inserts one row and reports whether it was written. false
// means a row with the same conflict keys already exists.
func InsertIgnore(ctx context.Context, q Execer, cfg InsertConfig, values []any) (bool, error) {
	if len(values) != len(cfg.Columns) {
		return false, eris.Errorf("db: insert: %d values for %d columns", len(values), len(cfg.Columns))
	}
	query, err := InsertIgnoreSQL(cfg)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, query, values...)
	if err != nil {
		return false, eris.Wrapf(err, "db: insert into %s", cfg.Table)
	}
	return tag.RowsAffected() == 1, nil
}

// sanitizeTable handles schema-qualified table names like "billing.transactions".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

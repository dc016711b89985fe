// Package store persists issued transactions and verification attempts.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/config"
	"github.com/sells-group/paylicense/internal/db"
	"github.com/sells-group/paylicense/internal/model"
)

// ErrDuplicate is returned by InsertTransaction when the reference already
// has a record.
var ErrDuplicate = eris.New("store: duplicate transaction reference")

// AttemptFilter specifies criteria for listing verification attempts.
type AttemptFilter struct {
	Outcome model.Outcome `json:"outcome,omitempty"`
	Sender  string        `json:"sender,omitempty"`
	Since   time.Time     `json:"since,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}

// TransactionStore is the check/insert contract used by the idempotency guard.
type TransactionStore interface {
	// GetTransaction returns nil, nil when ref has no record.
	GetTransaction(ctx context.Context, ref string) (*model.TransactionRecord, error)
	// InsertTransaction is insert-only; a second insert for the same ref
	// returns ErrDuplicate.
	InsertTransaction(ctx context.Context, rec model.TransactionRecord) error
}

// AttemptStore keeps the operator review log.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *model.VerificationAttempt) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.VerificationAttempt, error)
}

// Store is the full persistence interface.
type Store interface {
	TransactionStore
	AttemptStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, db.PoolConfig{
			MaxConns:       cfg.MaxConns,
			MinConns:       cfg.MinConns,
			ConnectRetries: cfg.ConnectRetries,
		})
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const defaultListLimit = 100

// Package guard enforces at-most-once redemption per transaction reference.
package guard

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/store"
)

// ErrDuplicate reports that the reference was redeemed by an earlier request.
var ErrDuplicate = store.ErrDuplicate

// State is the result of a pre-issue check.
type State string

const (
	StateClear       State = "clear"
	StateDuplicate   State = "duplicate"
	StateUnavailable State = "unavailable"
)

// StorageUnavailableError wraps any storage failure other than not-found or
// a uniqueness conflict.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return "guard: storage unavailable during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// Result is the outcome of Check. Previous is set for StateDuplicate and Err
// for StateUnavailable.
type Result struct {
	State    State
	Previous *model.TransactionRecord
	Err      *StorageUnavailableError
}

// Guard checks and commits transaction records.
type Guard struct {
	store store.TransactionStore
}

// New creates a Guard over s.
func New(s store.TransactionStore) *Guard {
	return &Guard{store: s}
}

// Check looks up ref. It never returns an error; storage failures surface as
// StateUnavailable.
func (g *Guard) Check(ctx context.Context, ref string) Result {
	prev, err := g.store.GetTransaction(ctx, ref)
	if err != nil {
		zap.L().Error("guard: lookup failed", zap.String("ref", ref), zap.Error(err))
		return Result{State: StateUnavailable, Err: &StorageUnavailableError{Op: "check", Err: err}}
	}
	if prev != nil {
		return Result{State: StateDuplicate, Previous: prev}
	}
	return Result{State: StateClear}
}

// Commit inserts rec. A concurrent redemption of the same reference returns
// ErrDuplicate; any other failure is a *StorageUnavailableError.
func (g *Guard) Commit(ctx context.Context, rec model.TransactionRecord) error {
	err := g.store.InsertTransaction(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		zap.L().Warn("guard: lost insert race", zap.String("ref", rec.TransactionRef))
		return ErrDuplicate
	default:
		zap.L().Error("guard: insert failed", zap.String("ref", rec.TransactionRef), zap.Error(err))
		return &StorageUnavailableError{Op: "commit", Err: eris.Wrap(err, "guard: commit")}
	}
}

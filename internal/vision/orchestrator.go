package vision

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/resilience"
)

// DefaultBackoff is the pause after a transient failure.
const DefaultBackoff = 250 * time.Millisecond

// Orchestrator tries the primary pool's credentials in random order, then
// each fallback pool once. Pools are fixed at construction.
type Orchestrator struct {
	primary   Pool
	fallbacks []Pool
	backoff   time.Duration
	breakers  *resilience.ServiceBreakers
	shuffle   func(n int, swap func(i, j int))
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBackoff sets the pause after a transient failure. Zero disables it.
func WithBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = d }
}

// WithBreakers enables per-credential circuit breakers.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(o *Orchestrator) { o.breakers = sb }
}

// WithShuffle replaces the credential shuffle, mainly for tests.
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(o *Orchestrator) { o.shuffle = fn }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// NewOrchestrator creates an Orchestrator. Pools are copied.
func NewOrchestrator(primary Pool, fallbacks []Pool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		primary:   copyPool(primary),
		fallbacks: make([]Pool, 0, len(fallbacks)),
		backoff:   DefaultBackoff,
		shuffle:   rand.Shuffle,
		sleep:     resilience.Sleep,
	}
	for _, p := range fallbacks {
		o.fallbacks = append(o.fallbacks, copyPool(p))
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func copyPool(p Pool) Pool {
	return Pool{ID: p.ID, Credentials: append([]Backend(nil), p.Credentials...)}
}

// Backends lists the pool IDs in the order they are tried.
func (o *Orchestrator) Backends() []string {
	ids := []string{o.primary.ID}
	for _, p := range o.fallbacks {
		ids = append(ids, p.ID)
	}
	return ids
}

type step struct {
	pool  string
	index int
	b     Backend
}

func (o *Orchestrator) plan() []step {
	order := make([]int, len(o.primary.Credentials))
	for i := range order {
		order[i] = i
	}
	o.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	steps := make([]step, 0, len(order)+len(o.fallbacks))
	for _, idx := range order {
		steps = append(steps, step{pool: o.primary.ID, index: idx, b: o.primary.Credentials[idx]})
	}
	for _, p := range o.fallbacks {
		if len(p.Credentials) == 0 {
			continue
		}
		steps = append(steps, step{pool: p.ID, index: 0, b: p.Credentials[0]})
	}
	return steps
}

// Extract returns the first successful provider response for img. When every
// attempt fails the error is an *ExhaustedError.
func (o *Orchestrator) Extract(ctx context.Context, img model.Image) (Result, error) {
	if len(img.Data) == 0 {
		return Result{}, resilience.NewPermanentError(ErrEmptyImage, 0)
	}

	log := zap.L().With(zap.Int("image_bytes", len(img.Data)))
	var attempts []ProviderAttempt
	pause := false

	for _, s := range o.plan() {
		if pause && o.backoff > 0 {
			if err := o.sleep(ctx, o.backoff); err != nil {
				attempts = append(attempts, ProviderAttempt{BackendID: s.pool, CredentialIndex: s.index, Outcome: AttemptTransient, Err: err})
				break
			}
		}
		pause = false

		raw, called, err := o.call(ctx, s, img)
		if err == nil {
			attempts = append(attempts, ProviderAttempt{BackendID: s.pool, CredentialIndex: s.index, Outcome: AttemptSuccess})
			if raw.Backend == "" {
				raw.Backend = s.pool
			}
			return Result{Raw: raw, Attempts: attempts}, nil
		}

		outcome := AttemptPermanent
		if resilience.Classify(err) == resilience.ClassTransient {
			outcome = AttemptTransient
			pause = called
		}
		attempts = append(attempts, ProviderAttempt{BackendID: s.pool, CredentialIndex: s.index, Outcome: outcome, Err: err})
		log.Warn("vision: provider attempt failed",
			zap.String("backend", s.pool),
			zap.Int("credential", s.index),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
	}

	exErr := &ExhaustedError{Class: model.FailureFailed, Attempts: attempts}
	if len(attempts) > 0 && attempts[len(attempts)-1].Outcome == AttemptTransient {
		exErr.Class = model.FailureBusy
	}
	log.Error("vision: all providers exhausted",
		zap.String("class", string(exErr.Class)),
		zap.Int("attempts", len(attempts)),
	)
	return Result{Attempts: attempts}, exErr
}

// call runs one step, honoring its breaker. called is false when the breaker
// skipped the request.
func (o *Orchestrator) call(ctx context.Context, s step, img model.Image) (model.RawResponse, bool, error) {
	start := time.Now()
	submit := func(ctx context.Context) (model.RawResponse, error) {
		return s.b.Submit(ctx, img, Prompt)
	}

	var raw model.RawResponse
	var err error
	if o.breakers != nil {
		cb := o.breakers.Get(breakerName(s.pool, s.index))
		raw, err = resilience.ExecuteVal(ctx, cb, submit)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return model.RawResponse{}, false, resilience.NewTransientError(err, 0)
		}
	} else {
		raw, err = submit(ctx)
	}

	zap.L().Debug("vision: provider call",
		zap.String("backend", s.pool),
		zap.Int("credential", s.index),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		zap.Bool("ok", err == nil),
	)
	return raw, true, err
}

func breakerName(pool string, index int) string {
	return fmt.Sprintf("%s#%d", pool, index)
}

// BreakerStates reports every credential breaker that has seen traffic, keyed
// "<backend>#<index>". It is nil when breakers are disabled.
func (o *Orchestrator) BreakerStates() map[string]string {
	if o.breakers == nil {
		return nil
	}
	states := o.breakers.States()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}

// TrippedCredentials lists, in name order, the credentials whose breaker is
// not closed.
func (o *Orchestrator) TrippedCredentials() []string {
	if o.breakers == nil {
		return nil
	}
	var tripped []string
	for _, name := range o.breakers.Names() {
		if o.breakers.Get(name).State() != resilience.CircuitClosed {
			tripped = append(tripped, name)
		}
	}
	return tripped
}

// Package pipeline turns one payment screenshot into exactly one terminal
// outcome, issuing a license token when every check passes.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/paylicense/internal/credits"
	"github.com/sells-group/paylicense/internal/guard"
	"github.com/sells-group/paylicense/internal/license"
	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/store"
	"github.com/sells-group/paylicense/internal/vision"
)

// Extractor returns a raw provider response for an image.
type Extractor interface {
	Extract(ctx context.Context, img model.Image) (vision.Result, error)
}

// Normalizer converts a raw response into payment fields.
type Normalizer interface {
	Normalize(raw model.RawResponse) (model.ExtractionRecord, error)
}

// Issuer encodes license tokens.
type Issuer interface {
	Encode(ref string, credits int) (string, license.Claims, error)
}

// Guard checks and commits redemptions.
type Guard interface {
	Check(ctx context.Context, ref string) guard.Result
	Commit(ctx context.Context, rec model.TransactionRecord) error
}

// Request is one verification submitted by a chat user.
type Request struct {
	Image model.Image
	// Sender identifies the requester (chat user id); it becomes the
	// issuer identity of the transaction record.
	Sender string
}

// Result is the terminal state of a request. Token, Claims and Credits are
// set only for OutcomeIssued.
type Result struct {
	RequestID    string                   `json:"request_id"`
	Outcome      model.Outcome            `json:"outcome"`
	FailureClass model.FailureClass       `json:"failure_class,omitempty"`
	Message      string                   `json:"message"`
	Extraction   *model.ExtractionRecord  `json:"extraction,omitempty"`
	Backend      string                   `json:"backend,omitempty"`
	Token        string                   `json:"token,omitempty"`
	Claims       *license.Claims          `json:"claims,omitempty"`
	Credits      int                      `json:"credits,omitempty"`
	Previous     *model.TransactionRecord `json:"previous,omitempty"`
	Attempts     []vision.ProviderAttempt `json:"-"`
	Err          error                    `json:"-"`
}

// Coordinator runs the verification state machine. It holds no per-request
// state and is safe for concurrent use.
type Coordinator struct {
	extractor  Extractor
	normalizer Normalizer
	guard      Guard
	issuer     Issuer
	attempts   store.AttemptStore
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAttemptLog records every terminal state for operator review.
func WithAttemptLog(s store.AttemptStore) Option {
	return func(c *Coordinator) { c.attempts = s }
}

// WithClock overrides time.Now for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(ext Extractor, norm Normalizer, g Guard, issuer Issuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		extractor:  ext,
		normalizer: norm,
		guard:      g,
		issuer:     issuer,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Verify runs one request to its terminal state. It never returns an error:
// failures are outcomes.
func (c *Coordinator) Verify(ctx context.Context, req Request) Result {
	res := Result{RequestID: uuid.New().String()}
	log := zap.L().With(zap.String("request_id", res.RequestID), zap.String("sender", req.Sender))
	start := time.Now()

	c.run(ctx, req, &res)

	res.Message = res.Outcome.Message(res.FailureClass)
	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	}
	if res.Extraction != nil {
		fields = append(fields, zap.String("ref", res.Extraction.Ref()), zap.Float64("confidence", res.Extraction.Confidence))
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	if res.Outcome == model.OutcomeIssued {
		log.Info("pipeline: license issued", append(fields, zap.Int("credits", res.Credits))...)
	} else {
		log.Warn("pipeline: verification ended", fields...)
	}

	c.logAttempt(ctx, req, res)
	return res
}

func (c *Coordinator) run(ctx context.Context, req Request, res *Result) {
	// extracting
	vr, err := c.extractor.Extract(ctx, req.Image)
	res.Attempts = vr.Attempts
	if err != nil {
		res.Outcome = model.OutcomeExtractionFailed
		res.FailureClass = model.FailureFailed
		var ex *vision.ExhaustedError
		if errors.As(err, &ex) {
			res.FailureClass = ex.Class
		}
		res.Err = err
		return
	}
	res.Backend = vr.Raw.Backend

	rec, err := c.normalizer.Normalize(vr.Raw)
	if err != nil {
		res.Outcome = model.OutcomeExtractionFailed
		res.FailureClass = model.FailureFailed
		res.Err = err
		return
	}
	res.Extraction = &rec

	// extracted
	switch {
	case !rec.RecipientValid:
		res.Outcome = model.OutcomeRecipientInvalid
		return
	case rec.NeedsReview:
		res.Outcome = model.OutcomeNeedsReview
		return
	case !rec.HasAmount():
		res.Outcome = model.OutcomeAmountMissing
		return
	}

	ref := rec.Ref()
	check := c.guard.Check(ctx, ref)
	switch check.State {
	case guard.StateDuplicate:
		res.Outcome = model.OutcomeDuplicate
		res.Previous = check.Previous
		return
	case guard.StateUnavailable:
		res.Outcome = model.OutcomeStorageUnavailable
		res.Err = check.Err
		return
	}

	// ready
	awarded := credits.Calculate(*rec.Amount)
	if awarded <= 0 {
		res.Outcome = model.OutcomeAmountMissing
		return
	}

	// issuing
	token, claims, err := c.issuer.Encode(ref, awarded)
	if err != nil {
		res.Outcome = model.OutcomeStorageUnavailable
		res.Err = err
		return
	}

	err = c.guard.Commit(ctx, model.TransactionRecord{
		TransactionRef: ref,
		Amount:         *rec.Amount,
		CreditsAwarded: awarded,
		SenderName:     rec.Sender(),
		IssuerIdentity: req.Sender,
		CreatedAt:      c.now().UTC(),
		Status:         model.TransactionStatusIssued,
	})
	switch {
	case err == nil:
		res.Outcome = model.OutcomeIssued
		res.Token = token
		res.Claims = &claims
		res.Credits = awarded
	case errors.Is(err, guard.ErrDuplicate):
		// Lost the race to a concurrent request; the token is discarded.
		res.Outcome = model.OutcomeDuplicate
		if again := c.guard.Check(ctx, ref); again.State == guard.StateDuplicate {
			res.Previous = again.Previous
		}
	default:
		res.Outcome = model.OutcomeStorageUnavailable
		res.Err = err
	}
}

func (c *Coordinator) logAttempt(ctx context.Context, req Request, res Result) {
	if c.attempts == nil {
		return
	}
	a := &model.VerificationAttempt{
		ID:           res.RequestID,
		Sender:       req.Sender,
		Outcome:      res.Outcome,
		FailureClass: res.FailureClass,
		Credits:      res.Credits,
		CreatedAt:    c.now().UTC(),
	}
	var details []string
	if res.Err != nil {
		details = append(details, res.Err.Error())
	}
	if rec := res.Extraction; rec != nil {
		a.TransactionRef = rec.Ref()
		a.Amount = rec.Amount
		a.Confidence = rec.Confidence
		if rec.SchemaViolation != "" {
			details = append(details, "schema: "+rec.SchemaViolation)
		}
	}
	a.Detail = strings.Join(details, "; ")
	// The request context may already be cancelled; the log row still matters.
	if err := c.attempts.CreateAttempt(context.WithoutCancel(ctx), a); err != nil {
		zap.L().Warn("pipeline: failed to record attempt", zap.String("request_id", res.RequestID), zap.Error(err))
	}
}

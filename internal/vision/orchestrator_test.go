package vision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/resilience"
)

var testImage = model.Image{Data: []byte("png-bytes"), MIMEType: "image/png"}

// fakeBackend returns scripted results and counts calls.
type fakeBackend struct {
	mu    sync.Mutex
	name  string
	errs  []error
	text  string
	calls int
	log   *[]string
}

func (f *fakeBackend) Submit(_ context.Context, _ model.Image, prompt string) (model.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.log != nil {
		*f.log = append(*f.log, f.name)
	}
	if prompt == "" {
		return model.RawResponse{}, eris.New("no prompt")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return model.RawResponse{}, err
		}
	}
	return model.RawResponse{Text: f.text, Format: model.RawJSON}, nil
}

func rateLimited() error {
	return resilience.NewTransientError(eris.New("429 too many requests"), 429)
}

func unauthorized() error {
	return resilience.NewPermanentError(eris.New("401 unauthorized"), 401)
}

func noShuffle(int, func(i, j int)) {}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func TestExtract_RotatesPastRateLimitedKeys(t *testing.T) {
	var order []string
	k0 := &fakeBackend{name: "k0", errs: []error{rateLimited()}, log: &order}
	k1 := &fakeBackend{name: "k1", errs: []error{rateLimited()}, log: &order}
	k2 := &fakeBackend{name: "k2", text: `{"amount":10}`, log: &order}
	sl := &sleepRecorder{}

	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{k0, k1, k2}}, nil,
		WithShuffle(noShuffle), WithSleep(sl.sleep), WithBackoff(50*time.Millisecond))

	res, err := o.Extract(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":10}`, res.Raw.Text)
	assert.Equal(t, "anthropic", res.Raw.Backend)
	assert.Equal(t, []string{"k0", "k1", "k2"}, order)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, AttemptTransient, res.Attempts[0].Outcome)
	assert.Equal(t, AttemptTransient, res.Attempts[1].Outcome)
	assert.Equal(t, AttemptSuccess, res.Attempts[2].Outcome)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, sl.calls)
}

func TestExtract_AllTransientIsBusy(t *testing.T) {
	creds := []Backend{
		&fakeBackend{errs: []error{rateLimited()}},
		&fakeBackend{errs: []error{rateLimited()}},
	}
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: creds}, nil, WithSleep((&sleepRecorder{}).sleep))

	_, err := o.Extract(context.Background(), testImage)
	require.Error(t, err)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, model.FailureBusy, ex.Class)
	assert.Len(t, ex.Attempts, 2)
	assert.True(t, resilience.IsTransient(err))
}

func TestExtract_PermanentIsFailedWithoutBackoff(t *testing.T) {
	k0 := &fakeBackend{errs: []error{unauthorized()}}
	k1 := &fakeBackend{errs: []error{unauthorized()}}
	sl := &sleepRecorder{}
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{k0, k1}}, nil, WithSleep(sl.sleep))

	_, err := o.Extract(context.Background(), testImage)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, model.FailureFailed, ex.Class)
	assert.Empty(t, sl.calls)
	assert.Equal(t, 1, k0.calls)
	assert.Equal(t, 1, k1.calls)
}

func TestExtract_LastFailureDecidesClass(t *testing.T) {
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{
		&fakeBackend{errs: []error{unauthorized()}},
		&fakeBackend{errs: []error{rateLimited()}},
	}}, nil, WithShuffle(noShuffle), WithSleep((&sleepRecorder{}).sleep))

	_, err := o.Extract(context.Background(), testImage)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, model.FailureBusy, ex.Class)
	assert.Contains(t, ex.Error(), "anthropic#1")
}

func TestExtract_FallbackUsesFirstCredentialOnce(t *testing.T) {
	var order []string
	primary := &fakeBackend{name: "anthropic", errs: []error{unauthorized()}, log: &order}
	oa0 := &fakeBackend{name: "openai#0", errs: []error{rateLimited()}, log: &order}
	oa1 := &fakeBackend{name: "openai#1", text: "never", log: &order}
	ocrB := &fakeBackend{name: "ocr", text: "Paid to shop", log: &order}

	o := NewOrchestrator(
		Pool{ID: "anthropic", Credentials: []Backend{primary}},
		[]Pool{{ID: "openai", Credentials: []Backend{oa0, oa1}}, {ID: "ocr", Credentials: []Backend{ocrB}}},
		WithSleep((&sleepRecorder{}).sleep),
	)

	res, err := o.Extract(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "openai#0", "ocr"}, order)
	assert.Equal(t, "ocr", res.Raw.Backend)
	assert.Equal(t, 0, oa1.calls)
	assert.Equal(t, []string{"anthropic", "openai", "ocr"}, o.Backends())
}

func TestExtract_EmptyImage(t *testing.T) {
	b := &fakeBackend{text: "x"}
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{b}}, nil)

	_, err := o.Extract(context.Background(), model.Image{MIMEType: "image/png"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyImage))
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))
	assert.Equal(t, 0, b.calls)
}

func TestExtract_ShuffleCopiesCredentials(t *testing.T) {
	var order []string
	k0 := &fakeBackend{name: "k0", errs: []error{rateLimited()}, log: &order}
	k1 := &fakeBackend{name: "k1", text: "ok", log: &order}
	creds := []Backend{k0, k1}
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	o := NewOrchestrator(Pool{ID: "p", Credentials: creds}, nil, WithShuffle(reverse), WithSleep((&sleepRecorder{}).sleep))

	res, err := o.Extract(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, order)
	assert.Equal(t, 1, res.Attempts[0].CredentialIndex)
	assert.Same(t, k0, creds[0].(*fakeBackend))
}

func TestExtract_OpenBreakerSkipsCredential(t *testing.T) {
	k0 := &fakeBackend{errs: []error{rateLimited(), rateLimited()}}
	k1 := &fakeBackend{text: "ok"}
	sb := resilience.NewServiceBreakers(resilience.FromCircuitConfig(1, 60))
	sl := &sleepRecorder{}
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{k0, k1}}, nil,
		WithShuffle(noShuffle), WithSleep(sl.sleep), WithBreakers(sb))

	_, err := o.Extract(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, resilience.CircuitOpen, sb.Get("anthropic#0").State())

	res, err := o.Extract(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, 1, k0.calls, "open breaker must skip the call")
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, AttemptTransient, res.Attempts[0].Outcome)
	assert.ErrorIs(t, res.Attempts[0].Err, resilience.ErrCircuitOpen)
	assert.Len(t, sl.calls, 1, "only the real transient call backs off")
}

func TestOrchestrator_BreakerReport(t *testing.T) {
	k0 := &fakeBackend{errs: []error{rateLimited()}}
	k1 := &fakeBackend{text: "ok"}
	sb := resilience.NewServiceBreakers(resilience.FromCircuitConfig(1, 60))
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{k0, k1}}, nil,
		WithShuffle(noShuffle), WithBackoff(0), WithBreakers(sb))

	_, err := o.Extract(context.Background(), testImage)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"anthropic#0": "open", "anthropic#1": "closed"}, o.BreakerStates())
	assert.Equal(t, []string{"anthropic#0"}, o.TrippedCredentials())

	plain := NewOrchestrator(Pool{ID: "ocr", Credentials: []Backend{k1}}, nil)
	assert.Nil(t, plain.BreakerStates())
	assert.Nil(t, plain.TrippedCredentials())
}

func TestExtract_PermanentDoesNotTripBreaker(t *testing.T) {
	k0 := &fakeBackend{errs: []error{unauthorized(), unauthorized()}}
	sb := resilience.NewServiceBreakers(resilience.FromCircuitConfig(1, 60))
	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{k0}}, nil, WithBreakers(sb))

	_, _ = o.Extract(context.Background(), testImage)
	_, _ = o.Extract(context.Background(), testImage)
	assert.Equal(t, 2, k0.calls)
	assert.Equal(t, resilience.CircuitClosed, sb.Get("anthropic#0").State())
}

func TestExtract_CancelledDuringBackoff(t *testing.T) {
	k0 := &fakeBackend{errs: []error{rateLimited()}}
	k1 := &fakeBackend{text: "ok"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(Pool{ID: "anthropic", Credentials: []Backend{k0, k1}}, nil, WithShuffle(noShuffle))

	_, err := o.Extract(ctx, testImage)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, model.FailureBusy, ex.Class)
	assert.Equal(t, 0, k1.calls)
}

func TestExhaustedError_Empty(t *testing.T) {
	ex := &ExhaustedError{Class: model.FailureFailed}
	assert.Equal(t, "vision: all providers exhausted (failed) after 0 attempts", ex.Error())
	assert.NoError(t, ex.Unwrap())
}

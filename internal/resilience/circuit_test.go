package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail(_ context.Context) error { return errBoom }

func succeed(_ context.Context) error { return nil }

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("anthropic#0", DefaultCircuitBreakerConfig())

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("anthropic#1", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	_ = cb.Execute(context.Background(), fail)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 1 failure, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), succeed)
	_ = cb.Execute(context.Background(), fail)
	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures should not open, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(errBoom)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open, got %v", err)
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("successful probe should close, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		cb.Record(errBoom)
	}
	now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	cb.Record(errBoom)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("failed probe should reopen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(errBoom)
	now = now.Add(2 * time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("first caller should probe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("caller %d admitted while probe in flight: %v", i, err)
		}
	}
	cb.Record(nil)
	if err := cb.Allow(); err != nil {
		t.Errorf("closed circuit should admit: %v", err)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("closed circuit should admit concurrently: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenConcurrentProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }
	cb.Record(errBoom)
	now = now.Add(2 * time.Second)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected sync.WaitGroup
	)
	release := make(chan struct{})
	rejected.Add(19)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(context.Background(), func(_ context.Context) error {
				mu.Lock()
				admitted++
				mu.Unlock()
				<-release
				return nil
			})
			if errors.Is(err, ErrCircuitOpen) {
				rejected.Done()
			}
		}()
	}
	rejected.Wait()
	close(release)
	wg.Wait()

	if admitted != 1 {
		t.Errorf("expected exactly one probe, got %d", admitted)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("successful probe should close, got %s", cb.State())
	}
}

func TestCircuitBreaker_ShouldTripAndStateChange(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}
	cb := NewCircuitBreaker("openai#0", cfg)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	cb.Record(NewPermanentError(errBoom, 401))
	if cb.State() != CircuitClosed {
		t.Fatalf("permanent error should not trip, got %s", cb.State())
	}
	cb.Record(NewTransientError(errBoom, 429))
	if cb.State() != CircuitOpen {
		t.Fatalf("transient error should trip, got %s", cb.State())
	}
	now = now.Add(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	cb.Record(nil)

	want := []string{"openai#0:closed->open", "openai#0:open->half-open", "openai#0:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), fail)
			} else {
				_ = cb.Execute(context.Background(), succeed)
			}
			_ = cb.State()
		}(i)
	}
	wg.Wait()
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}

	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "", errBoom
	})
	v, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "unreachable", nil
	})
	if !errors.Is(err, ErrCircuitOpen) || v != "" {
		t.Errorf("expected open circuit with zero value, got %q, %v", v, err)
	}
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	a := sb.Get("anthropic#0")
	if sb.Get("anthropic#0") != a {
		t.Error("Get should return the same breaker for the same name")
	}
	sb.Get("anthropic#1").Record(errBoom)

	states := sb.States()
	if states["anthropic#0"] != CircuitClosed || states["anthropic#1"] != CircuitOpen {
		t.Errorf("unexpected states: %v", states)
	}
	names := sb.Names()
	if len(names) != 2 || names[0] != "anthropic#0" || names[1] != "anthropic#1" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// recordSleep returns a Sleep func that records delays instead of waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_ExponentialSustainedFailure(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Strategy: Exponential, JitterFraction: 0.1, Sleep: recordSleep(&delays)}

	calls := 0
	boom := errors.New("connection reset")
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return Transient(boom)
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %T %v, want *ExhaustedError", err, err)
	}
	if ex.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ex.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Error("ExhaustedError should unwrap to the last error")
	}
	if len(delays) != 2 {
		t.Fatalf("delays = %v, want 2 waits", delays)
	}
	if delays[0] < 2*time.Second || delays[0] > 2200*time.Millisecond {
		t.Errorf("delay before attempt 2 = %v, want in [2s, 2.2s]", delays[0])
	}
	if delays[1] < 4*time.Second || delays[1] > 4400*time.Millisecond {
		t.Errorf("delay before attempt 3 = %v, want in [4s, 4.4s]", delays[1])
	}
}

func TestDo_LinearDelays(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, BaseDelay: 5 * time.Second, Strategy: Linear, Sleep: recordSleep(&delays)}

	_ = Do(context.Background(), p, func(context.Context) error {
		return Transient(errors.New("busy"))
	})

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Strategy: Exponential, Sleep: recordSleep(&delays)}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 2 {
			return Transient(errors.New("503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Strategy: Exponential, Sleep: recordSleep(&delays)}

	bad := errors.New("malformed input")
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return bad
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Error("permanent error must not be wrapped as ExhaustedError")
	}
	if !errors.Is(err, bad) {
		t.Errorf("error = %v, want %v", err, bad)
	}
	if len(delays) != 0 {
		t.Errorf("delays = %v, want none", delays)
	}
}

func TestDoValue_ReturnsValue(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Strategy: Linear}
	got, err := DoValue(context.Background(), p, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("DoValue = (%q, %v), want (ok, nil)", got, err)
	}
}

func TestDelay_CappedAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, Strategy: Exponential}
	if got := p.Delay(10); got != DefaultMaxDelay {
		t.Errorf("Delay(10) = %v, want %v", got, DefaultMaxDelay)
	}

	p = Policy{BaseDelay: 50 * time.Second, Strategy: Exponential, JitterFraction: 1, rand: func() float64 { return 0.99 }}
	if got := p.wait(1); got != DefaultMaxDelay {
		t.Errorf("wait(1) with jitter = %v, want cap %v", got, DefaultMaxDelay)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, Strategy: Linear}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(context.Context) error {
		calls++
		return Transient(errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RealTiming(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Strategy: Exponential}
	start := time.Now()
	_ = Do(context.Background(), p, func(context.Context) error {
		return Transient(errors.New("x"))
	})
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 30ms", elapsed)
	}
}

func TestDo_OnRetry(t *testing.T) {
	var attempts []int
	p := Policy{
		MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: Linear,
		Sleep:   func(context.Context, time.Duration) error { return nil },
		OnRetry: func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) },
	}
	_ = Do(context.Background(), p, func(context.Context) error { return Transient(errors.New("x")) })
	if fmt.Sprint(attempts) != "[1 2]" {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

type selfClassified struct{ retry bool }

func (e selfClassified) Error() string   { return "self" }
func (e selfClassified) Retryable() bool { return e.retry }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"marked transient", Transient(errors.New("x")), true},
		{"wrapped transient", fmt.Errorf("ctx: %w", Transient(errors.New("x"))), true},
		{"permanent wins", Permanent(Transient(errors.New("x"))), false},
		{"self retryable", selfClassified{retry: true}, true},
		{"self permanent", selfClassified{retry: false}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"net not timeout", &net.DNSError{IsNotFound: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNamedPolicies(t *testing.T) {
	ext := External()
	if ext.MaxAttempts != 3 || ext.BaseDelay != 2*time.Second || ext.Strategy != Exponential {
		t.Errorf("External = %+v", ext)
	}
	m := Model()
	if m.BaseDelay != 5*time.Second || m.Strategy != Linear {
		t.Errorf("Model = %+v", m)
	}
}

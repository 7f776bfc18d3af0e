package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
)

func TestPolicy_Backoff(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_BackoffUncapped(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 3}
	if got := p.Backoff(3); got != 90*time.Millisecond {
		t.Errorf("Backoff(3) = %v, want 90ms", got)
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(dto.RetryConfig{MaxAttempts: 0, InitialBackoffMS: 500, BackoffMultiplier: 0, MaxBackoffMS: 1000})
	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
	if p.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1", p.Multiplier)
	}
	if p.InitialBackoff != 500*time.Millisecond || p.MaxBackoff != time.Second {
		t.Errorf("backoff = %v/%v", p.InitialBackoff, p.MaxBackoff)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var waits []time.Duration
	attempts, err := Do(context.Background(), fastPolicy(3), nil, func(attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(_ int, wait time.Duration, _ error) {
		waits = append(waits, wait)
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Errorf("waits = %v, want [1ms 2ms]", waits)
	}
}

func TestDo_Exhausts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), nil, func(int) error {
		calls++
		return boom
	}, nil)

	if !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want boom", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", attempts, calls)
	}
}

func TestDo_RetryIfStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	p := fastPolicy(5)
	p.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }

	attempts, err := Do(context.Background(), p, nil, func(int) error { return permanent }, nil)
	if attempts != 1 || !errors.Is(err, permanent) {
		t.Errorf("attempts = %d err = %v, want 1 and permanent", attempts, err)
	}
}

func TestDo_StopAbortsWait(t *testing.T) {
	stop := make(chan struct{})
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Hour, Multiplier: 2}

	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), p, stop, func(int) error { return errors.New("fail") }, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		if !errors.Is(err, apperrors.ErrShuttingDown) {
			t.Errorf("Do() error = %v, want ErrShuttingDown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after stop")
	}
}

func TestDo_ContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	p := Policy{MaxAttempts: 3, InitialBackoff: time.Hour, Multiplier: 2}
	_, err := Do(ctx, p, nil, func(int) error { return errors.New("fail") }, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded", err)
	}
}

package snap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func quickPolicy() TransferPolicy {
	return TransferPolicy{
		Workers:         2,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestRetrier_Do(t *testing.T) {
	transient := errors.New("connection reset")
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantKind  error
	}{
		{name: "succeeds first time", wantCalls: 1},
		{name: "recovers from transient failures", failures: 2, err: transient, wantCalls: 3},
		{name: "budget exhausted", failures: 100, err: transient, wantCalls: 4, wantKind: ErrNetwork},
		{name: "conflict not retried", failures: 100, err: fmt.Errorf("wrapped: %w", ErrRemoteConflict), wantCalls: 1, wantKind: ErrRemoteConflict},
		{name: "missing block not retried", failures: 100, err: ErrBlockNotFound, wantCalls: 1, wantKind: ErrBlockNotFound},
		{name: "validation not retried", failures: 100, err: &ValidationError{Field: "id"}, wantCalls: 1, wantKind: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRetrier(quickPolicy(), NewNopLogger())
			calls := 0
			err := r.do(context.Background(), "test", func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantKind == nil {
				if err != nil {
					t.Errorf("do() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("do() error = %v, want %v", err, tt.wantKind)
			}
		})
	}
}

func TestRetrier_Cancelled(t *testing.T) {
	r := newRetrier(TransferPolicy{MaxRetries: 10, InitialInterval: time.Hour}, NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	err := r.do(ctx, "test", func() error {
		cancel()
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("do() error = %v, want context.Canceled", err)
	}
}

func TestRetrier_RateLimited(t *testing.T) {
	policy := quickPolicy()
	policy.RequestsPerSecond = 1000
	r := newRetrier(policy, NewNopLogger())
	if r.limiter == nil {
		t.Fatal("no limiter for a positive rate")
	}
	for i := 0; i < 5; i++ {
		if err := r.do(context.Background(), "test", func() error { return nil }); err != nil {
			t.Fatalf("do() error = %v", err)
		}
	}
}

func TestForEach(t *testing.T) {
	var running, peak atomic.Int64
	items := make([]int, 20)
	err := forEach(context.Background(), 3, items, func(ctx context.Context, _ int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("forEach() error = %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}

	boom := errors.New("boom")
	var seen atomic.Int64
	err = forEach(context.Background(), 1, []int{1, 2, 3}, func(ctx context.Context, i int) error {
		seen.Add(1)
		if i == 1 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("forEach() error = %v, want boom", err)
	}
	if seen.Load() != 1 {
		t.Errorf("forEach() ran %d items after the first error", seen.Load()-1)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: errors.New("dial tcp: connection refused"), want: false},
		{err: fmt.Errorf("push: %w", ErrRemoteConflict), want: true},
		{err: ErrSnapshotNotFoundRemote, want: true},
		{err: packagingError("opening %s", "x"), want: true},
		{err: context.Canceled, want: true},
		{err: networkError(errors.New("reset")), want: false},
	}
	for _, tt := range tests {
		if got := isPermanent(tt.err); got != tt.want {
			t.Errorf("isPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOpError(t *testing.T) {
	err := &OpError{Op: "push", ID: "snap-1", Repository: "team", Err: networkError(errors.New("reset"))}
	if got := err.Error(); got != "push snap-1 (repository team): network error: reset" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Error("OpError does not unwrap to ErrNetwork")
	}
}

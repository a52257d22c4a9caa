package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecoverableTerms(t *testing.T) {
	cases := []struct {
		err  string
		want bool
	}{
		{"connection reset by peer", true},
		{"timeout waiting for response", true},
		{"Permission-Denied", false},
		{"permission denied by remote", false},
		{"session not-found", false},
		{"resource not found", false},
		{"invalid argument", false},
		{"token expired", false},
		{"401 Unauthorized", false},
		{"403 Forbidden", false},
	}
	for _, c := range cases {
		if got := Recoverable(errors.New(c.err)); got != c.want {
			t.Errorf("Recoverable(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRunStopsOnNonRecoverable(t *testing.T) {
	calls := 0
	_, err := Run(context.Background(), Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-recoverable error retried: %d calls", calls)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Run(context.Background(), Config{MaxAttempts: 4, BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls", v, calls)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("connection refused")
	_, err := Run(context.Background(), Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Config{MaxAttempts: 3, BaseDelay: time.Hour}, func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestRunCustomClassify(t *testing.T) {
	calls := 0
	_, err := Run(context.Background(), Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Classify:    func(error) bool { return false },
	}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})
	if err == nil || calls != 1 {
		t.Fatalf("classifier ignored: err=%v calls=%d", err, calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := Backoff(attempt, base, max)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > max {
			t.Fatalf("delay exceeds cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if got := Backoff(1, base, max); got != time.Second {
		t.Fatalf("first delay = %v, want 1s", got)
	}
	if got := Backoff(3, base, max); got != 4*time.Second {
		t.Fatalf("third delay = %v, want 4s", got)
	}
	if got := Backoff(10, base, max); got != max {
		t.Fatalf("late delay = %v, want cap", got)
	}
}

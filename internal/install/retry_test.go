package install

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/runner"
)

func TestClassifyResult(t *testing.T) {
	cases := []struct {
		name string
		res  runner.Result
		want string
	}{
		{"timeout", runner.Result{Outcome: runner.TimedOut}, ClassTimeout},
		{"cancel", runner.Result{Outcome: runner.Cancelled}, ClassCancelled},
		{"conda http", exitWith(1, "CondaHTTPError: HTTP 000 CONNECTION FAILED"), ClassNetwork},
		{"pip resolve", exitWith(1, "Temporary failure in name resolution"), ClassNetwork},
		{"rate limit", exitWith(1, "HTTP 429 Too Many Requests"), ClassRateLimit},
		{"server", exitWith(1, "503 Service Unavailable"), ClassServer},
		{"lock", exitWith(1, "LockError: Could not acquire lock on pkgs dir"), ClassLock},
		{"stderr only", runner.Result{ExitCode: 1, StderrTail: []string{"connection refused"}}, ClassNetwork},
		{"start failure", runner.Result{Outcome: runner.StartFailed, Err: errors.New("exec: \"mamba\": executable file not found")}, ClassOther},
		{"compile error", exitWith(2, "error: expected ';' before '}' token"), ClassOther},
	}
	for _, tc := range cases {
		if got := ClassifyResult(tc.res); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy(3)
	if !p.ShouldRetry(manifest.MethodConda, ClassNetwork, 1) || !p.ShouldRetry(manifest.MethodPip, ClassServer, 2) {
		t.Fatalf("managed network failures are retried")
	}
	if p.ShouldRetry(manifest.MethodConda, ClassNetwork, 3) {
		t.Fatalf("attempt budget exceeded")
	}
	if p.ShouldRetry(manifest.MethodConda, ClassOther, 1) || p.ShouldRetry(manifest.MethodConda, ClassTimeout, 1) {
		t.Fatalf("non-transient failures are not retried")
	}
	if p.ShouldRetry(manifest.MethodSource, ClassNetwork, 1) {
		t.Fatalf("source builds only retry lock contention")
	}
	if !p.ShouldRetry(manifest.MethodSource, ClassLock, 1) || p.ShouldRetry(manifest.MethodSource, ClassLock, 2) {
		t.Fatalf("source lock retry is a single extra attempt")
	}
	if got := DefaultRetryPolicy(0).MaxAttempts(manifest.MethodConda); got != 1 {
		t.Fatalf("max attempts=%d", got)
	}
}

func TestRetryBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryBackoff(attempt)
		if d <= 0 || d > 24*time.Second {
			t.Fatalf("attempt %d: backoff %s out of range", attempt, d)
		}
	}
	if d := retryBackoff(1); d < 640*time.Millisecond || d > 960*time.Millisecond {
		t.Fatalf("first backoff=%s", d)
	}
}

func TestRetryPolicy_WaitHonorsCancel(t *testing.T) {
	p := DefaultRetryPolicy(3)
	p.Backoff = func(int) time.Duration { return time.Hour }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

// File: internal/install/retry.go
// Brief: Retry classification and backoff.

package install

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/runner"
)

// Failure classes derived from subprocess output.
const (
	ClassLock      = "LOCK"
	ClassNetwork   = "NETWORK"
	ClassRateLimit = "RATE_LIMIT"
	ClassServer    = "SERVER_5XX"
	ClassTimeout   = "TIMEOUT"
	ClassCancelled = "CANCELLED"
	ClassOther     = "OTHER"
)

var lockSignatures = []string{
	"could not acquire lock",
	"waiting for lock",
	"unable to lock",
	"lock file",
	"lockerror",
	"resource temporarily unavailable",
	"another process is using",
}

var networkSignatures = []string{
	"condahttperror",
	"connectionerror",
	"connection reset",
	"connection refused",
	"connection aborted",
	"could not resolve host",
	"temporary failure in name resolution",
	"name or service not known",
	"network is unreachable",
	"read timed out",
	"max retries exceeded",
	"broken pipe",
	"ssl: ",
	"http 000",
}

var rateLimitSignatures = []string{"429", "too many requests"}

var serverSignatures = []string{"http 5", "500 internal server error", "502 bad gateway", "503 service unavailable", "504 gateway time"}

// ClassifyResult maps a failed result onto a retry class by scanning its
// output tail.
func ClassifyResult(res runner.Result) string {
	switch res.Outcome {
	case runner.TimedOut:
		return ClassTimeout
	case runner.Cancelled:
		return ClassCancelled
	}
	lines := res.Tail
	if len(lines) == 0 {
		lines = append(append([]string(nil), res.StdoutTail...), res.StderrTail...)
	}
	msg := strings.ToLower(strings.Join(lines, "\n"))
	if res.Err != nil {
		msg += "\n" + strings.ToLower(res.Err.Error())
	}
	switch {
	case containsAny(msg, lockSignatures):
		return ClassLock
	case containsAny(msg, rateLimitSignatures):
		return ClassRateLimit
	case containsAny(msg, networkSignatures):
		return ClassNetwork
	case containsAny(msg, serverSignatures):
		return ClassServer
	default:
		return ClassOther
	}
}

func containsAny(msg string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// RetryPolicy decides which failures are retried and how long to wait.
type RetryPolicy struct {
	// ManagedAttempts bounds conda/pip invocations.
	ManagedAttempts int
	// SourceAttempts bounds source build steps; only lock contention qualifies.
	SourceAttempts int
	// Backoff returns the wait before the given 1-based retry.
	Backoff func(attempt int) time.Duration
	// Sleep waits or returns ctx.Err(); tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy allows managedAttempts tries for network installs and a
// single extra try for source builds hitting a lock.
func DefaultRetryPolicy(managedAttempts int) RetryPolicy {
	if managedAttempts < 1 {
		managedAttempts = 1
	}
	return RetryPolicy{
		ManagedAttempts: managedAttempts,
		SourceAttempts:  2,
		Backoff:         retryBackoff,
		Sleep:           sleepContext,
	}
}

// MaxAttempts is the attempt budget for a method.
func (p RetryPolicy) MaxAttempts(method manifest.Method) int {
	n := p.SourceAttempts
	if method.Managed() {
		n = p.ManagedAttempts
	}
	if n < 1 {
		return 1
	}
	return n
}

// ShouldRetry reports whether attempt (1-based, just failed) may be retried.
func (p RetryPolicy) ShouldRetry(method manifest.Method, class string, attempt int) bool {
	if attempt >= p.MaxAttempts(method) {
		return false
	}
	if method.Managed() {
		return isRetryableClass(class)
	}
	return class == ClassLock
}

// Wait sleeps before the next attempt.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = retryBackoff
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, backoff(attempt))
}

func isRetryableClass(class string) bool {
	switch class {
	case ClassLock, ClassNetwork, ClassRateLimit, ClassServer:
		return true
	default:
		return false
	}
}

func retryBackoff(attempt int) time.Duration {
	// attempt is 1-based.
	base := 800 * time.Millisecond
	if attempt <= 1 {
		return jitter(base)
	}
	d := base * time.Duration(1<<uint(min(attempt-1, 6)))
	if d > 20*time.Second {
		d = 20 * time.Second
	}
	return jitter(d)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

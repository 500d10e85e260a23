package client

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy bounds the automatic retries of transient failures.
type Policy struct {
	// MaxRetries is the number of retries after the initial dispatch.
	MaxRetries int

	// BaseDelay is the backoff unit. Retry n waits BaseDelay*2^n plus a
	// jitter in [0, BaseDelay).
	BaseDelay time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
	}
}

// AttemptContext is the per-call state threaded through the pipeline.
type AttemptContext struct {
	RequestID  string
	StartTime  time.Time
	RetryCount int
}

// NewAttemptContext starts the state of a new call.
func NewAttemptContext(now time.Time) AttemptContext {
	return AttemptContext{
		RequestID: uuid.NewString(),
		StartTime: now,
	}
}

// Outcome is the result of one dispatch: either a transport error or an
// HTTP status.
type Outcome struct {
	StatusCode int
	Err        error
}

// Kind classifies the outcome. Only 2xx outcomes have no kind; 1xx and
// 3xx statuses are client errors.
func (o Outcome) Kind() ErrorKind {
	switch {
	case o.Err != nil:
		return KindNetwork
	case o.StatusCode >= 500:
		return KindServer
	case o.Success():
		return ""
	default:
		return KindClient
	}
}

// Success reports whether the dispatch returned a 2xx status.
func (o Outcome) Success() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// Decision is the verdict of the retry controller.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	Kind        ErrorKind
}

// Jitter returns a random duration in [0, max). It returns 0 when max <= 0.
type Jitter func(max time.Duration) time.Duration

// DefaultJitter draws from the global random source.
func DefaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// SeededJitter returns a deterministic, concurrency-safe jitter source.
func SeededJitter(seed uint64) Jitter {
	var mu sync.Mutex
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(max time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(r.Int64N(int64(max)))
	}
}

// Decide computes whether a failed dispatch is retried and how long to
// wait first. It performs no I/O and never sleeps. 401 outcomes belong
// to the refresh flow and are never retried here.
func Decide(outcome Outcome, attempt AttemptContext, policy Policy, jitter Jitter) Decision {
	kind := outcome.Kind()
	if outcome.Err == nil && outcome.StatusCode == http.StatusUnauthorized {
		return Decision{Kind: kind}
	}
	if errors.Is(outcome.Err, context.Canceled) {
		return Decision{Kind: kind}
	}
	if !kind.Transient() || attempt.RetryCount >= policy.MaxRetries {
		return Decision{Kind: kind}
	}
	if jitter == nil {
		jitter = DefaultJitter
	}

	backoff := policy.BaseDelay << attempt.RetryCount
	return Decision{
		ShouldRetry: true,
		Delay:       backoff + jitter(policy.BaseDelay),
		Kind:        kind,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
